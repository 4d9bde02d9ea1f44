// Package plcman polls the configured gateways' tags through the tag
// library and reports value changes in batches.
package plcman

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srdgame/libplctag-sub000/config"
	"github.com/srdgame/libplctag-sub000/logging"
	"github.com/srdgame/libplctag-sub000/logix"
	"github.com/srdgame/libplctag-sub000/status"
)

// Client is the part of the tag library the manager uses.
// *plctag.Library implements it.
type Client interface {
	Create(attrs string, timeout time.Duration) (int32, error)
	Read(id int32, timeout time.Duration) error
	Write(id int32, timeout time.Duration) error
	Status(id int32) status.Code
	Abort(id int32) error
	Destroy(id int32) error
	Size(id int32) (int, error)
	GetBytes(id int32, offset, n int) ([]byte, error)
	SetBytes(id int32, offset int, b []byte) error
}

// ConnectionStatus represents the state of a gateway.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

type managedTag struct {
	cfg   config.TagConfig
	code  uint16
	id    int32 // 0 until the handle is created
	value *TagValue
}

// ManagedGateway is a gateway under management.
type ManagedGateway struct {
	Config    config.GatewayConfig
	Status    ConnectionStatus
	LastError error
	LastPoll  time.Time

	tags []*managedTag
	mu   sync.RWMutex
	io   sync.Mutex // serializes polls and writes on the tag handles
}

// GetStatus returns the current status thread-safely.
func (g *ManagedGateway) GetStatus() ConnectionStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.Status
}

// GetError returns the last gateway level error.
func (g *ManagedGateway) GetError() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.LastError
}

// GetLastPoll returns when the gateway was last polled.
func (g *ManagedGateway) GetLastPoll() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.LastPoll
}

// GetValues returns a copy of the latest tag values keyed by tag name.
func (g *ManagedGateway) GetValues() map[string]*TagValue {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]*TagValue, len(g.tags))
	for _, t := range g.tags {
		if t.value != nil {
			v := *t.value
			out[t.cfg.Name] = &v
		}
	}
	return out
}

func (g *ManagedGateway) findTag(name string) *managedTag {
	for _, t := range g.tags {
		if t.cfg.Name == name {
			return t
		}
	}
	return nil
}

// PollStats aggregates worker counters.
type PollStats struct {
	TagsPolled   int
	ChangesFound int
	LastPollTime time.Time
}

// GatewayWorker polls one gateway in its own goroutine.
type GatewayWorker struct {
	gw       *ManagedGateway
	manager  *Manager
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pollRate time.Duration
}

func newGatewayWorker(gw *ManagedGateway, manager *Manager, pollRate time.Duration) *GatewayWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &GatewayWorker{
		gw:       gw,
		manager:  manager,
		ctx:      ctx,
		cancel:   cancel,
		pollRate: pollRate,
	}
}

// Start begins the worker's poll loop.
func (w *GatewayWorker) Start() {
	w.wg.Add(1)
	go w.pollLoop()
}

// Stop halts the worker and waits for it to finish.
func (w *GatewayWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *GatewayWorker) pollLoop() {
	defer w.wg.Done()

	w.manager.Poll(w.gw)
	ticker := time.NewTicker(w.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.manager.Poll(w.gw)
		}
	}
}

// Manager owns the gateways and their workers.
type Manager struct {
	client   Client
	pollRate time.Duration
	timeout  time.Duration

	gateways map[string]*ManagedGateway
	workers  map[string]*GatewayWorker
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onValueChange func(changes []ValueChange)
	changeChan    chan []ValueChange
	batchInterval time.Duration

	totalPolled  atomic.Int64
	totalChanges atomic.Int64
	lastPoll     atomic.Int64
}

// NewManager creates a manager polling every pollRate and waiting at most
// timeout for each batch of reads.
func NewManager(client Client, pollRate, timeout time.Duration) *Manager {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Manager{
		client:        client,
		pollRate:      pollRate,
		timeout:       timeout,
		gateways:      make(map[string]*ManagedGateway),
		workers:       make(map[string]*GatewayWorker),
		changeChan:    make(chan []ValueChange, 64),
		batchInterval: 50 * time.Millisecond,
	}
}

// SetOnValueChange sets the callback receiving batched value changes.
func (m *Manager) SetOnValueChange(fn func(changes []ValueChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValueChange = fn
}

// LoadFromConfig adds every enabled gateway in cfg.
func (m *Manager) LoadFromConfig(cfg *config.Config) {
	cfg.Lock()
	gateways := append([]config.GatewayConfig(nil), cfg.Gateways...)
	cfg.Unlock()
	for _, g := range gateways {
		if !g.Enabled {
			continue
		}
		if err := m.AddGateway(g); err != nil {
			logging.DebugLog("plcman", "gateway %s: %v", g.Name, err)
		}
	}
}

// AddGateway registers a gateway and, when the manager runs, starts polling.
func (m *Manager) AddGateway(cfg config.GatewayConfig) error {
	gw := &ManagedGateway{Config: cfg, Status: StatusDisconnected}
	for _, tc := range cfg.Tags {
		code, ok := logix.TypeCodeFromName(tc.Type)
		if !ok {
			return fmt.Errorf("tag %s: unknown type %q", tc.Name, tc.Type)
		}
		gw.tags = append(gw.tags, &managedTag{cfg: tc, code: code})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.gateways[cfg.Name]; exists {
		return fmt.Errorf("gateway %s already exists", cfg.Name)
	}
	m.gateways[cfg.Name] = gw
	if m.ctx != nil {
		w := newGatewayWorker(gw, m, m.pollRate)
		m.workers[cfg.Name] = w
		w.Start()
	}
	return nil
}

// RemoveGateway stops polling a gateway and destroys its tag handles.
func (m *Manager) RemoveGateway(name string) error {
	m.mu.Lock()
	gw, ok := m.gateways[name]
	w := m.workers[name]
	delete(m.gateways, name)
	delete(m.workers, name)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("gateway %s not found", name)
	}
	if w != nil {
		w.Stop()
	}
	m.destroyTags(gw)
	return nil
}

// sessionLost reports whether err means the tag's session stopped
// reconnecting. The handle then has to be re-created to get a new session.
func sessionLost(err error) bool {
	return err != nil && status.FromError(err) == status.ErrBadGateway
}

// resetHandle destroys t's handle so the next poll or write creates it
// again. Callers hold gw.io.
func (m *Manager) resetHandle(gateway string, t *managedTag) {
	if t.id == 0 {
		return
	}
	logging.DebugLog("plcman", "%s.%s: session failed, re-creating tag", gateway, t.cfg.Name)
	m.client.Destroy(t.id)
	t.id = 0
}

func (m *Manager) destroyTags(gw *ManagedGateway) {
	gw.io.Lock()
	defer gw.io.Unlock()
	for _, t := range gw.tags {
		if t.id != 0 {
			m.client.Destroy(t.id)
			t.id = 0
		}
	}
	gw.mu.Lock()
	gw.Status = StatusDisconnected
	gw.mu.Unlock()
}

// GetGateway returns the named gateway or nil.
func (m *Manager) GetGateway(name string) *ManagedGateway {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gateways[name]
}

// ListGateways returns all gateways sorted by name.
func (m *Manager) ListGateways() []*ManagedGateway {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedGateway, 0, len(m.gateways))
	for _, g := range m.gateways {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out
}

// Poll reads every tag of gw once and reports how many tags were polled
// and how many changed. Reads are armed together and awaited as a batch.
func (m *Manager) Poll(gw *ManagedGateway) (int, int) {
	gw.io.Lock()
	defer gw.io.Unlock()

	gw.mu.Lock()
	if gw.Status == StatusDisconnected {
		gw.Status = StatusConnecting
	}
	gw.mu.Unlock()

	armed := make([]*managedTag, 0, len(gw.tags))
	results := make(map[*managedTag]error, len(gw.tags))
	for _, t := range gw.tags {
		if t.id == 0 {
			id, err := m.client.Create(gw.Config.Attributes(t.cfg), 0)
			if err != nil {
				results[t] = err
				continue
			}
			t.id = id
		}
		if err := m.client.Read(t.id, 0); err != nil {
			results[t] = err
			continue
		}
		armed = append(armed, t)
	}

	deadline := time.Now().Add(m.timeout)
	for len(armed) > 0 {
		pending := armed[:0]
		for _, t := range armed {
			st := m.client.Status(t.id)
			switch {
			case st == status.Pending:
				pending = append(pending, t)
			case st.IsError():
				results[t] = st
			default:
				results[t] = nil
			}
		}
		armed = pending
		if len(armed) == 0 {
			break
		}
		if time.Now().After(deadline) {
			for _, t := range armed {
				m.client.Abort(t.id)
				results[t] = status.ErrTimeout
			}
			break
		}
		time.Sleep(time.Millisecond)
	}

	var changes []ValueChange
	var okCount int
	var lastErr error
	values := make(map[*managedTag]*TagValue, len(results))
	for t, err := range results {
		var raw []byte
		if err == nil {
			raw, err = m.readBuffer(t.id)
		}
		if err == nil {
			okCount++
		} else {
			lastErr = err
		}
		values[t] = newValue(gw.Config.Name, t.cfg.Name, t.code, max(t.cfg.Count, 1), raw, err)
		if sessionLost(err) {
			m.resetHandle(gw.Config.Name, t)
		}
	}

	gw.mu.Lock()
	for _, t := range gw.tags {
		next, ok := values[t]
		if !ok {
			continue
		}
		if changed(t.value, next) {
			changes = append(changes, toChange(t, next))
		}
		t.value = next
	}
	gw.LastPoll = time.Now()
	switch {
	case len(gw.tags) == 0 || okCount > 0:
		gw.Status = StatusConnected
		gw.LastError = nil
	default:
		gw.Status = StatusError
		gw.LastError = lastErr
	}
	gw.mu.Unlock()

	m.totalPolled.Add(int64(len(results)))
	m.totalChanges.Add(int64(len(changes)))
	m.lastPoll.Store(time.Now().UnixNano())
	if len(changes) > 0 {
		m.sendChanges(changes)
	}
	return len(results), len(changes)
}

func (m *Manager) readBuffer(id int32) ([]byte, error) {
	n, err := m.client.Size(id)
	if err != nil {
		return nil, err
	}
	return m.client.GetBytes(id, 0, n)
}

func toChange(t *managedTag, v *TagValue) ValueChange {
	c := ValueChange{
		Gateway:   v.Gateway,
		Tag:       v.Name,
		TypeName:  v.TypeName(),
		Value:     v.GoValue(),
		Writable:  t.cfg.Writable,
		Timestamp: v.Timestamp,
	}
	if v.Error != nil {
		c.Error = v.Error.Error()
	}
	return c
}

// ErrNotWritable is returned for writes to tags not marked writable.
var ErrNotWritable = errors.New("tag is not writable")

// ReadTag returns the latest polled value of a tag.
func (m *Manager) ReadTag(gateway, tagName string) (*TagValue, error) {
	gw := m.GetGateway(gateway)
	if gw == nil {
		return nil, fmt.Errorf("gateway %s not found", gateway)
	}
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	t := gw.findTag(tagName)
	if t == nil {
		return nil, fmt.Errorf("tag %s not found on %s", tagName, gateway)
	}
	if t.value == nil {
		return nil, fmt.Errorf("tag %s not read yet", tagName)
	}
	v := *t.value
	return &v, nil
}

// WriteTag encodes value for the tag's type and writes it.
func (m *Manager) WriteTag(gateway, tagName string, value interface{}) error {
	gw := m.GetGateway(gateway)
	if gw == nil {
		return fmt.Errorf("gateway %s not found", gateway)
	}
	gw.io.Lock()
	defer gw.io.Unlock()

	t := gw.findTag(tagName)
	if t == nil {
		return fmt.Errorf("tag %s not found on %s", tagName, gateway)
	}
	if !t.cfg.Writable {
		return fmt.Errorf("%s.%s: %w", gateway, tagName, ErrNotWritable)
	}
	b, err := encodeValue(t.code, t.cfg.Count, value)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", gateway, tagName, err)
	}
	if t.id == 0 {
		id, err := m.client.Create(gw.Config.Attributes(t.cfg), 0)
		if err != nil {
			return err
		}
		t.id = id
	}
	if err := m.client.SetBytes(t.id, 0, b); err != nil {
		return err
	}
	if err := m.client.Write(t.id, m.timeout); err != nil {
		if sessionLost(err) {
			m.resetHandle(gateway, t)
		}
		return fmt.Errorf("write %s.%s: %w", gateway, tagName, err)
	}
	logging.DebugLog("plcman", "wrote %s.%s = %v", gateway, tagName, value)
	return nil
}

// GetAllCurrentValues returns the latest value of every tag as changes,
// for priming newly connected publishers.
func (m *Manager) GetAllCurrentValues() []ValueChange {
	var out []ValueChange
	for _, gw := range m.ListGateways() {
		gw.mu.RLock()
		for _, t := range gw.tags {
			if t.value != nil {
				out = append(out, toChange(t, t.value))
			}
		}
		gw.mu.RUnlock()
	}
	return out
}

// GetPollStats returns totals since start.
func (m *Manager) GetPollStats() PollStats {
	var last time.Time
	if ns := m.lastPoll.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return PollStats{
		TagsPolled:   int(m.totalPolled.Load()),
		ChangesFound: int(m.totalChanges.Load()),
		LastPollTime: last,
	}
}

func (m *Manager) sendChanges(changes []ValueChange) {
	select {
	case m.changeChan <- changes:
	default:
		logging.DebugLog("plcman", "change queue full, dropped %d changes", len(changes))
	}
}

// Start begins background polling for all gateways.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return // already running
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	ctx := m.ctx
	for name, gw := range m.gateways {
		w := newGatewayWorker(gw, m, m.pollRate)
		m.workers[name] = w
		w.Start()
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.batchedUpdateLoop(ctx)
}

// Stop halts all polling and destroys the tag handles.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	workers := make([]*GatewayWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*GatewayWorker)
	gateways := make([]*ManagedGateway, 0, len(m.gateways))
	for _, g := range m.gateways {
		gateways = append(gateways, g)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	m.wg.Wait()
	for _, g := range gateways {
		m.destroyTags(g)
	}

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()
}

// batchedUpdateLoop merges change batches and delivers them at most once
// per batch interval.
func (m *Manager) batchedUpdateLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pending []ValueChange
	flush := func() {
		if len(pending) == 0 {
			return
		}
		m.mu.RLock()
		fn := m.onValueChange
		m.mu.RUnlock()
		if fn != nil {
			fn(pending)
		}
		pending = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case changes := <-m.changeChan:
			pending = append(pending, changes...)
		case <-ticker.C:
			flush()
		}
	}
}
