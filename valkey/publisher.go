// Package valkey stores the latest tag values in Valkey/Redis keys and
// optionally announces changes over Pub/Sub.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/srdgame/libplctag-sub000/config"
	"github.com/srdgame/libplctag-sub000/logging"
	"github.com/srdgame/libplctag-sub000/plcman"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// joinKey joins key segments with colons, dropping empty segments.
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// TagMessage is the JSON stored under each tag key.
type TagMessage struct {
	Gateway   string      `json:"gateway"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Error     string      `json:"error,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteRequest is popped from the <root>:writes list.
type WriteRequest struct {
	Gateway string      `json:"gateway"`
	Tag     string      `json:"tag"`
	Value   interface{} `json:"value"`
}

// WriteResponse is published on <root>:write:responses.
type WriteResponse struct {
	Gateway   string      `json:"gateway"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteHandler performs a tag write.
type WriteHandler func(gateway, tag string, value interface{}) error

// Publisher handles one Valkey server.
type Publisher struct {
	config    config.ValkeyConfig
	namespace string
	client    redis.UniversalClient
	running   bool
	mu        sync.RWMutex

	writeHandler WriteHandler

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a publisher. Keys are rooted at namespace plus the
// configured selector.
func NewPublisher(cfg config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: namespace,
		stopChan:  make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Address returns the server URL.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// TagKey returns the key holding a tag's latest value.
func (p *Publisher) TagKey(gateway, tag string) string {
	return joinKey(p.namespace, p.config.Selector, gateway, "tags", tag)
}

func (p *Publisher) changesChannel(gateway string) string {
	return joinKey(p.namespace, p.config.Selector, gateway, "changes")
}

func (p *Publisher) writeQueue() string {
	return joinKey(p.namespace, p.config.Selector, "writes")
}

func (p *Publisher) responseChannel() string {
	return joinKey(p.namespace, p.config.Selector, "write", "responses")
}

// SetWriteHandler installs the handler used for queued write requests.
func (p *Publisher) SetWriteHandler(h WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = h
}

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the server.
func (p *Publisher) Start() error {
	if p.IsRunning() {
		return nil
	}
	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	debugLog("connecting to %s (db %d)", p.config.Address, p.config.Database)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("valkey %s: connect %s: %w", p.config.Name, p.config.Address, err)
	}
	debugLog("connected to %s", p.config.Address)
	p.attach(client)
	return nil
}

func (p *Publisher) attach(client redis.UniversalClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return
	}
	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})
	if p.config.Writeback {
		p.wg.Add(1)
		go p.writebackListener(client, p.stopChan)
	}
}

// Stop disconnects from the server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}
	return client.Close()
}

// Publish stores c under its tag key and announces it when enabled.
func (p *Publisher) Publish(ctx context.Context, c plcman.ValueChange) error {
	p.mu.RLock()
	client := p.client
	running := p.running
	p.mu.RUnlock()
	if !running || client == nil {
		return nil
	}

	data, err := json.Marshal(TagMessage{
		Gateway:   c.Gateway,
		Tag:       c.Tag,
		Value:     c.Value,
		Type:      c.TypeName,
		Error:     c.Error,
		Writable:  c.Writable,
		Timestamp: c.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", c.Gateway, c.Tag, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Set(ctx, p.TagKey(c.Gateway, c.Tag), data, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", p.TagKey(c.Gateway, c.Tag), err)
	}
	if p.config.PublishChanges {
		if err := client.Publish(ctx, p.changesChannel(c.Gateway), data).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", p.changesChannel(c.Gateway), err)
		}
	}
	return nil
}

func (p *Publisher) writebackListener(client redis.UniversalClient, stop <-chan struct{}) {
	defer p.wg.Done()
	queue := p.writeQueue()
	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, time.Second, queue).Result()
		cancel()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				debugLog("write queue %s: %v", queue, err)
				select {
				case <-stop:
					return
				case <-time.After(100 * time.Millisecond):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}
		p.processWriteRequest(client, []byte(result[1]))
	}
}

func (p *Publisher) processWriteRequest(client redis.UniversalClient, raw []byte) {
	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()

	var req WriteRequest
	resp := WriteResponse{Timestamp: time.Now().UTC()}
	if err := json.Unmarshal(raw, &req); err != nil {
		resp.Error = fmt.Sprintf("invalid JSON: %v", err)
	} else {
		resp.Gateway, resp.Tag, resp.Value = req.Gateway, req.Tag, req.Value
		switch {
		case req.Gateway == "" || req.Tag == "":
			resp.Error = "gateway and tag are required"
		case handler == nil:
			resp.Error = "writes are not enabled"
		default:
			if err := handler(req.Gateway, req.Tag, req.Value); err != nil {
				resp.Error = err.Error()
			} else {
				resp.Success = true
			}
		}
	}

	data, _ := json.Marshal(resp)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.Publish(ctx, p.responseChannel(), data)
	debugLog("write %s/%s = %v success=%v", req.Gateway, req.Tag, req.Value, resp.Success)
}

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// LoadFromConfig adds a publisher per config entry.
func (m *Manager) LoadFromConfig(cfgs []config.ValkeyConfig, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cfgs {
		m.publishers = append(m.publishers, NewPublisher(c, namespace))
	}
}

// Get returns the named publisher or nil.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.publishers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Publisher(nil), m.publishers...)
}

// StartAll starts every enabled publisher and returns how many run.
func (m *Manager) StartAll() int {
	n := 0
	for _, p := range m.List() {
		if !p.config.Enabled {
			continue
		}
		if err := p.Start(); err != nil {
			debugLog("start %s: %v", p.Name(), err)
			continue
		}
		n++
	}
	return n
}

// StopAll stops every publisher.
func (m *Manager) StopAll() {
	for _, p := range m.List() {
		p.Stop()
	}
}

// Publish stores changes on every running publisher.
func (m *Manager) Publish(changes []plcman.ValueChange) {
	ctx := context.Background()
	for _, p := range m.List() {
		for _, c := range changes {
			if err := p.Publish(ctx, c); err != nil {
				debugLog("%s: %v", p.Name(), err)
			}
		}
	}
}

// SetWriteHandler installs h on every publisher.
func (m *Manager) SetWriteHandler(h WriteHandler) {
	for _, p := range m.List() {
		p.SetWriteHandler(h)
	}
}
