// Package mqtt republishes polled tag values to MQTT brokers and accepts
// write requests on a per-gateway write topic.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/srdgame/libplctag-sub000/config"
	"github.com/srdgame/libplctag-sub000/logging"
	"github.com/srdgame/libplctag-sub000/plcman"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// MaxWriteWorkers is the number of write goroutines per publisher.
const MaxWriteWorkers = 4

// MaxWriteQueueSize bounds pending write jobs per publisher.
const MaxWriteQueueSize = 100

type writeJob struct {
	client  pahomqtt.Client
	gateway string
	tag     string
	value   interface{}
	err     error // set for requests rejected before the write
}

// WriteHandler performs a tag write. plcman.Manager.WriteTag fits.
type WriteHandler func(gateway, tag string, value interface{}) error

// TagMessage is the JSON published for each value.
type TagMessage struct {
	Gateway   string      `json:"gateway"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Error     string      `json:"error,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON accepted on <root>/<gateway>/write.
type WriteRequest struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is published on <root>/<gateway>/write/response.
type WriteResponse struct {
	Gateway   string      `json:"gateway"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// Publisher holds one broker connection.
type Publisher struct {
	config    config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	lastValues map[string]interface{}
	lastMu     sync.RWMutex

	writeHandler WriteHandler
	gateways     []string

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// NewPublisher creates a publisher for one broker. Topics are rooted at
// namespace, plus the configured selector when set.
func NewPublisher(cfg config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		config:     cfg,
		namespace:  namespace,
		lastValues: make(map[string]interface{}),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	scheme := "tcp"
	if p.config.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.config.Broker, p.config.Port)
}

// RootTopic returns the topic prefix.
func (p *Publisher) RootTopic() string {
	if p.config.Selector != "" {
		return p.namespace + "/" + p.config.Selector
	}
	return p.namespace
}

// BuildTopic returns the value topic of a tag.
func (p *Publisher) BuildTopic(gateway, tag string) string {
	return fmt.Sprintf("%s/%s/tags/%s", p.RootTopic(), gateway, tag)
}

// SetWriteHandler installs the handler used for write requests.
func (p *Publisher) SetWriteHandler(h WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = h
}

// SetGateways sets the gateways whose write topics are subscribed.
func (p *Publisher) SetGateways(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gateways = append([]string(nil), names...)
}

// Start connects to the broker and subscribes the write topics.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	logMQTT("connecting to %s", p.Address())
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt %s: connection timeout", p.config.Name)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", p.config.Name, err)
	}
	logMQTT("connected to %s", p.Address())

	p.attach(client)
	p.subscribeWriteTopics()
	return nil
}

// attach marks the publisher running on client and starts the workers.
func (p *Publisher) attach(client pahomqtt.Client) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return
	}
	p.client = client
	p.running = true
	stop := p.stopChan
	queue := p.writeQueue
	p.mu.Unlock()

	p.lastMu.Lock()
	p.lastValues = make(map[string]interface{})
	p.lastMu.Unlock()

	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker(stop, queue)
	}
}

func (p *Publisher) writeWorker(stop <-chan struct{}, queue <-chan writeJob) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			err := job.err
			if err == nil {
				p.mu.RLock()
				handler := p.writeHandler
				p.mu.RUnlock()
				if handler == nil {
					err = fmt.Errorf("writes are not enabled")
				} else {
					err = handler(job.gateway, job.tag, job.value)
				}
			}
			if err != nil {
				logMQTT("write %s/%s failed: %v", job.gateway, job.tag, err)
			}
			p.publishWriteResponse(job.client, job.gateway, job.tag, job.value, err)
		}
	}
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("timeout waiting for write workers to stop")
	}
	client.Disconnect(500)
}

// Publish sends a change unless the same value was already published.
// force republishes regardless.
func (p *Publisher) Publish(c plcman.ValueChange, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()
	if !running || client == nil {
		return false
	}

	key := c.Gateway + "/" + c.Tag
	current := interface{}(c.Value)
	if c.Error != "" {
		current = c.Error
	}
	p.lastMu.RLock()
	last, seen := p.lastValues[key]
	p.lastMu.RUnlock()
	if seen && !force && reflect.DeepEqual(last, current) {
		return false
	}

	payload, err := json.Marshal(newTagMessage(c))
	if err != nil {
		logMQTT("marshal %s: %v", key, err)
		return false
	}
	token := client.Publish(p.BuildTopic(c.Gateway, c.Tag), 1, true, payload)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		return false
	}

	p.lastMu.Lock()
	p.lastValues[key] = current
	p.lastMu.Unlock()
	return true
}

func newTagMessage(c plcman.ValueChange) TagMessage {
	return TagMessage{
		Gateway:   c.Gateway,
		Tag:       c.Tag,
		Value:     c.Value,
		Type:      c.TypeName,
		Error:     c.Error,
		Writable:  c.Writable,
		Timestamp: c.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func (p *Publisher) subscribeWriteTopics() {
	p.mu.RLock()
	client := p.client
	gateways := p.gateways
	p.mu.RUnlock()
	if client == nil {
		return
	}
	for _, gw := range gateways {
		topic := fmt.Sprintf("%s/%s/write", p.RootTopic(), gw)
		token := client.Subscribe(topic, 1, p.handleWriteMessage)
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			logMQTT("subscribe %s failed: %v", topic, token.Error())
			continue
		}
		logMQTT("subscribed to %s", topic)
	}
}

// gatewayFromWriteTopic extracts the gateway from <root>/<gateway>/write.
func (p *Publisher) gatewayFromWriteTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, p.RootTopic()+"/")
	if !ok {
		return "", false
	}
	gw, ok := strings.CutSuffix(rest, "/write")
	if !ok || gw == "" || strings.Contains(gw, "/") {
		return "", false
	}
	return gw, true
}

func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logMQTT("write request on %s: %s", msg.Topic(), msg.Payload())

	job := writeJob{client: client}
	gw, ok := p.gatewayFromWriteTopic(msg.Topic())
	if !ok {
		logMQTT("ignoring write on unexpected topic %s", msg.Topic())
		return
	}
	job.gateway = gw

	var req WriteRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		job.err = fmt.Errorf("invalid JSON: %v", err)
	} else if req.Tag == "" {
		job.err = fmt.Errorf("tag is required")
	}
	job.tag = req.Tag
	job.value = req.Value

	p.mu.RLock()
	queue := p.writeQueue
	p.mu.RUnlock()
	select {
	case queue <- job:
	default:
		logMQTT("write queue full, rejecting %s/%s", gw, req.Tag)
		go p.publishWriteResponse(client, gw, req.Tag, req.Value, fmt.Errorf("write queue full, try again later"))
	}
}

func (p *Publisher) publishWriteResponse(client pahomqtt.Client, gateway, tag string, value interface{}, err error) {
	resp := WriteResponse{
		Gateway:   gateway,
		Tag:       tag,
		Value:     value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	payload, _ := json.Marshal(resp)
	topic := fmt.Sprintf("%s/%s/write/response", p.RootTopic(), gateway)
	client.Publish(topic, 1, false, payload).WaitTimeout(2 * time.Second)
}

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers map[string]*Publisher
	mu         sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{publishers: make(map[string]*Publisher)}
}

// LoadFromConfig adds a publisher for every config entry.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, namespace string) {
	for _, c := range cfgs {
		m.Add(NewPublisher(c, namespace))
	}
}

// Add registers a publisher, replacing one with the same name.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	old := m.publishers[pub.Name()]
	m.publishers[pub.Name()] = pub
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}
}

// Get returns the named publisher or nil.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Publisher, 0, len(m.publishers))
	for _, p := range m.publishers {
		out = append(out, p)
	}
	return out
}

// StartAll starts every enabled publisher and returns how many run.
func (m *Manager) StartAll() int {
	n := 0
	for _, p := range m.List() {
		if !p.config.Enabled {
			continue
		}
		if err := p.Start(); err != nil {
			logMQTT("start %s: %v", p.Name(), err)
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

// Publish fans changes out to every running publisher.
func (m *Manager) Publish(changes []plcman.ValueChange) {
	for _, p := range m.List() {
		for _, c := range changes {
			p.Publish(c, false)
		}
	}
}

// SetWriteHandler installs h on every publisher.
func (m *Manager) SetWriteHandler(h WriteHandler) {
	for _, p := range m.List() {
		p.SetWriteHandler(h)
	}
}

// SetGateways sets the write-subscribed gateways on every publisher.
func (m *Manager) SetGateways(names []string) {
	for _, p := range m.List() {
		p.SetGateways(names)
	}
}

// AnyRunning reports whether at least one publisher is connected.
func (m *Manager) AnyRunning() bool {
	for _, p := range m.List() {
		if p.IsRunning() {
			return true
		}
	}
	return false
}
