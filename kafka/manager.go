package kafka

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/srdgame/libplctag-sub000/config"
	"github.com/srdgame/libplctag-sub000/plcman"
)

// TagMessage is the JSON value of each record. Records are keyed by
// <gateway>.<tag> so a tag's history stays on one partition.
type TagMessage struct {
	Gateway   string      `json:"gateway"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Error     string      `json:"error,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

type publishJob struct {
	producer *Producer
	msgs     []kafka.Message
}

// MaxPublishWorkers is the number of concurrent publish goroutines.
const MaxPublishWorkers = 4

// MaxPublishQueueSize bounds pending batches.
const MaxPublishQueueSize = 256

// Manager manages multiple Kafka producers.
type Manager struct {
	producers map[string]*Producer
	mu        sync.RWMutex

	queue    chan publishJob
	wg       sync.WaitGroup
	stopChan chan struct{}
	started  bool
	dropped  int64
}

// NewManager creates a manager and starts its publish workers.
func NewManager() *Manager {
	m := &Manager{
		producers: make(map[string]*Producer),
		queue:     make(chan publishJob, MaxPublishQueueSize),
		stopChan:  make(chan struct{}),
	}
	m.startWorkers()
	return m
}

func (m *Manager) startWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stopChan = make(chan struct{})
	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(m.stopChan)
	}
}

func (m *Manager) publishWorker(stop <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job := <-m.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			retries := job.producer.config.MaxRetries
			if err := job.producer.ProduceWithRetry(ctx, job.msgs, retries, 100*time.Millisecond); err != nil {
				logKafka("publish %s: %v", job.producer.Name(), err)
			}
			cancel()
		}
	}
}

// LoadFromConfig adds a producer per config entry.
func (m *Manager) LoadFromConfig(cfgs []config.KafkaConfig, namespace string) {
	for _, c := range cfgs {
		m.Add(NewProducer(c, namespace))
	}
}

// Add registers p unless a producer with the same name exists.
func (m *Manager) Add(p *Producer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.producers[p.Name()]; ok {
		return false
	}
	m.producers[p.Name()] = p
	return true
}

// Remove disconnects and removes the named producer.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	p, ok := m.producers[name]
	delete(m.producers, name)
	m.mu.Unlock()
	if ok {
		p.Disconnect()
	}
	return ok
}

// Get returns the named producer or nil.
func (m *Manager) Get(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// List returns the producers sorted by name.
func (m *Manager) List() []*Producer {
	m.mu.RLock()
	out := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ConnectEnabled connects every enabled producer and returns how many connected.
func (m *Manager) ConnectEnabled() int {
	n := 0
	for _, p := range m.List() {
		if !p.config.Enabled {
			continue
		}
		if err := p.Connect(); err != nil {
			logKafka("%v", err)
			continue
		}
		n++
	}
	return n
}

// StopAll stops the workers and disconnects every producer.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if m.started {
		m.started = false
		close(m.stopChan)
	}
	m.mu.Unlock()
	m.wg.Wait()
	for _, p := range m.List() {
		p.Disconnect()
	}
}

// Dropped returns how many batches were dropped on a full queue.
func (m *Manager) Dropped() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

// Publish queues changes as one batch per connected producer.
func (m *Manager) Publish(changes []plcman.ValueChange) {
	if len(changes) == 0 {
		return
	}
	msgs := make([]kafka.Message, 0, len(changes))
	for _, c := range changes {
		if msg, ok := newMessage(c); ok {
			msgs = append(msgs, msg)
		}
	}
	for _, p := range m.List() {
		if status, _ := p.GetStatus(); status != StatusConnected {
			continue
		}
		select {
		case m.queue <- publishJob{producer: p, msgs: msgs}:
		default:
			m.mu.Lock()
			m.dropped++
			m.mu.Unlock()
			logKafka("publish queue full, dropping %d changes for %s", len(msgs), p.Name())
		}
	}
}

func newMessage(c plcman.ValueChange) (kafka.Message, bool) {
	payload, err := json.Marshal(TagMessage{
		Gateway:   c.Gateway,
		Tag:       c.Tag,
		Value:     c.Value,
		Type:      c.TypeName,
		Error:     c.Error,
		Writable:  c.Writable,
		Timestamp: c.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		logKafka("marshal %s/%s: %v", c.Gateway, c.Tag, err)
		return kafka.Message{}, false
	}
	return kafka.Message{
		Key:   []byte(c.Gateway + "." + c.Tag),
		Value: payload,
		Time:  c.Timestamp,
	}, true
}

// PublishChanges encodes changes and writes them synchronously.
func (p *Producer) PublishChanges(ctx context.Context, changes []plcman.ValueChange) error {
	msgs := make([]kafka.Message, 0, len(changes))
	for _, c := range changes {
		if msg, ok := newMessage(c); ok {
			msgs = append(msgs, msg)
		}
	}
	return p.ProduceBatch(ctx, msgs)
}
