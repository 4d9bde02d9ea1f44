// Package kafka produces tag value changes to Kafka topics.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/srdgame/libplctag-sub000/config"
	"github.com/srdgame/libplctag-sub000/logging"
)

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

// SASL mechanism names accepted in config.
const (
	SASLPlain       = "PLAIN"
	SASLSCRAMSHA256 = "SCRAM-SHA-256"
	SASLSCRAMSHA512 = "SCRAM-SHA-512"
)

// ConnectionStatus represents the state of a Kafka connection.
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

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes to one Kafka cluster.
type Producer struct {
	config config.KafkaConfig
	topic  string
	writer messageWriter
	status ConnectionStatus
	err    error
	mu     sync.RWMutex

	sent     int64
	failed   int64
	lastSend time.Time
}

// NewProducer creates a producer. The topic defaults to <namespace>.values.
func NewProducer(cfg config.KafkaConfig, namespace string) *Producer {
	topic := cfg.Topic
	if topic == "" {
		topic = namespace + ".values"
	}
	return &Producer{config: cfg, topic: topic}
}

// Name returns the cluster name.
func (p *Producer) Name() string {
	return p.config.Name
}

// Topic returns the destination topic.
func (p *Producer) Topic() string {
	return p.topic
}

// GetStatus returns the connection status and last error.
func (p *Producer) GetStatus() (ConnectionStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status, p.err
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, failed int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sent, p.failed, p.lastSend
}

// Connect verifies a broker is reachable and creates the topic writer.
func (p *Producer) Connect() error {
	if len(p.config.Brokers) == 0 {
		return fmt.Errorf("kafka %s: no brokers configured", p.config.Name)
	}
	p.mu.Lock()
	p.status = StatusConnecting
	p.err = nil
	p.mu.Unlock()

	logKafka("CONNECT %s: brokers %v", p.config.Name, p.config.Brokers)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := p.dialer().DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		err = fmt.Errorf("kafka %s: connect: %w", p.config.Name, err)
		p.mu.Lock()
		p.status = StatusError
		p.err = err
		p.mu.Unlock()
		return err
	}
	conn.Close()

	p.attach(p.newWriter())
	logKafka("CONNECT %s: writing to %s", p.config.Name, p.topic)
	return nil
}

func (p *Producer) attach(w messageWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Close()
	}
	p.writer = w
	p.status = StatusConnected
}

// Disconnect closes the writer.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Close()
		p.writer = nil
	}
	p.status = StatusDisconnected
	p.err = nil
}

// ProduceBatch writes messages in one call.
func (p *Producer) ProduceBatch(ctx context.Context, msgs []kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	p.mu.RLock()
	w := p.writer
	p.mu.RUnlock()
	if w == nil {
		return fmt.Errorf("kafka %s: not connected", p.config.Name)
	}

	start := time.Now()
	err := w.WriteMessages(ctx, msgs...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failed += int64(len(msgs))
		p.err = err
		logKafka("PRODUCE %s: %d msgs to %s failed after %v: %v", p.config.Name, len(msgs), p.topic, time.Since(start), err)
		return fmt.Errorf("kafka %s: produce: %w", p.config.Name, err)
	}
	p.sent += int64(len(msgs))
	p.lastSend = time.Now()
	p.err = nil
	return nil
}

// ProduceWithRetry retries ProduceBatch with linear backoff.
func (p *Producer) ProduceWithRetry(ctx context.Context, msgs []kafka.Message, maxRetries int, backoff time.Duration) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		if lastErr = p.ProduceBatch(ctx, msgs); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxRetries+1, lastErr)
}

func (p *Producer) newWriter() *kafka.Writer {
	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         p.tlsConfig(),
		SASL:        p.saslMechanism(),
	}
	batchTimeout := p.config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(p.config.Brokers...),
		Topic:                  p.topic,
		Balancer:               &kafka.Hash{},
		Transport:              transport,
		RequiredAcks:           kafka.RequiredAcks(p.config.RequiredAcks),
		MaxAttempts:            max(p.config.MaxRetries, 1),
		BatchSize:              100,
		BatchBytes:             1 << 20,
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: true,
	}
}

func (p *Producer) dialer() *kafka.Dialer {
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           p.tlsConfig(),
		SASLMechanism: p.saslMechanism(),
	}
}

func (p *Producer) tlsConfig() *tls.Config {
	if !p.config.UseTLS {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: p.config.TLSSkipVerify}
}

func (p *Producer) saslMechanism() sasl.Mechanism {
	if p.config.Username == "" {
		return nil
	}
	switch p.config.SASLMechanism {
	case SASLPlain:
		return plain.Mechanism{Username: p.config.Username, Password: p.config.Password}
	case SASLSCRAMSHA256:
		m, _ := scram.Mechanism(scram.SHA256, p.config.Username, p.config.Password)
		return m
	case SASLSCRAMSHA512:
		m, _ := scram.Mechanism(scram.SHA512, p.config.Username, p.config.Password)
		return m
	default:
		return nil
	}
}
