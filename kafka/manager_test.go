package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/srdgame/libplctag-sub000/config"
	"github.com/srdgame/libplctag-sub000/plcman"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   int // number of calls to fail
	calls  int
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.fail > 0 {
		w.fail--
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func changeAt(tag string, v interface{}) plcman.ValueChange {
	return plcman.ValueChange{
		Gateway:   "line1",
		Tag:       tag,
		TypeName:  "DINT",
		Value:     v,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestDefaultTopic(t *testing.T) {
	if got := NewProducer(config.KafkaConfig{}, "plant").Topic(); got != "plant.values" {
		t.Errorf("Topic() = %q", got)
	}
	if got := NewProducer(config.KafkaConfig{Topic: "tags"}, "plant").Topic(); got != "tags" {
		t.Errorf("Topic() = %q", got)
	}
}

func TestSASLMechanism(t *testing.T) {
	tests := []struct {
		mech string
		user string
		want string
	}{
		{SASLPlain, "u", "PLAIN"},
		{SASLSCRAMSHA256, "u", "SCRAM-SHA-256"},
		{SASLSCRAMSHA512, "u", "SCRAM-SHA-512"},
		{SASLPlain, "", ""},
		{"GSSAPI", "u", ""},
	}
	for _, tc := range tests {
		p := NewProducer(config.KafkaConfig{SASLMechanism: tc.mech, Username: tc.user, Password: "p"}, "ns")
		m := p.saslMechanism()
		got := ""
		if m != nil {
			got = m.Name()
		}
		if got != tc.want {
			t.Errorf("%s user %q: mechanism %q, want %q", tc.mech, tc.user, got, tc.want)
		}
	}
}

func TestTLSConfig(t *testing.T) {
	if NewProducer(config.KafkaConfig{}, "ns").tlsConfig() != nil {
		t.Error("TLS config without use_tls")
	}
	c := NewProducer(config.KafkaConfig{UseTLS: true, TLSSkipVerify: true}, "ns").tlsConfig()
	if c == nil || !c.InsecureSkipVerify {
		t.Errorf("tls config %+v", c)
	}
}

func TestProduceNotConnected(t *testing.T) {
	p := NewProducer(config.KafkaConfig{Name: "c"}, "ns")
	msg, _ := newMessage(changeAt("A", 1))
	if err := p.ProduceBatch(context.Background(), []kafka.Message{msg}); err == nil {
		t.Error("expected error when not connected")
	}
}

func TestProduceWithRetry(t *testing.T) {
	p := NewProducer(config.KafkaConfig{Name: "c"}, "ns")
	w := &fakeWriter{fail: 2}
	p.attach(w)

	msg, _ := newMessage(changeAt("A", 1))
	if err := p.ProduceWithRetry(context.Background(), []kafka.Message{msg}, 3, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if w.calls != 3 {
		t.Errorf("calls = %d, want 3", w.calls)
	}
	sent, failed, _ := p.GetStats()
	if sent != 1 || failed != 2 {
		t.Errorf("sent %d failed %d", sent, failed)
	}

	w.fail = 5
	if err := p.ProduceWithRetry(context.Background(), []kafka.Message{msg}, 1, time.Millisecond); err == nil {
		t.Error("expected failure after retries")
	}
	if _, err := p.GetStatus(); err == nil {
		t.Error("last error not recorded")
	}
}

func TestMessageEncoding(t *testing.T) {
	c := changeAt("Speed", 12.5)
	c.Writable = true
	msg, ok := newMessage(c)
	if !ok {
		t.Fatal("newMessage failed")
	}
	if string(msg.Key) != "line1.Speed" {
		t.Errorf("key %q", msg.Key)
	}
	var tm TagMessage
	if err := json.Unmarshal(msg.Value, &tm); err != nil {
		t.Fatal(err)
	}
	if tm.Value.(float64) != 12.5 || !tm.Writable || tm.Timestamp != "2024-01-01T00:00:00Z" {
		t.Errorf("message %+v", tm)
	}
}

func TestManagerPublish(t *testing.T) {
	m := NewManager()
	defer m.StopAll()
	m.LoadFromConfig([]config.KafkaConfig{{Name: "a"}, {Name: "b"}}, "plant")
	if m.Add(NewProducer(config.KafkaConfig{Name: "a"}, "plant")) {
		t.Error("duplicate producer added")
	}
	if n := m.ConnectEnabled(); n != 0 {
		t.Errorf("connected %d disabled producers", n)
	}

	w := &fakeWriter{}
	m.Get("a").attach(w)
	m.Publish([]plcman.ValueChange{changeAt("X", 1), changeAt("Y", 2)})

	deadline := time.Now().Add(2 * time.Second)
	for w.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if w.count() != 2 {
		t.Fatalf("writer saw %d messages", w.count())
	}

	if !m.Remove("a") || m.Remove("a") {
		t.Error("Remove")
	}
	if !w.closed {
		t.Error("writer not closed on remove")
	}
}
