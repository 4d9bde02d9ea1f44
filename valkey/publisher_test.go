package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/srdgame/libplctag-sub000/config"
	"github.com/srdgame/libplctag-sub000/plcman"
)

type setCall struct {
	key  string
	data []byte
	ttl  time.Duration
}

type pubCall struct {
	channel string
	data    []byte
}

// fakeClient records Set and Publish. Other methods panic.
type fakeClient struct {
	redis.UniversalClient
	mu   sync.Mutex
	sets []setCall
	pubs []pubCall
}

func (c *fakeClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets = append(c.sets, setCall{key, value.([]byte), ttl})
	return redis.NewStatusResult("OK", nil)
}

func (c *fakeClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubs = append(c.pubs, pubCall{channel, message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func (c *fakeClient) Close() error { return nil }

func sample() plcman.ValueChange {
	return plcman.ValueChange{
		Gateway:   "line1",
		Tag:       "Speed",
		TypeName:  "REAL",
		Value:     10.5,
		Writable:  true,
		Timestamp: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

func TestJoinKey(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"a", "b", "c"}, "a:b:c"},
		{[]string{"a", "", "c"}, "a:c"},
		{[]string{":a:", "b:"}, "a:b"},
		{nil, ""},
	}
	for _, tc := range tests {
		if got := joinKey(tc.in...); got != tc.want {
			t.Errorf("joinKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestKeys(t *testing.T) {
	p := NewPublisher(config.ValkeyConfig{Selector: "cell7"}, "plant")
	if got := p.TagKey("line1", "Speed"); got != "plant:cell7:line1:tags:Speed" {
		t.Errorf("TagKey = %q", got)
	}
	if got := p.writeQueue(); got != "plant:cell7:writes" {
		t.Errorf("writeQueue = %q", got)
	}
	p = NewPublisher(config.ValkeyConfig{}, "plant")
	if got := p.changesChannel("line1"); got != "plant:line1:changes" {
		t.Errorf("changesChannel = %q", got)
	}
}

func TestAddress(t *testing.T) {
	p := NewPublisher(config.ValkeyConfig{Address: "cache:6380", UseTLS: true}, "ns")
	if got := p.Address(); got != "rediss://cache:6380" {
		t.Errorf("Address() = %q", got)
	}
}

func TestPublishStoresValue(t *testing.T) {
	p := NewPublisher(config.ValkeyConfig{KeyTTL: time.Minute}, "plant")
	c := &fakeClient{}
	p.attach(c)
	defer p.Stop()

	if err := p.Publish(context.Background(), sample()); err != nil {
		t.Fatal(err)
	}
	if len(c.sets) != 1 || len(c.pubs) != 0 {
		t.Fatalf("sets %d pubs %d", len(c.sets), len(c.pubs))
	}
	set := c.sets[0]
	if set.key != "plant:line1:tags:Speed" || set.ttl != time.Minute {
		t.Errorf("set %q ttl %v", set.key, set.ttl)
	}

	var msg TagMessage
	if err := json.Unmarshal(set.data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Value.(float64) != 10.5 || msg.Type != "REAL" || !msg.Writable {
		t.Errorf("message %+v", msg)
	}
	if !msg.Timestamp.Equal(sample().Timestamp) {
		t.Errorf("timestamp %v", msg.Timestamp)
	}
}

func TestPublishChanges(t *testing.T) {
	p := NewPublisher(config.ValkeyConfig{PublishChanges: true}, "plant")
	c := &fakeClient{}
	p.attach(c)
	defer p.Stop()

	ch := sample()
	ch.Value = nil
	ch.Error = "timeout"
	if err := p.Publish(context.Background(), ch); err != nil {
		t.Fatal(err)
	}
	if len(c.pubs) != 1 || c.pubs[0].channel != "plant:line1:changes" {
		t.Fatalf("pubs %+v", c.pubs)
	}
	var msg map[string]interface{}
	json.Unmarshal(c.pubs[0].data, &msg)
	if msg["error"] != "timeout" || msg["value"] != nil {
		t.Errorf("message %v", msg)
	}
}

func TestPublishNotRunning(t *testing.T) {
	p := NewPublisher(config.ValkeyConfig{}, "plant")
	if err := p.Publish(context.Background(), sample()); err != nil {
		t.Errorf("idle publisher returned %v", err)
	}
}

func TestProcessWriteRequest(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		handler WriteHandler
		success bool
		errText string
	}{
		{"ok", `{"gateway":"line1","tag":"Run","value":true}`, func(string, string, interface{}) error { return nil }, true, ""},
		{"handler error", `{"gateway":"line1","tag":"Run","value":1}`, func(string, string, interface{}) error {
			return errors.New("tag Run is not writable")
		}, false, "tag Run is not writable"},
		{"no handler", `{"gateway":"line1","tag":"Run","value":1}`, nil, false, "writes are not enabled"},
		{"missing tag", `{"gateway":"line1"}`, nil, false, "gateway and tag are required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPublisher(config.ValkeyConfig{}, "plant")
			p.SetWriteHandler(tc.handler)
			c := &fakeClient{}
			p.processWriteRequest(c, []byte(tc.raw))

			if len(c.pubs) != 1 || c.pubs[0].channel != "plant:write:responses" {
				t.Fatalf("pubs %+v", c.pubs)
			}
			var resp WriteResponse
			if err := json.Unmarshal(c.pubs[0].data, &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Success != tc.success || resp.Error != tc.errText {
				t.Errorf("response %+v", resp)
			}
		})
	}
}

func TestManagerPublish(t *testing.T) {
	m := NewManager()
	m.LoadFromConfig([]config.ValkeyConfig{{Name: "a"}, {Name: "b"}}, "plant")
	if m.Get("a") == nil || m.Get("c") != nil || len(m.List()) != 2 {
		t.Fatal("LoadFromConfig")
	}
	if n := m.StartAll(); n != 0 {
		t.Errorf("started %d disabled publishers", n)
	}

	c := &fakeClient{}
	m.Get("b").attach(c)
	m.Publish([]plcman.ValueChange{sample(), sample()})
	if len(c.sets) != 2 {
		t.Errorf("sets %d", len(c.sets))
	}
	m.StopAll()
	if m.Get("b").IsRunning() {
		t.Error("still running")
	}
}
