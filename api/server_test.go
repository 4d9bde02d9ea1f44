package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	plctag "github.com/srdgame/libplctag-sub000"
	"github.com/srdgame/libplctag-sub000/config"
	"github.com/srdgame/libplctag-sub000/logix"
	"github.com/srdgame/libplctag-sub000/plcman"
	"github.com/srdgame/libplctag-sub000/plcsim"
)

func newTestServer(t *testing.T, web config.WebConfig) (*Server, *plcman.Manager, *plcsim.Gateway) {
	t.Helper()
	gw := plcsim.New()
	gw.AddTag("Speed", logix.AtomicDescriptor(logix.TypeREAL), []byte{0, 0, 0x20, 0x41})
	gw.AddTag("Setpoint", logix.AtomicDescriptor(logix.TypeDINT), []byte{5, 0, 0, 0})

	lib := plctag.NewLibrary(plctag.Options{Dialer: gw})
	t.Cleanup(func() { lib.Shutdown(time.Second) })

	m := plcman.NewManager(lib, time.Hour, 2*time.Second)
	err := m.AddGateway(config.GatewayConfig{
		Name:    "line1",
		Enabled: true,
		Address: "10.0.0.5",
		Path:    "1,0",
		Tags: []config.TagConfig{
			{Name: "Speed", Type: "REAL"},
			{Name: "Setpoint", Type: "DINT", Writable: true},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(m, web)
	t.Cleanup(func() { s.Stop() })
	return s, m, gw
}

func do(t *testing.T, s *Server, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestServer_Address(t *testing.T) {
	s, _, _ := newTestServer(t, config.WebConfig{Host: "localhost", Port: 9999})
	if got := s.Address(); got != "http://localhost:9999" {
		t.Errorf("Address() = %q", got)
	}
	if s.IsRunning() {
		t.Error("running before Start")
	}
}

func TestServer_StartAndStop(t *testing.T) {
	s, _, _ := newTestServer(t, config.WebConfig{Host: "127.0.0.1", Port: 0})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if !s.IsRunning() {
		t.Error("not running after Start")
	}
	if err := s.Start(); err != nil {
		t.Errorf("second Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if s.IsRunning() {
		t.Error("running after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestCorsMiddleware(t *testing.T) {
	s, _, _ := newTestServer(t, config.WebConfig{})
	rec := do(t, s, http.MethodOptions, "/api/gateways", "")
	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing Access-Control-Allow-Origin")
	}
}

func TestListAndDetails(t *testing.T) {
	s, m, _ := newTestServer(t, config.WebConfig{})

	rec := do(t, s, http.MethodGet, "/api/gateways", "")
	var list []GatewayResponse
	decode(t, rec, &list)
	if len(list) != 1 || list[0].Name != "line1" || list[0].TagCount != 2 || list[0].Status != "Disconnected" {
		t.Fatalf("list %+v", list)
	}

	m.Poll(m.GetGateway("line1"))

	var gw GatewayResponse
	decode(t, do(t, s, http.MethodGet, "/api/gateways/line1", ""), &gw)
	if gw.Status != "Connected" || gw.Family != "controllogix" || gw.LastPoll == "" {
		t.Errorf("details %+v", gw)
	}

	if rec := do(t, s, http.MethodGet, "/api/gateways/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown gateway status %d", rec.Code)
	}
}

func TestTags(t *testing.T) {
	s, _, _ := newTestServer(t, config.WebConfig{})

	var tag TagResponse
	decode(t, do(t, s, http.MethodGet, "/api/gateways/line1/tags/Speed", ""), &tag)
	if tag.Value != nil || tag.Timestamp != "" {
		t.Errorf("unpolled tag %+v", tag)
	}

	var poll PollResponse
	decode(t, do(t, s, http.MethodPost, "/api/gateways/line1/poll", ""), &poll)
	if poll.Polled != 2 || poll.Changed != 2 {
		t.Errorf("poll %+v", poll)
	}

	var tags []TagResponse
	decode(t, do(t, s, http.MethodGet, "/api/gateways/line1/tags", ""), &tags)
	if len(tags) != 2 {
		t.Fatalf("tags %+v", tags)
	}
	if tags[0].Name != "Speed" || tags[0].Value.(float64) != 10 {
		t.Errorf("Speed %+v", tags[0])
	}
	if tags[1].Name != "Setpoint" || !tags[1].Writable || tags[1].Value.(float64) != 5 {
		t.Errorf("Setpoint %+v", tags[1])
	}

	if rec := do(t, s, http.MethodGet, "/api/gateways/line1/tags/Nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown tag status %d", rec.Code)
	}
}

func TestWrite(t *testing.T) {
	s, _, gw := newTestServer(t, config.WebConfig{})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"ok", `{"tag":"Setpoint","value":42}`, http.StatusOK},
		{"not writable", `{"tag":"Speed","value":1.5}`, http.StatusForbidden},
		{"unknown tag", `{"tag":"Nope","value":1}`, http.StatusNotFound},
		{"no tag", `{"value":1}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/gateways/line1/write", tc.body)
			if rec.Code != tc.code {
				t.Errorf("status %d, want %d: %s", rec.Code, tc.code, rec.Body.String())
			}
		})
	}
	if got := gw.TagData("Setpoint"); string(got) != string([]byte{42, 0, 0, 0}) {
		t.Errorf("Setpoint = %v", got)
	}
}

func TestAuth(t *testing.T) {
	adminHash, _ := HashPassword("secret")
	viewerHash, _ := HashPassword("look")
	s, _, _ := newTestServer(t, config.WebConfig{Users: []config.WebUser{
		{Username: "admin", PasswordHash: adminHash, Role: config.RoleAdmin},
		{Username: "viewer", PasswordHash: viewerHash, Role: config.RoleViewer},
	}})

	if rec := do(t, s, http.MethodGet, "/api/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health requires no login, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/gateways", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous list status %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/login", `{"username":"admin","password":"wrong"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password status %d", rec.Code)
	}

	login := func(user, pass string) []*http.Cookie {
		rec := do(t, s, http.MethodPost, "/api/login", `{"username":"`+user+`","password":"`+pass+`"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("login %s: %d", user, rec.Code)
		}
		return rec.Result().Cookies()
	}

	viewer := login("viewer", "look")
	if rec := do(t, s, http.MethodGet, "/api/gateways", "", viewer...); rec.Code != http.StatusOK {
		t.Errorf("viewer list status %d", rec.Code)
	}
	write := `{"tag":"Setpoint","value":1}`
	if rec := do(t, s, http.MethodPost, "/api/gateways/line1/write", write, viewer...); rec.Code != http.StatusForbidden {
		t.Errorf("viewer write status %d", rec.Code)
	}

	admin := login("admin", "secret")
	if rec := do(t, s, http.MethodPost, "/api/gateways/line1/write", write, admin...); rec.Code != http.StatusOK {
		t.Errorf("admin write status %d: %s", rec.Code, rec.Body.String())
	}
	var me map[string]string
	decode(t, do(t, s, http.MethodGet, "/api/me", "", admin...), &me)
	if me["username"] != "admin" || me["role"] != config.RoleAdmin {
		t.Errorf("me %v", me)
	}
}

func TestEvents(t *testing.T) {
	s, _, _ := newTestServer(t, config.WebConfig{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/events?tags=Speed")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func() string {
		select {
		case l := <-lines:
			return l
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
			return ""
		}
	}
	if l := next(); l != "event: connected" {
		t.Fatalf("first line %q", l)
	}
	next()
	next()

	deadline := time.Now().Add(2 * time.Second)
	for s.h.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Publish([]plcman.ValueChange{
		{Gateway: "line1", Tag: "Other", Value: 1},
		{Gateway: "line1", Tag: "Speed", Value: 2.5},
	})

	if l := next(); l != "event: value-change" {
		t.Fatalf("event line %q", l)
	}
	var c plcman.ValueChange
	if err := json.Unmarshal([]byte(strings.TrimPrefix(next(), "data: ")), &c); err != nil {
		t.Fatal(err)
	}
	if c.Tag != "Speed" || c.Value.(float64) != 2.5 {
		t.Errorf("change %+v", c)
	}
}
