package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/srdgame/libplctag-sub000/config"
	"github.com/srdgame/libplctag-sub000/plcman"
)

// GatewayResponse is the JSON response for a gateway.
type GatewayResponse struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Path     string `json:"path,omitempty"`
	Family   string `json:"family"`
	Status   string `json:"status"`
	TagCount int    `json:"tag_count"`
	LastPoll string `json:"last_poll,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TagResponse is the JSON response for a tag value.
type TagResponse struct {
	Gateway   string      `json:"gateway"`
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	Count     int         `json:"count"`
	Writable  bool        `json:"writable"`
	Value     interface{} `json:"value"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// WriteRequest is the JSON request for writing a tag value.
type WriteRequest struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON response after writing a tag value.
type WriteResponse struct {
	Gateway   string      `json:"gateway"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// PollResponse reports a manual poll.
type PollResponse struct {
	Gateway string `json:"gateway"`
	Polled  int    `json:"polled"`
	Changed int    `json:"changed"`
}

type handlers struct {
	manager  *plcman.Manager
	web      config.WebConfig
	sessions *sessionStore
	hub      *eventHub
	started  time.Time
}

// newRouter creates the REST API router and its handlers.
func newRouter(manager *plcman.Manager, web config.WebConfig) (*handlers, chi.Router) {
	h := &handlers{
		manager:  manager,
		web:      web,
		sessions: newSessionStore(web.SessionSecret),
		hub:      newEventHub(),
		started:  time.Now(),
	}

	r := chi.NewRouter()
	r.Get("/health", h.handleHealth)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/me", h.handleMe)

	r.Group(func(r chi.Router) {
		r.Use(h.requireUser)
		r.Get("/events", h.handleSSE)
		r.Get("/gateways", h.handleListGateways)
		r.Route("/gateways/{gateway}", func(r chi.Router) {
			r.Get("/", h.handleGatewayDetails)
			r.Get("/tags", h.handleAllTags)
			r.Get("/tags/{tag}", h.handleSingleTag)
			r.Post("/poll", h.handlePoll)
			r.With(h.requireAdmin).Post("/write", h.handleWrite)
		})
	})

	return h, r
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *handlers) gateway(w http.ResponseWriter, r *http.Request) *plcman.ManagedGateway {
	name, err := url.PathUnescape(chi.URLParam(r, "gateway"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in gateway name")
		return nil
	}
	gw := h.manager.GetGateway(name)
	if gw == nil {
		h.writeError(w, http.StatusNotFound, "gateway not found")
		return nil
	}
	return gw
}

func gatewayResponse(gw *plcman.ManagedGateway) GatewayResponse {
	resp := GatewayResponse{
		Name:     gw.Config.Name,
		Address:  gw.Config.Address,
		Path:     gw.Config.Path,
		Family:   gw.Config.FamilyName(),
		Status:   gw.GetStatus().String(),
		TagCount: len(gw.Config.Tags),
	}
	if last := gw.GetLastPoll(); !last.IsZero() {
		resp.LastPoll = last.UTC().Format(time.RFC3339)
	}
	if err := gw.GetError(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func tagResponse(gw *plcman.ManagedGateway, tc config.TagConfig, v *plcman.TagValue) TagResponse {
	resp := TagResponse{
		Gateway:  gw.Config.Name,
		Name:     tc.Name,
		Type:     tc.Type,
		Count:    max(tc.Count, 1),
		Writable: tc.Writable,
	}
	if v == nil {
		return resp
	}
	resp.Value = v.GoValue()
	if v.Error != nil {
		resp.Error = v.Error.Error()
	}
	resp.Timestamp = v.Timestamp.UTC().Format(time.RFC3339Nano)
	return resp
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	gateways := h.manager.ListGateways()
	connected := 0
	for _, gw := range gateways {
		if gw.GetStatus() == plcman.StatusConnected {
			connected++
		}
	}
	stats := h.manager.GetPollStats()
	h.writeJSON(w, map[string]interface{}{
		"status":      "ok",
		"uptime":      time.Since(h.started).Round(time.Second).String(),
		"gateways":    len(gateways),
		"connected":   connected,
		"tags_polled": stats.TagsPolled,
		"changes":     stats.ChangesFound,
	})
}

func (h *handlers) handleListGateways(w http.ResponseWriter, r *http.Request) {
	gateways := h.manager.ListGateways()
	resp := make([]GatewayResponse, 0, len(gateways))
	for _, gw := range gateways {
		resp = append(resp, gatewayResponse(gw))
	}
	h.writeJSON(w, resp)
}

func (h *handlers) handleGatewayDetails(w http.ResponseWriter, r *http.Request) {
	if gw := h.gateway(w, r); gw != nil {
		h.writeJSON(w, gatewayResponse(gw))
	}
}

func (h *handlers) handleAllTags(w http.ResponseWriter, r *http.Request) {
	gw := h.gateway(w, r)
	if gw == nil {
		return
	}
	values := gw.GetValues()
	resp := make([]TagResponse, 0, len(gw.Config.Tags))
	for _, tc := range gw.Config.Tags {
		resp = append(resp, tagResponse(gw, tc, values[tc.Name]))
	}
	h.writeJSON(w, resp)
}

func (h *handlers) handleSingleTag(w http.ResponseWriter, r *http.Request) {
	gw := h.gateway(w, r)
	if gw == nil {
		return
	}
	name, err := url.PathUnescape(chi.URLParam(r, "tag"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in tag name")
		return
	}
	tc := gw.Config.FindTag(name)
	if tc == nil {
		h.writeError(w, http.StatusNotFound, "tag not found")
		return
	}
	h.writeJSON(w, tagResponse(gw, *tc, gw.GetValues()[name]))
}

func (h *handlers) handlePoll(w http.ResponseWriter, r *http.Request) {
	gw := h.gateway(w, r)
	if gw == nil {
		return
	}
	polled, changed := h.manager.Poll(gw)
	h.writeJSON(w, PollResponse{Gateway: gw.Config.Name, Polled: polled, Changed: changed})
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	gw := h.gateway(w, r)
	if gw == nil {
		return
	}
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Tag == "" {
		h.writeError(w, http.StatusBadRequest, "tag is required")
		return
	}
	tc := gw.Config.FindTag(req.Tag)
	if tc == nil {
		h.writeError(w, http.StatusNotFound, "tag not found")
		return
	}

	resp := WriteResponse{
		Gateway:   gw.Config.Name,
		Tag:       req.Tag,
		Value:     req.Value,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	err := h.manager.WriteTag(gw.Config.Name, req.Tag, req.Value)
	switch {
	case err == nil:
		resp.Success = true
	case errors.Is(err, plcman.ErrNotWritable):
		resp.Error = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(resp)
		return
	default:
		resp.Error = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(resp)
		return
	}
	h.writeJSON(w, resp)
}
