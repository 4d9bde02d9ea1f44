package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"

	"github.com/srdgame/libplctag-sub000/config"
)

const (
	sessionName    = "abtagd_session"
	sessionUserKey = "username"
	sessionRoleKey = "role"
)

type sessionStore struct {
	store *sessions.CookieStore
}

func newSessionStore(secret string) *sessionStore {
	var key []byte
	if secret != "" {
		key, _ = base64.StdEncoding.DecodeString(secret)
	}
	if len(key) < 32 {
		key = make([]byte, 32)
		rand.Read(key)
	}
	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &sessionStore{store: store}
}

// get ignores decode errors so a stale cookie never blocks login.
func (s *sessionStore) get(r *http.Request) *sessions.Session {
	session, _ := s.store.Get(r, sessionName)
	return session
}

func (s *sessionStore) getUser(r *http.Request) (username, role string, ok bool) {
	session := s.get(r)
	user, uok := session.Values[sessionUserKey].(string)
	role, rok := session.Values[sessionRoleKey].(string)
	if !uok || !rok || user == "" {
		return "", "", false
	}
	return user, role, true
}

func (s *sessionStore) setUser(w http.ResponseWriter, r *http.Request, username, role string) error {
	session := s.get(r)
	session.Values[sessionUserKey] = username
	session.Values[sessionRoleKey] = role
	return session.Save(r, w)
}

func (s *sessionStore) clear(w http.ResponseWriter, r *http.Request) error {
	session := s.get(r)
	delete(session.Values, sessionUserKey)
	delete(session.Values, sessionRoleKey)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword returns a bcrypt hash suitable for config.WebUser.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// authEnabled reports whether any users are configured. Without users the
// API is open.
func (h *handlers) authEnabled() bool {
	return len(h.web.Users) > 0
}

func (h *handlers) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authEnabled() {
			if _, _, ok := h.sessions.getUser(r); !ok {
				h.writeError(w, http.StatusUnauthorized, "login required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authEnabled() {
			_, role, ok := h.sessions.getUser(r)
			if !ok {
				h.writeError(w, http.StatusUnauthorized, "login required")
				return
			}
			if role != config.RoleAdmin {
				h.writeError(w, http.StatusForbidden, "admin role required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	for _, u := range h.web.Users {
		if u.Username == req.Username && checkPassword(req.Password, u.PasswordHash) {
			if err := h.sessions.setUser(w, r, u.Username, u.Role); err != nil {
				h.writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			h.writeJSON(w, map[string]string{"username": u.Username, "role": u.Role})
			return
		}
	}
	h.writeError(w, http.StatusUnauthorized, "invalid username or password")
}

func (h *handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleMe(w http.ResponseWriter, r *http.Request) {
	user, role, ok := h.sessions.getUser(r)
	if !ok {
		if h.authEnabled() {
			h.writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		user, role = "", config.RoleAdmin
	}
	h.writeJSON(w, map[string]string{"username": user, "role": role})
}
