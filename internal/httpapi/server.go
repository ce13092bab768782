// Package httpapi is the local ops surface of the sync daemon: mutation
// submission, drain triggering, queue inspection and archive management.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tillworks/tillsync/internal/syncengine"
)

type ServerConfig struct {
	// AdminToken guards destructive routes (purges, session management).
	// Empty disables those routes entirely rather than leaving them open.
	AdminToken   string
	MaxBodyBytes int64
}

type Server struct {
	engine *syncengine.Engine
	cfg    ServerConfig
}

func NewServer(engine *syncengine.Engine, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{engine: engine, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/sync/status" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, s.engine.Status())
		return
	}
	if r.URL.Path == "/v1/sync/trigger" && r.Method == http.MethodPost {
		s.handleTrigger(w, r)
		return
	}
	if r.URL.Path == "/v1/sync/pending" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"items": s.engine.Pending()})
		return
	}
	if r.URL.Path == "/v1/mutations" && r.Method == http.MethodPost {
		s.handleSubmit(w, r)
		return
	}
	if r.URL.Path == "/v1/session" {
		s.handleSession(w, r)
		return
	}
	if path, ok := strings.CutPrefix(r.URL.Path, "/v1/sync/deadletters"); ok {
		s.handleDeadLetters(w, r, strings.TrimPrefix(path, "/"))
		return
	}
	if path, ok := strings.CutPrefix(r.URL.Path, "/v1/sync/corrupted"); ok {
		s.handleCorrupted(w, r, strings.TrimPrefix(path, "/"))
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	started := s.engine.TriggerSync(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]any{
		"started": started,
		"state":   s.engine.State(),
	})
}

type submitRequest struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	id, err := s.engine.Submit(syncengine.MutationKind(req.Kind), req.Payload)
	if err != nil {
		var schemaErr *syncengine.SchemaError
		switch {
		case errors.Is(err, syncengine.ErrUnknownKind):
			writeError(w, http.StatusBadRequest, "unknown_kind", err.Error())
		case errors.Is(err, syncengine.ErrQueueFull):
			writeError(w, http.StatusConflict, "queue_full", "mutation queue is at capacity")
		case errors.As(err, &schemaErr):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"code":            "schema_invalid",
				"message":         schemaErr.Error(),
				"missingRequired": schemaErr.MissingRequired,
				"unexpected":      schemaErr.Unexpected,
			})
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

type sessionRequest struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req sessionRequest
		if !s.decodeJSONBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.AccessToken) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "accessToken is required")
			return
		}
		if err := s.engine.SetCredentials(syncengine.Credentials{
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresAt:    req.ExpiresAt,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
	case http.MethodDelete:
		if err := s.engine.ClearCredentials(); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST or DELETE")
	}
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request, id string) {
	switch {
	case r.Method == http.MethodGet && id == "":
		writeJSON(w, http.StatusOK, map[string]any{"items": s.engine.DeadLetters()})
	case r.Method == http.MethodGet:
		item, ok := s.engine.GetDeadLetter(id)
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "dead letter not found")
			return
		}
		writeJSON(w, http.StatusOK, item)
	case r.Method == http.MethodDelete && id != "":
		if !s.requireAdmin(w, r) {
			return
		}
		if err := s.engine.PurgeDeadLetter(id); err != nil {
			if errors.Is(err, syncengine.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "dead letter not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (s *Server) handleCorrupted(w http.ResponseWriter, r *http.Request, id string) {
	switch {
	case r.Method == http.MethodGet && id == "":
		writeJSON(w, http.StatusOK, map[string]any{"items": s.engine.Corrupted()})
	case r.Method == http.MethodGet:
		item, ok := s.engine.GetCorrupted(id)
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "corrupted item not found")
			return
		}
		writeJSON(w, http.StatusOK, item)
	case r.Method == http.MethodDelete && id != "":
		if !s.requireAdmin(w, r) {
			return
		}
		if err := s.engine.PurgeCorrupted(id); err != nil {
			if errors.Is(err, syncengine.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "corrupted item not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		writeError(w, http.StatusForbidden, "forbidden", "admin routes are disabled")
		return false
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) != s.cfg.AdminToken {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin token")
		return false
	}
	return true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
