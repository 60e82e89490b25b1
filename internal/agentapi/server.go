// Package agentapi implements both sides of the dispatcher-to-agent wire
// protocol (§6): the inbound register/heartbeat endpoints the master
// serves for remote agents to call, and the outbound build/cancel/artifact
// client the dispatcher uses to reach them. The in-process case — the
// Build Runner executing a build inside the master — never touches this
// package at all.
package agentapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/chengis-ci/chengis/internal/dispatch"
	"github.com/chengis-ci/chengis/internal/shared/signing"
	"github.com/chengis-ci/chengis/internal/store"
)

const (
	requestIDHeader = "X-Chengis-Request-Id"
	signatureHeader = "X-Chengis-Signature"
)

var errMissingSignature = errors.New("agentapi: missing request-id or signature header")

// Server serves the two endpoints a remote agent calls on the master:
// registration and periodic heartbeat. It is a thin adapter over
// dispatch.Registry, the same division of labor as webhookapi.Handler
// sitting over internal/store.
type Server struct {
	registry *dispatch.Registry
	logger   *zap.Logger
	signer   *signing.Signer
}

// NewServer builds a Server bound to the shared agent Registry.
func NewServer(registry *dispatch.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{registry: registry, logger: logger}
}

// WithSigner requires every inbound request to carry a valid
// X-Chengis-Request-Id/X-Chengis-Signature pair, for deployments with
// AuthEnabled set; a nil signer (the default) accepts unsigned requests.
func (s *Server) WithSigner(signer *signing.Signer) *Server {
	s.signer = signer
	return s
}

// verify checks the request's signature when a signer is configured, and
// returns the already-consumed body for the caller to re-decode.
func (s *Server) verify(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if s.signer == nil {
		return body, nil
	}
	requestID := r.Header.Get(requestIDHeader)
	signature := r.Header.Get(signatureHeader)
	if requestID == "" || signature == "" {
		return nil, errMissingSignature
	}
	if err := s.signer.Verify(requestID, json.RawMessage(body), signature); err != nil {
		return nil, err
	}
	return body, nil
}

// Register wires both endpoints onto mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /agent/register", s.handleRegister)
	mux.HandleFunc("POST /agent/heartbeat", s.handleHeartbeat)
}

type registerRequest struct {
	Name       string   `json:"name"`
	URL        string   `json:"url"`
	Labels     []string `json:"labels,omitempty"`
	MaxBuilds  int      `json:"max_builds"`
	SystemInfo string   `json:"system_info,omitempty"`
	OrgID      string   `json:"org_id,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := s.verify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Name == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "name and url are required")
		return
	}
	if req.MaxBuilds <= 0 {
		req.MaxBuilds = 1
	}

	a := &store.Agent{
		Name:      req.Name,
		URL:       req.URL,
		Labels:    req.Labels,
		MaxBuilds: req.MaxBuilds,
		OrgID:     req.OrgID,
		SystemInfo: req.SystemInfo,
	}
	if err := s.registry.Register(a); err != nil {
		s.logger.Error("agentapi: register failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("agent registered", zap.String("agent_id", a.ID), zap.String("name", a.Name))
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": a.ID})
}

type heartbeatRequest struct {
	AgentID       string `json:"agent_id"`
	CurrentBuilds int    `json:"current_builds"`
	SystemInfo    string `json:"system_info,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, err := s.verify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}
	var req heartbeatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if err := s.registry.Heartbeat(req.AgentID, req.CurrentBuilds, req.SystemInfo); err != nil {
		s.logger.Warn("agentapi: heartbeat failed", zap.String("agent_id", req.AgentID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
