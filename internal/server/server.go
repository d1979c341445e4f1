// Package server exposes the auxiliary HTTP surface: prompt submission,
// agent-session state reads, credential reload, and the WebSocket mount.
package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mirage/internal/auth"
	"mirage/internal/browser"
	"mirage/internal/channel"
	"mirage/internal/extract"
	"mirage/internal/reconcile"
	"mirage/internal/session"
)

// Server wires the HTTP routes over the session core.
type Server struct {
	verifier *auth.Verifier
	registry *session.Registry
	sampler  *extract.Sampler
	sel      extract.Selectors
	upstream *url.URL
	ws       *channel.Handler
	logger   *zap.Logger
	router   chi.Router
}

func New(verifier *auth.Verifier, registry *session.Registry, sampler *extract.Sampler, sel extract.Selectors, upstream *url.URL, ws *channel.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		verifier: verifier,
		registry: registry,
		sampler:  sampler,
		sel:      sel,
		upstream: upstream,
		ws:       ws,
		logger:   logger,
		router:   chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Post("/submit-prompt", s.handleSubmitPrompt)
	s.router.Get("/agent/{sessionID}", s.handleAgentState)
	s.router.Post("/reload-context", s.handleReloadContext)
	s.router.Get("/ws", s.ws.ServeHTTP)
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// identityFor extracts the caller identity from a bearer token or ?token=,
// defaulting to anonymous on absence or verification failure.
func (s *Server) identityFor(r *http.Request) auth.Identity {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		if t, ok := strings.CutPrefix(header, "Bearer "); ok {
			token = t
		}
	}
	if token == "" {
		return auth.Anonymous
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		return auth.Anonymous
	}
	return identity
}

type submitPromptRequest struct {
	Prompt string `json:"prompt"`
}

type submitPromptResponse struct {
	Success     bool   `json:"success"`
	SessionPath string `json:"sessionPath,omitempty"`
	SessionURL  string `json:"sessionUrl,omitempty"`
	Error       string `json:"error,omitempty"`
}

// handleSubmitPrompt starts a fresh remote conversation with the given
// prompt and reports where the remote application placed it.
func (s *Server) handleSubmitPrompt(w http.ResponseWriter, r *http.Request) {
	var req submitPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, submitPromptResponse{Success: false, Error: "prompt required"})
		return
	}

	sess, err := s.registry.Acquire(r.Context(), s.identityFor(r))
	if err != nil {
		s.logger.Error("submit-prompt: acquire failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, submitPromptResponse{Success: false, Error: err.Error()})
		return
	}

	var sessionURL string
	err = sess.Run(r.Context(), func(a browser.Automation) error {
		if s.upstream != nil {
			if err := a.Navigate(r.Context(), s.upstream.String()); err != nil {
				return err
			}
		}
		if err := a.Input(r.Context(), s.sel.Composer, req.Prompt); err != nil {
			return err
		}
		if err := a.Click(r.Context(), s.sel.SendButton); err != nil {
			return err
		}
		current, err := a.CurrentURL(r.Context())
		if err != nil {
			return err
		}
		sessionURL = current
		return nil
	})
	if err != nil {
		s.logger.Error("submit-prompt failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, submitPromptResponse{Success: false, Error: err.Error()})
		return
	}

	sessionPath := sessionURL
	if u, perr := url.Parse(sessionURL); perr == nil {
		sessionPath = u.Path
	}
	writeJSON(w, http.StatusOK, submitPromptResponse{
		Success:     true,
		SessionPath: sessionPath,
		SessionURL:  sessionURL,
	})
}

type agentStateResponse struct {
	Success  bool              `json:"success"`
	URL      string            `json:"url,omitempty"`
	Messages []reconcile.Entry `json:"messages,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// handleAgentState navigates the caller's session to the named remote
// conversation and returns the reconciled transcript.
func (s *Server) handleAgentState(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.registry.Acquire(r.Context(), s.identityFor(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, agentStateResponse{Success: false, Error: err.Error()})
		return
	}

	target := ""
	if s.upstream != nil {
		ref := &url.URL{Path: "/session/" + sessionID}
		target = s.upstream.ResolveReference(ref).String()
	}

	var messages []reconcile.Entry
	err = sess.Run(r.Context(), func(a browser.Automation) error {
		if target != "" {
			if err := a.Navigate(r.Context(), target); err != nil {
				return err
			}
		}
		snap, err := s.sampler.Sample(r.Context(), a)
		if err != nil {
			s.logger.Debug("agent state sample failed", zap.Error(err))
			return nil
		}
		sess.Transcript().Merge(snap)
		messages = sess.Transcript().Entries()
		return nil
	})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, agentStateResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, agentStateResponse{Success: true, URL: target, Messages: messages})
}

// handleReloadContext invalidates every session after the upstream
// credentials change; the next command per identity recreates its context
// with the fresh credentials.
func (s *Server) handleReloadContext(w http.ResponseWriter, r *http.Request) {
	s.registry.InvalidateAll()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
