// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/EckmanTechLLC/flux/internal/config"
	"github.com/EckmanTechLLC/flux/internal/connector"
	"github.com/EckmanTechLLC/flux/internal/credentials"
	"github.com/EckmanTechLLC/flux/internal/logging"
)

// callerNamespace resolves the namespace a connector request acts for:
// the namespace owning the bearer token, or "default" when auth is
// disabled.
func (s *Server) callerNamespace(r *http.Request) (string, bool) {
	if !s.cfg.Auth.Enabled {
		return "default", true
	}
	token := bearerToken(r)
	if token == "" {
		return "", false
	}
	ns, ok := s.registry.LookupByToken(token)
	if !ok {
		return "", false
	}
	return ns.Name, true
}

// connectorSummary is the list/detail view of a connector.
type connectorSummary struct {
	Name             string `json:"name"`
	Enabled          bool   `json:"enabled"`
	Status           string `json:"status"`
	PollIntervalSecs int    `json:"poll_interval_secs"`
	OAuthConfigured  bool   `json:"oauth_configured"`
}

func (s *Server) summarize(r *http.Request, c connector.Connector) connectorSummary {
	status := "not_configured"
	if ns, ok := s.callerNamespace(r); ok {
		if _, err := s.creds.Get(r.Context(), ns, c.Name()); err == nil {
			status = "configured"
		}
	}
	return connectorSummary{
		Name:             c.Name(),
		Enabled:          true,
		Status:           status,
		PollIntervalSecs: int(c.PollInterval() / time.Second),
		OAuthConfigured:  c.OAuth().Configured(),
	}
}

// handleListConnectors lists every known connector with its status for
// the calling namespace, plus live scheduler statuses.
func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	summaries := make([]connectorSummary, 0)
	for _, name := range s.connectors.Names() {
		if c, ok := s.connectors.Get(name); ok {
			summaries = append(summaries, s.summarize(r, c))
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"connectors": summaries,
		"schedulers": s.manager.Statuses(),
	})
}

// handleGetConnector returns one connector's summary.
func (s *Server) handleGetConnector(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c, ok := s.connectors.Get(name)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown connector", nil)
		return
	}
	respondJSON(w, http.StatusOK, s.summarize(r, c))
}

// handleStoreToken stores a manually supplied token for the calling
// namespace. Discovery picks the credential up on its next scan.
func (s *Server) handleStoreToken(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.connectors.Get(name); !ok {
		respondError(w, http.StatusNotFound, "unknown connector", nil)
		return
	}
	ns, ok := s.callerNamespace(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "valid bearer token required", nil)
		return
	}

	var body struct {
		Token        string `json:"token" validate:"required"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if err := s.validate.Struct(&body); err != nil {
		respondError(w, http.StatusBadRequest, "token is required", err)
		return
	}

	cred := credentials.Credential{
		UserID:       ns,
		Connector:    name,
		AccessToken:  body.Token,
		RefreshToken: body.RefreshToken,
	}
	if body.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
		cred.ExpiresAt = &t
	}

	if err := s.creds.Store(r.Context(), cred); err != nil {
		respondError(w, http.StatusInternalServerError, "storing credential failed", err)
		return
	}
	logging.Info().
		Str("connector", name).
		Str("namespace", ns).
		Str("token", config.MaskCredential(body.Token)).
		Msg("connector token stored")
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleDeleteToken removes the calling namespace's credential for the
// connector. The scheduler stops on the next discovery scan.
func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.connectors.Get(name); !ok {
		respondError(w, http.StatusNotFound, "unknown connector", nil)
		return
	}
	ns, ok := s.callerNamespace(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "valid bearer token required", nil)
		return
	}

	existed, err := s.creds.Delete(r.Context(), ns, name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "deleting credential failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "existed": existed})
}

// handleOAuthStart redirects the caller to the provider's authorization
// page with a fresh single-use state token.
func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.connectors.Get(name); !ok {
		respondError(w, http.StatusNotFound, "unknown connector", nil)
		return
	}
	ns, ok := s.callerNamespace(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "valid bearer token required", nil)
		return
	}

	authURL, err := s.flow.AuthorizeURL(name, ns)
	if errors.Is(err, connector.ErrNoOAuthConfig) {
		respondError(w, http.StatusInternalServerError,
			"connector OAuth is not configured on this server", nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "starting authorization failed", err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleOAuthCallback completes the authorization-code exchange.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		msg := errParam
		if desc := q.Get("error_description"); desc != "" {
			msg += ": " + desc
		}
		respondError(w, http.StatusBadRequest, msg, nil)
		return
	}

	code, stateToken := q.Get("code"), q.Get("state")
	if code == "" || stateToken == "" {
		respondError(w, http.StatusBadRequest, "code and state are required", nil)
		return
	}

	ns, err := s.flow.HandleCallback(r.Context(), name, code, stateToken)
	switch {
	case errors.Is(err, connector.ErrStateInvalid):
		respondError(w, http.StatusUnauthorized, "invalid or expired state token", nil)
		return
	case errors.Is(err, connector.ErrNoOAuthConfig):
		respondError(w, http.StatusInternalServerError,
			"connector OAuth is not configured on this server", nil)
		return
	case err != nil:
		respondError(w, http.StatusBadGateway, "token exchange with provider failed", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"connector": name,
		"namespace": ns,
	})
}
