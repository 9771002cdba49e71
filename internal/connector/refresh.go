// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/EckmanTechLLC/flux/internal/logging"
)

// refreshClient bounds token-endpoint calls separately from long polls.
var refreshClient = &http.Client{Timeout: 15 * time.Second}

// tokenResponse is the OAuth token endpoint reply, shared by the refresh
// and authorization-code exchanges.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// tryRefreshToken exchanges the refresh token, persists the new
// credential, and updates the scheduler's in-memory copy. On any failure
// nothing is mutated.
func (s *scheduler) tryRefreshToken(ctx context.Context) error {
	oauth := s.conn.OAuth()
	if !oauth.Configured() {
		return errors.New("connector has no OAuth configuration")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {s.cred.RefreshToken},
	}
	if oauth.ClientID != "" {
		form.Set("client_id", oauth.ClientID)
	}
	if oauth.ClientSecret != "" {
		form.Set("client_secret", oauth.ClientSecret)
	}

	tok, err := postTokenForm(ctx, oauth.TokenURL, form)
	if err != nil {
		return err
	}

	next := s.cred
	next.AccessToken = tok.AccessToken
	// Providers may omit the refresh token on rotation; keep the old one.
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		next.ExpiresAt = &t
	} else {
		next.ExpiresAt = nil
	}

	if err := s.store.Update(ctx, next); err != nil {
		return fmt.Errorf("persist refreshed credential: %w", err)
	}
	s.cred = next

	logging.Info().Str("key", s.key.String()).Msg("token refreshed")
	return nil
}

// postTokenForm posts a form to an OAuth token endpoint and parses the
// JSON reply. Non-2xx responses and missing access tokens are errors.
func postTokenForm(ctx context.Context, tokenURL string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := refreshClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	return &tok, nil
}
