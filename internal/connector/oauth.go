// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package connector

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/EckmanTechLLC/flux/internal/credentials"
	"github.com/EckmanTechLLC/flux/internal/logging"
)

// stateTTL bounds how long an authorization round-trip may take.
const stateTTL = 10 * time.Minute

// stateSweepInterval is how often expired state tokens are evicted.
const stateSweepInterval = 30 * time.Second

var (
	// ErrNoOAuthConfig is returned when a connector has no usable OAuth
	// application configured.
	ErrNoOAuthConfig = errors.New("connector has no OAuth configuration")

	// ErrStateInvalid is returned when a state token is unknown, expired,
	// already used, or bound to a different connector.
	ErrStateInvalid = errors.New("invalid or expired state token")
)

type stateEntry struct {
	connector string
	namespace string
	createdAt time.Time
}

// StateStore holds single-use OAuth state tokens with a TTL. Tokens are
// `id.sig`, where sig is an HMAC-SHA256 of the id under signKey, so a
// token forged or mutated in transit is rejected before any lookup.
type StateStore struct {
	signKey []byte

	mu      sync.Mutex
	entries map[string]stateEntry
	now     func() time.Time
}

// NewStateStore returns an empty state store signing with signKey
// (normally the encryptor's derived state subkey).
func NewStateStore(signKey []byte) *StateStore {
	return &StateStore{
		signKey: signKey,
		entries: make(map[string]stateEntry),
		now:     time.Now,
	}
}

func (s *StateStore) sign(id string) string {
	mac := hmac.New(sha256.New, s.signKey)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

// Create mints a signed state token bound to (connector, namespace).
func (s *StateStore) Create(connector, namespace string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}
	id := hex.EncodeToString(buf)

	s.mu.Lock()
	s.entries[id] = stateEntry{connector: connector, namespace: namespace, createdAt: s.now()}
	s.mu.Unlock()
	return id + "." + s.sign(id), nil
}

// consume verifies the token signature, then atomically removes and
// returns its entry. Expired entries are treated as absent; a bad
// signature leaves the entry untouched.
func (s *StateStore) consume(token string) (stateEntry, bool) {
	id, sig, ok := strings.Cut(token, ".")
	if !ok || !hmac.Equal([]byte(sig), []byte(s.sign(id))) {
		return stateEntry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return stateEntry{}, false
	}
	delete(s.entries, id)
	if s.now().Sub(e.createdAt) > stateTTL {
		return stateEntry{}, false
	}
	return e, true
}

// sweep evicts expired entries.
func (s *StateStore) sweep() {
	cutoff := s.now().Add(-stateTTL)
	s.mu.Lock()
	for token, e := range s.entries {
		if e.createdAt.Before(cutoff) {
			delete(s.entries, token)
		}
	}
	s.mu.Unlock()
}

// Len returns the live entry count.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StateSweeper periodically evicts expired state tokens. Runs as a
// supervised service.
type StateSweeper struct {
	states *StateStore
}

func NewStateSweeper(states *StateStore) *StateSweeper {
	return &StateSweeper{states: states}
}

func (s *StateSweeper) String() string { return "oauth-state-sweeper" }

func (s *StateSweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(stateSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.states.sweep()
		}
	}
}

// Flow drives the OAuth authorization-code exchange for connectors.
type Flow struct {
	registry *Registry
	states   *StateStore
	store    *credentials.Store

	// baseURL is the externally reachable API base used to build
	// redirect URIs.
	baseURL string
}

// NewFlow wires an OAuth flow.
func NewFlow(registry *Registry, states *StateStore, store *credentials.Store, baseURL string) *Flow {
	return &Flow{
		registry: registry,
		states:   states,
		store:    store,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// redirectURI is where the provider sends the user back.
func (f *Flow) redirectURI(connectorName string) string {
	return fmt.Sprintf("%s/api/connectors/%s/oauth/callback", f.baseURL, connectorName)
}

// AuthorizeURL mints a state token and builds the provider authorization
// URL for a redirect.
func (f *Flow) AuthorizeURL(connectorName, namespace string) (string, error) {
	conn, ok := f.registry.Get(connectorName)
	if !ok {
		return "", fmt.Errorf("unknown connector %q", connectorName)
	}
	oauth := conn.OAuth()
	if !oauth.Configured() {
		return "", ErrNoOAuthConfig
	}

	token, err := f.states.Create(connectorName, namespace)
	if err != nil {
		return "", err
	}

	q := url.Values{
		"client_id":     {oauth.ClientID},
		"redirect_uri":  {f.redirectURI(connectorName)},
		"scope":         {strings.Join(oauth.Scopes, " ")},
		"state":         {token},
		"response_type": {"code"},
	}
	return oauth.AuthURL + "?" + q.Encode(), nil
}

// HandleCallback consumes the state token, exchanges the code, and
// persists the encrypted credential. Returns the namespace the
// credential was stored under.
func (f *Flow) HandleCallback(ctx context.Context, connectorName, code, stateToken string) (string, error) {
	entry, ok := f.states.consume(stateToken)
	if !ok || entry.connector != connectorName {
		return "", ErrStateInvalid
	}

	conn, ok := f.registry.Get(connectorName)
	if !ok {
		return "", fmt.Errorf("unknown connector %q", connectorName)
	}
	oauth := conn.OAuth()
	if !oauth.Configured() {
		return "", ErrNoOAuthConfig
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {f.redirectURI(connectorName)},
		"client_id":     {oauth.ClientID},
		"client_secret": {oauth.ClientSecret},
	}
	tok, err := postTokenForm(ctx, oauth.TokenURL, form)
	if err != nil {
		return "", fmt.Errorf("code exchange: %w", err)
	}

	cred := credentials.Credential{
		UserID:       entry.namespace,
		Connector:    connectorName,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if tok.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		cred.ExpiresAt = &t
	}
	if err := f.store.Store(ctx, cred); err != nil {
		return "", fmt.Errorf("persist credential: %w", err)
	}

	logging.Info().
		Str("connector", connectorName).
		Str("namespace", entry.namespace).
		Msg("oauth authorization complete")
	return entry.namespace, nil
}
