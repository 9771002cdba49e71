// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package connector

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/EckmanTechLLC/flux/internal/config"
	"github.com/EckmanTechLLC/flux/internal/credentials"
	"github.com/EckmanTechLLC/flux/internal/event"
)

// fakeConnector is a scriptable Connector for tests.
type fakeConnector struct {
	name     string
	interval time.Duration
	oauth    *OAuthConfig
	fetch    func(ctx context.Context, cred credentials.Credential) ([]event.Event, error)
}

func (f *fakeConnector) Name() string                { return f.name }
func (f *fakeConnector) PollInterval() time.Duration { return f.interval }
func (f *fakeConnector) OAuth() *OAuthConfig         { return f.oauth }
func (f *fakeConnector) Fetch(ctx context.Context, cred credentials.Credential) ([]event.Event, error) {
	if f.fetch == nil {
		return nil, nil
	}
	return f.fetch(ctx, cred)
}

func openCredStore(t *testing.T) *credentials.Store {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	key := make([]byte, 32)
	enc, err := config.NewEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}
	store, err := credentials.Open(context.Background(), db, enc)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestStateStoreSingleUse(t *testing.T) {
	s := NewStateStore([]byte("state-signing-key"))

	token, err := s.Create("github", "myns")
	if err != nil {
		t.Fatal(err)
	}

	entry, ok := s.consume(token)
	if !ok || entry.connector != "github" || entry.namespace != "myns" {
		t.Fatalf("consume = (%+v, %v)", entry, ok)
	}

	// Replay fails.
	if _, ok := s.consume(token); ok {
		t.Fatal("state token consumed twice")
	}
}

func TestStateStoreRejectsTamperedToken(t *testing.T) {
	s := NewStateStore([]byte("state-signing-key"))

	token, err := s.Create("github", "myns")
	if err != nil {
		t.Fatal(err)
	}
	id, sig, ok := strings.Cut(token, ".")
	if !ok {
		t.Fatalf("token %q has no signature", token)
	}

	if _, ok := s.consume(id); ok {
		t.Error("token without signature accepted")
	}
	forged := id + "." + strings.Repeat("0", len(sig))
	if _, ok := s.consume(forged); ok {
		t.Error("forged signature accepted")
	}

	other := NewStateStore([]byte("different-key"))
	if _, ok := other.consume(token); ok {
		t.Error("token signed under another key accepted")
	}

	// Rejections above must not burn the entry.
	if _, ok := s.consume(token); !ok {
		t.Error("valid token rejected after tampered attempts")
	}
}

func TestStateStoreExpiry(t *testing.T) {
	s := NewStateStore([]byte("state-signing-key"))
	clock := time.Unix(1000, 0)
	s.now = func() time.Time { return clock }

	token, _ := s.Create("github", "myns")

	clock = clock.Add(stateTTL + time.Second)
	if _, ok := s.consume(token); ok {
		t.Fatal("expired state token accepted")
	}
}

func TestStateStoreSweep(t *testing.T) {
	s := NewStateStore([]byte("state-signing-key"))
	clock := time.Unix(1000, 0)
	s.now = func() time.Time { return clock }

	s.Create("github", "a")
	clock = clock.Add(stateTTL + time.Second)
	s.Create("github", "b")

	s.sweep()
	if got := s.Len(); got != 1 {
		t.Errorf("Len after sweep = %d, want 1", got)
	}
}

func TestAuthorizeURL(t *testing.T) {
	reg := &Registry{connectors: make(map[string]Connector)}
	reg.Add(&fakeConnector{
		name:     "github",
		interval: time.Minute,
		oauth: &OAuthConfig{
			AuthURL:  "https://github.example/authorize",
			TokenURL: "https://github.example/token",
			Scopes:   []string{"notifications", "read:user"},
			ClientID: "client-123",
		},
	})

	states := NewStateStore([]byte("state-signing-key"))
	flow := NewFlow(reg, states, nil, "http://localhost:8080/")

	raw, err := flow.AuthorizeURL("github", "myns")
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("client_id") != "client-123" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("redirect_uri") != "http://localhost:8080/api/connectors/github/oauth/callback" {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if q.Get("scope") != "notifications read:user" {
		t.Errorf("scope = %q", q.Get("scope"))
	}
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q", q.Get("response_type"))
	}
	if q.Get("state") == "" || states.Len() != 1 {
		t.Error("state token not minted")
	}
}

func TestAuthorizeURLNoOAuthConfig(t *testing.T) {
	reg := &Registry{connectors: make(map[string]Connector)}
	reg.Add(&fakeConnector{name: "manual", interval: time.Minute})

	flow := NewFlow(reg, NewStateStore([]byte("state-signing-key")), nil, "http://localhost:8080")
	if _, err := flow.AuthorizeURL("manual", "myns"); !errors.Is(err, ErrNoOAuthConfig) {
		t.Errorf("err = %v, want ErrNoOAuthConfig", err)
	}
}

func TestHandleCallback(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.PostForm.Get("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("code") != "the-code" {
			t.Errorf("code = %q", r.PostForm.Get("code"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "gho_fresh",
			"refresh_token": "ghr_fresh",
			"expires_in":    3600,
		})
	}))
	defer tokenSrv.Close()

	reg := &Registry{connectors: make(map[string]Connector)}
	reg.Add(&fakeConnector{
		name:     "github",
		interval: time.Minute,
		oauth: &OAuthConfig{
			AuthURL:  "https://github.example/authorize",
			TokenURL: tokenSrv.URL,
			ClientID: "client-123",
		},
	})

	store := openCredStore(t)
	states := NewStateStore([]byte("state-signing-key"))
	flow := NewFlow(reg, states, store, "http://localhost:8080")

	stateToken, _ := states.Create("github", "myns")

	ns, err := flow.HandleCallback(context.Background(), "github", "the-code", stateToken)
	if err != nil {
		t.Fatal(err)
	}
	if ns != "myns" {
		t.Errorf("namespace = %q", ns)
	}

	cred, err := store.Get(context.Background(), "myns", "github")
	if err != nil {
		t.Fatal(err)
	}
	if cred.AccessToken != "gho_fresh" || cred.RefreshToken != "ghr_fresh" {
		t.Errorf("cred = %+v", cred)
	}
	if cred.ExpiresAt == nil {
		t.Error("expires_at not set")
	}

	// The state token is single-use.
	if _, err := flow.HandleCallback(context.Background(), "github", "the-code", stateToken); !errors.Is(err, ErrStateInvalid) {
		t.Errorf("replay err = %v, want ErrStateInvalid", err)
	}
}

func TestHandleCallbackConnectorMismatch(t *testing.T) {
	reg := &Registry{connectors: make(map[string]Connector)}
	reg.Add(&fakeConnector{
		name:     "github",
		interval: time.Minute,
		oauth:    &OAuthConfig{AuthURL: "https://a", TokenURL: "https://b", ClientID: "c"},
	})

	states := NewStateStore([]byte("state-signing-key"))
	flow := NewFlow(reg, states, nil, "http://localhost:8080")

	stateToken, _ := states.Create("gmail", "myns")
	if _, err := flow.HandleCallback(context.Background(), "github", "code", stateToken); !errors.Is(err, ErrStateInvalid) {
		t.Errorf("err = %v, want ErrStateInvalid", err)
	}
}
