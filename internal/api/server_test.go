// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/EckmanTechLLC/flux/internal/broadcast"
	"github.com/EckmanTechLLC/flux/internal/config"
	"github.com/EckmanTechLLC/flux/internal/connector"
	"github.com/EckmanTechLLC/flux/internal/credentials"
	"github.com/EckmanTechLLC/flux/internal/event"
	"github.com/EckmanTechLLC/flux/internal/eventlog"
	"github.com/EckmanTechLLC/flux/internal/metrics"
	"github.com/EckmanTechLLC/flux/internal/ratelimit"
	"github.com/EckmanTechLLC/flux/internal/registry"
	"github.com/EckmanTechLLC/flux/internal/sources"
	"github.com/EckmanTechLLC/flux/internal/state"
	"github.com/EckmanTechLLC/flux/internal/websocket"
)

// fakeLog is an in-memory Appender/Replayer recording every append.
type fakeLog struct {
	mu        sync.Mutex
	appended  []eventlog.Msg
	appendErr error
}

func (f *fakeLog) Append(_ context.Context, subject, _ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, eventlog.Msg{
		Sequence:  uint64(len(f.appended) + 1),
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
	})
	return nil
}

func (f *fakeLog) Consume(ctx context.Context, _ eventlog.StartPolicy, handler func(eventlog.Msg) error) error {
	f.mu.Lock()
	msgs := append([]eventlog.Msg(nil), f.appended...)
	f.mu.Unlock()
	for _, m := range msgs {
		if err := handler(m); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeLog) FetchSince(_ context.Context, since time.Time, limit int, _ time.Duration) ([]eventlog.Msg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []eventlog.Msg
	for _, m := range f.appended {
		if m.Timestamp.Before(since) {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

func (f *fakeLog) last(t *testing.T) eventlog.Msg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.appended) == 0 {
		t.Fatal("no messages appended")
	}
	return f.appended[len(f.appended)-1]
}

// stubConnector is a scriptable connector for handler tests.
type stubConnector struct {
	name     string
	interval time.Duration
	oauth    *connector.OAuthConfig
}

func (c *stubConnector) Name() string                { return c.name }
func (c *stubConnector) PollInterval() time.Duration { return c.interval }
func (c *stubConnector) OAuth() *connector.OAuthConfig {
	return c.oauth
}
func (c *stubConnector) Fetch(context.Context, credentials.Credential) ([]event.Event, error) {
	return nil, nil
}

// testEnv bundles the wired server with the stores tests poke at.
type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	log      *fakeLog
	registry *registry.Registry
	creds    *credentials.Store
	entities *state.Store
	runtime  *config.RuntimeManager
	cfg      *config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			Timeout: 5 * time.Second,
			APIURL:  "http://localhost:8080",
		},
		Auth:    config.AuthConfig{Enabled: true},
		Runtime: config.DefaultRuntimeConfig(),
		Sources: config.SourcesConfig{MaxBatchDelete: 5},
	}
	if mutate != nil {
		mutate(cfg)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	reg, err := registry.Open(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := config.NewEncryptor(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	if err != nil {
		t.Fatal(err)
	}
	creds, err := credentials.Open(context.Background(), db, enc)
	if err != nil {
		t.Fatal(err)
	}

	connReg := connector.NewRegistry()
	connReg.Add(&stubConnector{
		name:     "stub",
		interval: 5 * time.Minute,
		oauth: &connector.OAuthConfig{
			AuthURL:  "https://provider.example/authorize",
			TokenURL: "https://provider.example/token",
			Scopes:   []string{"read"},
			ClientID: "cid",
		},
	})
	connReg.Add(&stubConnector{name: "manual", interval: time.Minute})

	log := &fakeLog{}
	entities := state.NewStore()
	tracker := metrics.NewTracker()
	runtime := config.NewRuntimeManager(cfg.Runtime)

	updates := broadcast.New[state.StateUpdate](broadcast.DefaultCapacity)
	deletions := broadcast.New[state.EntityDeleted](broadcast.DefaultCapacity)
	metricsCh := broadcast.New[metrics.Update](broadcast.DefaultCapacity)
	hub := websocket.NewHub(updates, metricsCh, deletions, tracker)

	manager := connector.NewManager(connReg, creds, cfg.Server.APIURL)
	t.Cleanup(manager.StopAll)
	flow := connector.NewFlow(connReg, connector.NewStateStore([]byte("state-signing-key")), creds, cfg.Server.APIURL)

	var (
		sourceStore *sources.Store
		sourceMgr   *sources.Manager
	)
	if cfg.Sources.Enabled {
		sourceStore, err = sources.Open(context.Background(), db, enc)
		if err != nil {
			t.Fatal(err)
		}
		sourceMgr = sources.NewManager(sourceStore, sources.ManagerConfig{
			TmpDir:    t.TempDir(),
			EngineBin: "true",
			APIURL:    cfg.Server.APIURL,
		})
		t.Cleanup(sourceMgr.StopAll)
	}

	srv := NewServer(cfg, runtime, log, log, entities, reg, ratelimit.New(), tracker,
		creds, connReg, manager, flow, sourceStore, sourceMgr, hub)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{
		srv:      srv,
		ts:       ts,
		log:      log,
		registry: reg,
		creds:    creds,
		entities: entities,
		runtime:  runtime,
		cfg:      cfg,
	}
}

// register creates a namespace directly and returns its token.
func (e *testEnv) register(t *testing.T, name string) string {
	t.Helper()
	ns, err := e.registry.Register(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	return ns.Token
}

// do issues a request against the test server and decodes the JSON body.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		json.Unmarshal(raw, &decoded)
	}
	return resp.StatusCode, decoded
}

// ingestBody builds a valid single-event request body.
func ingestBody(entityID string, props map[string]any) map[string]any {
	return map[string]any{
		"stream":    "sensors.temp",
		"source":    "test-producer",
		"timestamp": time.Now().UnixMilli(),
		"payload": map[string]any{
			"entity_id":  entityID,
			"properties": props,
		},
	}
}
