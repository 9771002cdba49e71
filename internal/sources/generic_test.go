// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package sources

import (
	"context"
	"os"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestGenericRunnerRendersConfigWithoutTokens(t *testing.T) {
	r := &genericRunner{
		src: GenericSource{
			ID:           "abc",
			URL:          "https://api.example/weather",
			IntervalSecs: 30,
			AuthScheme:   "bearer",
			KeyField:     "station_id",
			Namespace:    "home",
			BearerToken:  "upstream-secret",
			OutputToken:  "flux-secret",
		},
		engineBin: "true", // exits immediately
		tmpDir:    t.TempDir(),
		apiURL:    "http://127.0.0.1:8080",
		status:    &Status{},
	}

	if err := r.runOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(r.configPath())
	if err != nil {
		t.Fatal(err)
	}
	text := string(raw)
	if strings.Contains(text, "upstream-secret") || strings.Contains(text, "flux-secret") {
		t.Error("rendered config leaks a token")
	}

	var cfg engineConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Source.URL != "https://api.example/weather" || cfg.Source.IntervalSecs != 30 {
		t.Errorf("source section = %+v", cfg.Source)
	}
	if cfg.Source.AuthScheme != "bearer" || cfg.Source.KeyField != "station_id" {
		t.Errorf("source section = %+v", cfg.Source)
	}
	if cfg.Output.URL != "http://127.0.0.1:8080/api/events" || cfg.Output.Namespace != "home" {
		t.Errorf("output section = %+v", cfg.Output)
	}

	snap := r.status.snapshot("abc", "generic")
	if snap.RestartCount != 1 || snap.LastStarted == nil {
		t.Errorf("status = %+v", snap)
	}
}

func TestGenericRunnerReportsEngineFailure(t *testing.T) {
	r := &genericRunner{
		src:       GenericSource{ID: "abc", URL: "https://x", Namespace: "ns"},
		engineBin: "false", // exits nonzero
		tmpDir:    t.TempDir(),
		apiURL:    "http://127.0.0.1:8080",
		status:    &Status{},
	}

	if err := r.runOnce(context.Background()); err == nil {
		t.Fatal("nonzero engine exit not reported")
	}
}

func TestManagerStatuses(t *testing.T) {
	s, _ := openSourceStore(t)
	m := NewManager(s, ManagerConfig{
		TmpDir:    t.TempDir(),
		EngineBin: "true",
		APIURL:    "http://127.0.0.1:8080",
	})
	defer m.StopAll()

	src, err := s.CreateGeneric(context.Background(), GenericSource{
		URL: "https://api.example", Namespace: "home", OutputToken: "tok",
	})
	if err != nil {
		t.Fatal(err)
	}
	m.StartGeneric(src)

	statuses := m.Statuses()
	if len(statuses) != 1 || statuses[0].ID != src.ID || statuses[0].Kind != "generic" {
		t.Fatalf("statuses = %+v", statuses)
	}

	m.StopGeneric(src.ID)
	if got := len(m.Statuses()); got != 0 {
		t.Errorf("statuses after stop = %d", got)
	}
}

func TestTriggerSyncUnknownSource(t *testing.T) {
	s, _ := openSourceStore(t)
	m := NewManager(s, ManagerConfig{TmpDir: t.TempDir(), EngineBin: "true", APIURL: "http://x"})
	defer m.StopAll()

	if err := m.TriggerSync(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
