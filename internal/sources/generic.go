// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package sources

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/EckmanTechLLC/flux/internal/logging"
)

// restartDelay spaces consecutive runs of the polling engine.
const restartDelay = 5 * time.Second

// Status tracks one source supervisor run loop.
type Status struct {
	mu           sync.Mutex
	lastStarted  time.Time
	lastError    string
	restartCount uint64
}

// StatusSnapshot is the JSON view of a source Status.
type StatusSnapshot struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	LastStarted  *time.Time `json:"last_started,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	RestartCount uint64     `json:"restart_count"`
}

func (s *Status) recordStart(at time.Time) {
	s.mu.Lock()
	s.lastStarted = at
	s.restartCount++
	s.mu.Unlock()
}

func (s *Status) recordError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

func (s *Status) clearError() {
	s.mu.Lock()
	s.lastError = ""
	s.mu.Unlock()
}

func (s *Status) snapshot(id, kind string) StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatusSnapshot{ID: id, Kind: kind, LastError: s.lastError, RestartCount: s.restartCount}
	if !s.lastStarted.IsZero() {
		t := s.lastStarted
		snap.LastStarted = &t
	}
	return snap
}

// engineConfig is the YAML document handed to the generic polling
// engine. Tokens are deliberately absent: they travel via environment.
type engineConfig struct {
	Source struct {
		URL          string `yaml:"url"`
		IntervalSecs int    `yaml:"interval_secs"`
		AuthScheme   string `yaml:"auth_scheme,omitempty"`
		KeyField     string `yaml:"key_field,omitempty"`
	} `yaml:"source"`
	Output struct {
		URL       string `yaml:"url"`
		Namespace string `yaml:"namespace"`
	} `yaml:"output"`
}

// genericRunner supervises the external polling engine for one source:
// render config, spawn, wait, sleep, repeat.
type genericRunner struct {
	src       GenericSource
	engineBin string
	tmpDir    string
	apiURL    string
	status    *Status
}

func (r *genericRunner) configPath() string {
	return filepath.Join(r.tmpDir, "flux-"+r.src.ID+".yaml")
}

// run loops until ctx is done, removing the rendered config on the way
// out.
func (r *genericRunner) run(ctx context.Context) {
	log := logging.With().Str("source_id", r.src.ID).Str("kind", "generic").Logger()
	defer os.Remove(r.configPath())

	for {
		if err := r.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.status.recordError(err)
			log.Warn().Err(err).Msg("generic source run failed")
		} else {
			r.status.clearError()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// runOnce renders the config and runs the engine to completion.
func (r *genericRunner) runOnce(ctx context.Context) error {
	var cfg engineConfig
	cfg.Source.URL = r.src.URL
	cfg.Source.IntervalSecs = r.src.IntervalSecs
	cfg.Source.AuthScheme = r.src.AuthScheme
	cfg.Source.KeyField = r.src.KeyField
	cfg.Output.URL = r.apiURL + "/api/events"
	cfg.Output.Namespace = r.src.Namespace

	rendered, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("render engine config: %w", err)
	}
	if err := os.MkdirAll(r.tmpDir, 0o700); err != nil {
		return fmt.Errorf("create tmp dir: %w", err)
	}
	if err := os.WriteFile(r.configPath(), rendered, 0o600); err != nil {
		return fmt.Errorf("write engine config: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.engineBin, "--config", r.configPath())
	cmd.Env = append(os.Environ(),
		"FLUX_GENERIC_TOKEN="+r.src.BearerToken,
		"FLUX_OUTPUT_TOKEN="+r.src.OutputToken,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	r.status.recordStart(time.Now())
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("polling engine exited: %w", err)
	}
	return nil
}
