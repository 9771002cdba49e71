// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package sources

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/EckmanTechLLC/flux/internal/event"
	"github.com/EckmanTechLLC/flux/internal/logging"
)

// tapLineLimit bounds one extractor output line (records can be wide).
const tapLineLimit = 4 << 20

// namedRunner supervises one tap extractor: discover the catalog, select
// every stream, run the tap, and translate RECORD lines into events.
type namedRunner struct {
	src    NamedSource
	tmpDir string
	apiURL string
	status *Status
	client *http.Client

	// installer attempts to install an absent tap binary; swappable in
	// tests.
	installer func(ctx context.Context, tap string) error
}

func (r *namedRunner) path(suffix string) string {
	return filepath.Join(r.tmpDir, "flux-"+r.src.ID+suffix)
}

// run loops sync iterations until ctx is done.
func (r *namedRunner) run(ctx context.Context) {
	log := logging.With().Str("source_id", r.src.ID).Str("tap", r.src.Tap).Logger()

	for {
		if err := r.syncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.status.recordError(err)
			log.Warn().Err(err).Msg("tap sync failed")
		} else {
			r.status.clearError()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(r.src.PollIntervalSecs) * time.Second):
		}
	}
}

// syncOnce runs one full discover-and-extract iteration. Config and
// catalog files are removed afterwards; the state file persists across
// runs.
func (r *namedRunner) syncOnce(ctx context.Context) error {
	r.status.recordStart(time.Now())

	if err := os.MkdirAll(r.tmpDir, 0o700); err != nil {
		return fmt.Errorf("create tmp dir: %w", err)
	}

	cfgPath := r.path("-config.json")
	catPath := r.path("-catalog.json")
	statePath := r.path("-state.json")
	defer os.Remove(cfgPath)
	defer os.Remove(catPath)

	cfgJSON, err := json.Marshal(r.src.Config)
	if err != nil {
		return fmt.Errorf("marshal tap config: %w", err)
	}
	if err := os.WriteFile(cfgPath, cfgJSON, 0o600); err != nil {
		return fmt.Errorf("write tap config: %w", err)
	}

	catalog, err := r.discover(ctx, cfgPath)
	if err != nil {
		return err
	}
	selectAllStreams(catalog)

	catJSON, err := json.Marshal(catalog)
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	if err := os.WriteFile(catPath, catJSON, 0o600); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}

	return r.extract(ctx, cfgPath, catPath, statePath)
}

// discover runs `<tap> --config <cfg> --discover`, installing the tap
// once if the binary is absent.
func (r *namedRunner) discover(ctx context.Context, cfgPath string) (map[string]any, error) {
	out, err := r.discoverOnce(ctx, cfgPath)
	if err == nil {
		return out, nil
	}

	if _, lookErr := exec.LookPath(r.src.Tap); lookErr != nil {
		logging.Info().Str("tap", r.src.Tap).Msg("tap binary missing, attempting install")
		if instErr := r.installer(ctx, r.src.Tap); instErr != nil {
			return nil, fmt.Errorf("install tap %s: %w", r.src.Tap, instErr)
		}
		return r.discoverOnce(ctx, cfgPath)
	}
	return nil, err
}

func (r *namedRunner) discoverOnce(ctx context.Context, cfgPath string) (map[string]any, error) {
	cmd := exec.CommandContext(ctx, r.src.Tap, "--config", cfgPath, "--discover")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	var catalog map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &catalog); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return catalog, nil
}

// installTap builds an installer invoking `<bin> install <tap>`. An
// empty bin falls back to pipx.
func installTap(bin string) func(ctx context.Context, tap string) error {
	if bin == "" {
		bin = "pipx"
	}
	return func(ctx context.Context, tap string) error {
		cmd := exec.CommandContext(ctx, bin, "install", tap)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}
}

// selectAllStreams marks every catalog stream selected, covering both
// the legacy top-level flag and the metadata breadcrumb form.
func selectAllStreams(catalog map[string]any) {
	streams, _ := catalog["streams"].([]any)
	for _, s := range streams {
		stream, ok := s.(map[string]any)
		if !ok {
			continue
		}
		stream["selected"] = true

		metadata, _ := stream["metadata"].([]any)
		for _, m := range metadata {
			entry, ok := m.(map[string]any)
			if !ok {
				continue
			}
			breadcrumb, _ := entry["breadcrumb"].([]any)
			if len(breadcrumb) != 0 {
				continue
			}
			meta, ok := entry["metadata"].(map[string]any)
			if !ok {
				meta = map[string]any{}
				entry["metadata"] = meta
			}
			meta["selected"] = true
		}
	}
}

// extract runs the tap in sync mode and consumes its stdout line stream.
func (r *namedRunner) extract(ctx context.Context, cfgPath, catPath, statePath string) error {
	args := []string{"--config", cfgPath, "--properties", catPath}
	if _, err := os.Stat(statePath); err == nil {
		args = append(args, "--state", statePath)
	}

	cmd := exec.CommandContext(ctx, r.src.Tap, args...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open tap stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tap: %w", err)
	}

	scanErr := r.scanLines(ctx, stdout, statePath)
	waitErr := cmd.Wait()
	if scanErr != nil {
		return scanErr
	}
	if waitErr != nil {
		return fmt.Errorf("tap exited: %w", waitErr)
	}
	return nil
}

// scanLines dispatches each stdout line by its type field.
func (r *namedRunner) scanLines(ctx context.Context, stdout io.Reader, statePath string) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), tapLineLimit)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg struct {
			Type   string          `json:"type"`
			Stream string          `json:"stream"`
			Record json.RawMessage `json:"record"`
			Value  json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			logging.Warn().Err(err).Str("tap", r.src.Tap).Msg("unparseable tap output line")
			continue
		}

		switch msg.Type {
		case "RECORD":
			if err := r.publishRecord(ctx, msg.Stream, msg.Record); err != nil {
				return err
			}
		case "STATE":
			if err := os.WriteFile(statePath, msg.Value, 0o600); err != nil {
				return fmt.Errorf("persist tap state: %w", err)
			}
		case "SCHEMA":
			// Schemas are not projected.
		default:
			logging.Debug().Str("type", msg.Type).Msg("ignoring tap message")
		}
	}
	return scanner.Err()
}

// publishRecord maps one RECORD to an event and posts it to the
// ingestion endpoint.
func (r *namedRunner) publishRecord(ctx context.Context, stream string, raw json.RawMessage) error {
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return fmt.Errorf("parse record: %w", err)
	}

	key := r.entityKey(raw, record)
	payload, err := json.Marshal(map[string]any{
		"entity_id":  r.src.Namespace + "/" + key,
		"properties": record,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ev := event.Event{
		Stream:    fmt.Sprintf("taps.%s.%s", r.src.Tap, stream),
		Source:    "tap." + r.src.Tap,
		Timestamp: time.Now().UnixMilli(),
		Key:       key,
		Payload:   payload,
	}
	body, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.apiURL+"/api/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.src.OutputToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post record: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ingestion returned %d: %s", resp.StatusCode, string(msg))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// entityKey picks the configured key field, falling back to the value of
// the record's first field in document order.
func (r *namedRunner) entityKey(raw json.RawMessage, record map[string]any) string {
	if r.src.EntityKeyField != "" {
		if v, ok := record[r.src.EntityKeyField]; ok {
			return fmt.Sprint(v)
		}
	}
	if name := firstFieldName(raw); name != "" {
		return fmt.Sprint(record[name])
	}
	return "unknown"
}

// firstFieldName returns the first key of a JSON object in document
// order.
func firstFieldName(raw json.RawMessage) string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return ""
	}
	tok, err := dec.Token()
	if err != nil {
		return ""
	}
	name, _ := tok.(string)
	return name
}
