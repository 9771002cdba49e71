// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package state

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/EckmanTechLLC/flux/internal/logging"
	"github.com/EckmanTechLLC/flux/internal/metrics"
)

// snapshotVersion guards the on-disk format.
const snapshotVersion = 1

// Snapshot is the on-disk state capture: the full entity set plus the log
// sequence it reflects.
type Snapshot struct {
	SnapshotVersion int      `json:"snapshot_version"`
	CreatedAt       int64    `json:"created_at"`
	SequenceNumber  uint64   `json:"sequence_number"`
	Entities        []Entity `json:"entities"`
}

// Snapshotter periodically captures the entity store to gzip-compressed
// JSON files, atomically renamed into place, keeping only the newest few.
type Snapshotter struct {
	store    *Store
	lastSeq  func() uint64
	dir      string
	interval time.Duration
	keep     int
}

// NewSnapshotter wires a snapshotter. lastSeq reports the projector's
// last processed sequence at capture time.
func NewSnapshotter(store *Store, lastSeq func() uint64, dir string, interval time.Duration, keep int) *Snapshotter {
	if keep < 1 {
		keep = 1
	}
	return &Snapshotter{store: store, lastSeq: lastSeq, dir: dir, interval: interval, keep: keep}
}

func (s *Snapshotter) String() string { return "snapshotter" }

// Serve writes one snapshot per interval until ctx is done. Errors log
// and wait for the next tick.
func (s *Snapshotter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.WriteNow(); err != nil {
				logging.Error().Err(err).Msg("snapshot write failed")
			}
		}
	}
}

// WriteNow captures and persists one snapshot immediately. Also called
// once during graceful shutdown.
func (s *Snapshotter) WriteNow() error {
	start := time.Now()

	snap := Snapshot{
		SnapshotVersion: snapshotVersion,
		CreatedAt:       start.UnixMilli(),
		SequenceNumber:  s.lastSeq(),
		Entities:        s.store.List(),
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	// Timestamp then zero-padded sequence keeps directory listings in
	// chronological order.
	name := fmt.Sprintf("snapshot-%s-seq%020d.json.gz",
		start.UTC().Format("20060102T150405"), snap.SequenceNumber)
	final := filepath.Join(s.dir, name)
	tmp := final + ".tmp"

	if err := writeSnapshotFile(tmp, &snap); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}

	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	logging.Info().
		Str("file", name).
		Uint64("sequence", snap.SequenceNumber).
		Int("entities", len(snap.Entities)).
		Msg("snapshot written")

	s.prune()
	return nil
}

func writeSnapshotFile(path string, snap *Snapshot) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}

	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(snap); err != nil {
		gz.Close()
		f.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return fmt.Errorf("flush gzip: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync snapshot: %w", err)
	}
	return f.Close()
}

// prune deletes the oldest snapshots beyond the retention count.
func (s *Snapshotter) prune() {
	files, err := listSnapshots(s.dir)
	if err != nil {
		logging.Warn().Err(err).Msg("snapshot prune: listing failed")
		return
	}
	for len(files) > s.keep {
		oldest := files[0]
		if err := os.Remove(oldest); err != nil {
			logging.Warn().Err(err).Str("file", oldest).Msg("snapshot prune: remove failed")
			return
		}
		files = files[1:]
	}
}

// listSnapshots returns snapshot paths sorted oldest-first. Legacy
// uncompressed .json snapshots are included so upgrades recover cleanly.
func listSnapshots(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "snapshot-*.json*"))
	if err != nil {
		return nil, err
	}
	kept := files[:0]
	for _, f := range files {
		if strings.HasSuffix(f, ".json") || strings.HasSuffix(f, ".json.gz") {
			kept = append(kept, f)
		}
	}
	sort.Strings(kept)
	return kept, nil
}

// LoadLatest loads the newest readable snapshot from dir. A corrupt file
// falls through to the next newest. Returns (nil, nil) when no snapshot
// can be loaded, which starts the projection empty.
func LoadLatest(dir string) (*Snapshot, error) {
	files, err := listSnapshots(dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	for i := len(files) - 1; i >= 0; i-- {
		snap, err := readSnapshotFile(files[i])
		if err != nil {
			logging.Warn().Err(err).Str("file", files[i]).Msg("skipping unreadable snapshot")
			continue
		}
		logging.Info().
			Str("file", filepath.Base(files[i])).
			Uint64("sequence", snap.SequenceNumber).
			Int("entities", len(snap.Entities)).
			Msg("snapshot recovered")
		return snap, nil
	}
	return nil, nil
}

func readSnapshotFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	var snap Snapshot
	if err := json.NewDecoder(reader).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.SnapshotVersion != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.SnapshotVersion)
	}
	return &snap, nil
}
