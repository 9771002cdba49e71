// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

// Command server runs the Flux node: the durable event log, the state
// projection pipeline, the WebSocket fan-out, the connector manager,
// the source supervisors, and the HTTP API, all under one supervisor
// tree.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/EckmanTechLLC/flux/internal/api"
	"github.com/EckmanTechLLC/flux/internal/broadcast"
	"github.com/EckmanTechLLC/flux/internal/config"
	"github.com/EckmanTechLLC/flux/internal/connector"
	"github.com/EckmanTechLLC/flux/internal/credentials"
	"github.com/EckmanTechLLC/flux/internal/eventlog"
	"github.com/EckmanTechLLC/flux/internal/logging"
	"github.com/EckmanTechLLC/flux/internal/metrics"
	"github.com/EckmanTechLLC/flux/internal/ratelimit"
	"github.com/EckmanTechLLC/flux/internal/registry"
	"github.com/EckmanTechLLC/flux/internal/sources"
	"github.com/EckmanTechLLC/flux/internal/state"
	"github.com/EckmanTechLLC/flux/internal/supervisor"
	"github.com/EckmanTechLLC/flux/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	logging.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Bool("auth", cfg.Auth.Enabled).
		Bool("connectors", cfg.Connector.Enabled).
		Bool("sources", cfg.Sources.Enabled).
		Msg("starting flux")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Event log: embedded broker unless an external URL is configured.
	natsURL := cfg.NATS.URL
	var embedded *eventlog.EmbeddedServer
	if cfg.NATS.Embedded {
		embedded, err = eventlog.NewEmbeddedServer(eventlog.DefaultEmbeddedConfig(cfg.NATS.StoreDir))
		if err != nil {
			return fmt.Errorf("start embedded NATS: %w", err)
		}
		defer embedded.Shutdown(context.Background())
		natsURL = embedded.ClientURL()
		logging.Info().Str("url", natsURL).Msg("embedded NATS server started")
	}

	logCfg := eventlog.Config{
		URL:             natsURL,
		StreamName:      cfg.NATS.StreamName,
		MaxAge:          cfg.NATS.StreamMaxAge,
		MaxBytes:        cfg.NATS.StreamMaxBytes,
		DuplicateWindow: cfg.NATS.DuplicateWindow,
	}
	log, err := eventlog.Connect(logCfg)
	if err != nil {
		return err
	}
	defer log.Close()
	if err := log.EnsureStream(ctx); err != nil {
		return err
	}
	lastSeq, err := log.LastSequence(ctx)
	if err != nil {
		return fmt.Errorf("read stream state: %w", err)
	}
	logging.Info().
		Str("stream", logCfg.StreamName).
		Uint64("last_sequence", lastSeq).
		Msg("event stream ready")

	// Persistence: one DuckDB file shared by the namespace registry,
	// credential store, and source store.
	enc, err := config.NewEncryptor(cfg.Store.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}
	db, err := sql.Open("duckdb", cfg.Store.CredentialsDB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	reg, err := registry.Open(ctx, db)
	if err != nil {
		return fmt.Errorf("open namespace registry: %w", err)
	}
	creds, err := credentials.Open(ctx, db, enc)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	// Projection pipeline.
	store := state.NewStore()
	updates := broadcast.New[state.StateUpdate](broadcast.DefaultCapacity)
	deletions := broadcast.New[state.EntityDeleted](broadcast.DefaultCapacity)
	metricsCh := broadcast.New[metrics.Update](broadcast.DefaultCapacity)

	projector := state.NewProjector(log, store, updates, deletions)

	if snap, err := state.LoadLatest(cfg.Snapshots.Dir); err != nil {
		logging.Warn().Err(err).Msg("snapshot recovery failed, replaying full log")
	} else if snap != nil {
		store.Restore(snap.Entities)
		projector.SetLastProcessedSequence(snap.SequenceNumber)
		logging.Info().
			Uint64("sequence", snap.SequenceNumber).
			Int("entities", len(snap.Entities)).
			Msg("restored from snapshot")
	}

	snapshotter := state.NewSnapshotter(store, projector.LastProcessedSequence,
		cfg.Snapshots.Dir, time.Duration(cfg.Snapshots.IntervalMinutes)*time.Minute,
		cfg.Snapshots.KeepCount)

	tracker := metrics.NewTracker()
	broadcaster := metrics.NewBroadcaster(tracker, metricsCh, store.Count)

	hub := websocket.NewHub(updates, metricsCh, deletions, tracker)

	// Connector subsystem.
	connectors := connector.NewRegistry()
	manager := connector.NewManager(connectors, creds, cfg.Server.APIURL)
	states := connector.NewStateStore(enc.StateKey())
	flow := connector.NewFlow(connectors, states, creds, cfg.Server.APIURL)

	// Source subsystem (optional).
	var (
		sourceStore *sources.Store
		sourceMgr   *sources.Manager
	)
	if cfg.Sources.Enabled {
		sourceStore, err = sources.Open(ctx, db, enc)
		if err != nil {
			return fmt.Errorf("open source store: %w", err)
		}
		sourceMgr = sources.NewManager(sourceStore, sources.ManagerConfig{
			TmpDir:       cfg.Sources.TmpDir,
			EngineBin:    cfg.Sources.GenericEngineBin,
			APIURL:       cfg.Server.APIURL,
			TapInstaller: cfg.Sources.TapInstaller,
		})
	}

	// HTTP surface.
	runtime := config.NewRuntimeManager(cfg.Runtime)
	limiter := ratelimit.New()
	srv := api.NewServer(cfg, runtime, log, log, store, reg, limiter, tracker,
		creds, connectors, manager, flow, sourceStore, sourceMgr, hub)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Supervisor tree.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(projector)
	tree.AddPipelineService(snapshotter)
	tree.AddPipelineService(broadcaster)
	if cfg.Connector.Enabled {
		tree.AddIngestService(connector.NewDiscovery(manager, creds, cfg.Connector.DiscoveryInterval))
		tree.AddIngestService(connector.NewStateSweeper(states))
	}
	if sourceMgr != nil {
		tree.AddIngestService(sourceMgr)
	}
	tree.AddAPIService(&supervisor.HTTPService{Server: httpServer})

	err = tree.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}

	// Final snapshot so the next start replays as little as possible.
	if werr := snapshotter.WriteNow(); werr != nil {
		logging.Warn().Err(werr).Msg("final snapshot failed")
	}

	logging.Info().Msg("shutdown complete")
	return nil
}
