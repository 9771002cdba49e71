// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package connector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/EckmanTechLLC/flux/internal/credentials"
	"github.com/EckmanTechLLC/flux/internal/event"
	"github.com/EckmanTechLLC/flux/internal/logging"
	"github.com/EckmanTechLLC/flux/internal/metrics"
)

// refreshWindow refreshes tokens expiring within this margin before a
// poll.
const refreshWindow = 90 * time.Second

// defaultBackoff spaces the retries of one poll. The first attempt is
// immediate; each entry delays one further retry.
var defaultBackoff = []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}

// Key identifies one scheduler instance.
type Key struct {
	UserID    string
	Connector string
}

func (k Key) String() string { return k.UserID + "/" + k.Connector }

// scheduler runs the poll loop for one (user, connector) pair. It owns
// its credential copy; refreshes persist to the store and update the
// copy in place.
type scheduler struct {
	key     Key
	conn    Connector
	cred    credentials.Credential
	store   *credentials.Store
	apiURL  string
	status  *Status
	backoff []time.Duration
	client  *http.Client
}

// run polls immediately, then on every interval tick until ctx is done.
// Ticks that fire while a poll is in flight are skipped, not queued.
func (s *scheduler) run(ctx context.Context) {
	log := logging.With().Str("connector", s.key.Connector).Str("user_id", s.key.UserID).Logger()
	log.Info().Dur("interval", s.conn.PollInterval()).Msg("connector scheduler started")

	ticker := time.NewTicker(s.conn.PollInterval())
	defer ticker.Stop()

	s.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("connector scheduler stopped")
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce refreshes a near-expiry token, then fetches and publishes
// with retries.
func (s *scheduler) pollOnce(ctx context.Context) {
	if s.needsRefresh() {
		if err := s.tryRefreshToken(ctx); err != nil {
			s.status.recordError(fmt.Errorf("token refresh: %w", err))
			metrics.TokenRefreshes.WithLabelValues(s.key.Connector, "failure").Inc()
			return
		}
		metrics.TokenRefreshes.WithLabelValues(s.key.Connector, "success").Inc()
	}

	if err := s.fetchAndPublishWithRetry(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.status.recordError(err)
		metrics.ConnectorFetches.WithLabelValues(s.key.Connector, "failure").Inc()
		logging.Warn().Err(err).Str("key", s.key.String()).Msg("connector poll failed")
		return
	}
	s.status.recordSuccess(time.Now())
	metrics.ConnectorFetches.WithLabelValues(s.key.Connector, "success").Inc()
}

func (s *scheduler) needsRefresh() bool {
	return s.cred.ExpiresAt != nil &&
		s.cred.RefreshToken != "" &&
		!s.cred.ExpiresAt.After(time.Now().Add(refreshWindow))
}

// fetchAndPublishWithRetry makes one immediate attempt plus a retry per
// backoff entry, sleeping the corresponding entry before each retry.
func (s *scheduler) fetchAndPublishWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= len(s.backoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.backoff[attempt-1]):
			}
		}

		lastErr = s.fetchAndPublish(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// fetchAndPublish pulls events from the connector and posts each to the
// ingestion endpoint. Any failed HTTP response fails the attempt.
func (s *scheduler) fetchAndPublish(ctx context.Context) error {
	events, err := s.conn.Fetch(ctx, s.cred)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	for i := range events {
		if err := s.postEvent(ctx, &events[i]); err != nil {
			return fmt.Errorf("publish event %d/%d: %w", i+1, len(events), err)
		}
	}

	logging.Debug().Str("key", s.key.String()).Int("events", len(events)).Msg("connector poll complete")
	return nil
}

func (s *scheduler) postEvent(ctx context.Context, ev *event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.apiURL+"/api/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.key.UserID)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ingestion returned %d: %s", resp.StatusCode, string(msg))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
