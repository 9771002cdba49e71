// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/EckmanTechLLC/flux/internal/logging"
)

// HTTPService adapts an *http.Server to suture.Service. ListenAndServe
// runs until the context is canceled, then the server gets a bounded
// graceful shutdown.
type HTTPService struct {
	Server          *http.Server
	ShutdownTimeout time.Duration
}

func (s *HTTPService) String() string { return "http-server" }

// Serve runs the server and shuts it down when ctx is canceled.
func (s *HTTPService) Serve(ctx context.Context) error {
	timeout := s.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Server.ListenAndServe()
	}()

	logging.Info().Str("addr", s.Server.Addr).Msg("http server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Server.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("http server shutdown incomplete")
	}
	<-errCh
	return ctx.Err()
}
