// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

// Package websocket delivers state updates, deletions, and metrics to
// connected clients. Each connection runs one goroutine that owns the
// subscription set and multiplexes the three broadcast receivers with
// inbound client frames; a second goroutine pumps reads.
package websocket

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EckmanTechLLC/flux/internal/broadcast"
	"github.com/EckmanTechLLC/flux/internal/logging"
	"github.com/EckmanTechLLC/flux/internal/metrics"
	"github.com/EckmanTechLLC/flux/internal/state"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong before dropping the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames; clients only send small
	// subscription messages.
	maxMessageSize = 4096
)

// Hub upgrades HTTP requests and runs the per-connection loops.
type Hub struct {
	updates   *broadcast.Channel[state.StateUpdate]
	metricsCh *broadcast.Channel[metrics.Update]
	deletions *broadcast.Channel[state.EntityDeleted]
	tracker   *metrics.Tracker

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

// NewHub wires a hub over the three fan-out channels.
func NewHub(updates *broadcast.Channel[state.StateUpdate], metricsCh *broadcast.Channel[metrics.Update], deletions *broadcast.Channel[state.EntityDeleted], tracker *metrics.Tracker) *Hub {
	return &Hub{
		updates:   updates,
		metricsCh: metricsCh,
		deletions: deletions,
		tracker:   tracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement belongs to the CORS layer in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and hands the socket to a connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := &connection{
		id:   h.nextID.Add(1),
		hub:  h,
		ws:   ws,
		subs: make(map[string]struct{}),
	}
	h.tracker.ConnectionOpened()
	go c.run()
}
