// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package websocket

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/rs/zerolog"

	"github.com/EckmanTechLLC/flux/internal/logging"
	"github.com/EckmanTechLLC/flux/internal/metrics"
)

// clientFrame is an inbound subscription control message.
type clientFrame struct {
	Type     string `json:"type"`
	EntityID string `json:"entity_id"`
}

// errorMessage is sent for unparseable client frames.
type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type connection struct {
	id   uint64
	hub  *Hub
	ws   *websocket.Conn
	subs map[string]struct{}
}

// run is the per-connection loop. It exclusively owns subs and all
// writes; the reader goroutine only feeds frames.
func (c *connection) run() {
	log := logging.With().Uint64("conn_id", c.id).Str("remote", c.ws.RemoteAddr().String()).Logger()

	updates := c.hub.updates.Subscribe()
	metricsRx := c.hub.metricsCh.Subscribe()
	deletions := c.hub.deletions.Subscribe()

	frames := make(chan clientFrame, 16)
	done := make(chan struct{})
	go c.readPump(frames, done, &log)

	ping := time.NewTicker(pingPeriod)

	defer func() {
		ping.Stop()
		updates.Close()
		metricsRx.Close()
		deletions.Close()
		c.ws.Close()
		c.hub.tracker.ConnectionClosed()
		log.Debug().Msg("websocket connection closed")
	}()

	log.Debug().Msg("websocket connection opened")

	for {
		select {
		case <-done:
			return

		case frame := <-frames:
			c.handleFrame(frame, &log)

		case u := <-updates.Chan():
			if skipped := updates.Skipped(); skipped > 0 {
				metrics.BroadcastDropped.Add(float64(skipped))
				log.Warn().Uint64("skipped", skipped).Msg("state update receiver lagged")
			}
			if !c.wants(u.EntityID) {
				continue
			}
			if !c.writeJSON(u, &log) {
				return
			}

		case d := <-deletions.Chan():
			if skipped := deletions.Skipped(); skipped > 0 {
				metrics.BroadcastDropped.Add(float64(skipped))
				log.Warn().Uint64("skipped", skipped).Msg("deletion receiver lagged")
			}
			if !c.writeJSON(d, &log) {
				return
			}

		case m := <-metricsRx.Chan():
			// Metrics updates supersede each other; lag needs no logging.
			metricsRx.Skipped()
			if !c.writeJSON(m, &log) {
				return
			}

		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wants applies the subscription filter: empty set and wildcard both
// receive everything.
func (c *connection) wants(entityID string) bool {
	if len(c.subs) == 0 {
		return true
	}
	if _, ok := c.subs["*"]; ok {
		return true
	}
	_, ok := c.subs[entityID]
	return ok
}

func (c *connection) handleFrame(frame clientFrame, log *zerolog.Logger) {
	switch frame.Type {
	case "subscribe":
		if frame.EntityID != "" {
			c.subs[frame.EntityID] = struct{}{}
			log.Debug().Str("entity_id", frame.EntityID).Msg("subscribed")
		}
	case "unsubscribe":
		delete(c.subs, frame.EntityID)
	default:
		c.writeJSON(errorMessage{Type: "error", Message: "unknown message type: " + frame.Type}, log)
	}
}

// writeJSON sends one frame, reporting false on failure so the loop
// disconnects.
func (c *connection) writeJSON(v any, log *zerolog.Logger) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("marshal outbound frame")
		return true
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug().Err(err).Msg("write failed, disconnecting")
		return false
	}
	return true
}

// readPump reads client frames until the socket errors. Binary frames
// are ignored; text frames that fail to parse produce an error message
// via the main loop.
func (c *connection) readPump(frames chan<- clientFrame, done chan<- struct{}, log *zerolog.Logger) {
	defer close(done)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			frame = clientFrame{Type: "__invalid__"}
		}
		select {
		case frames <- frame:
		default:
			// Client is flooding control frames; drop.
		}
	}
}
