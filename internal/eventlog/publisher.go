// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/EckmanTechLLC/flux/internal/metrics"
)

// Publisher wraps the Watermill NATS publisher with a circuit breaker.
// Message ids double as Nats-Msg-Id headers so the stream's duplicate
// window deduplicates producer retries.
type Publisher struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[any]
	mu        sync.RWMutex
	closed    bool
}

// NewPublisher creates a resilient JetStream publisher. The stream itself
// is pre-created by Client.EnsureStream; auto-provisioning stays off.
func NewPublisher(url string) (*Publisher, error) {
	logger := NewWatermillLogger()

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "eventlog-append",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Publisher{publisher: pub, breaker: breaker}, nil
}

// Publish appends data under subject with the given message id.
func (p *Publisher) Publish(_ context.Context, subject, msgID string, data []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	msg := message.NewMessage(msgID, data)
	msg.Metadata.Set(natsgo.MsgIdHdr, msgID)

	start := time.Now()
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.publisher.Publish(subject, msg)
	})
	if err == nil {
		metrics.AppendDuration.Observe(time.Since(start).Seconds())
	}
	return err
}

// Close gracefully shuts down the publisher. Safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
