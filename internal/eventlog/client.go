// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/EckmanTechLLC/flux/internal/event"
	"github.com/EckmanTechLLC/flux/internal/logging"
)

// Config describes the stream the client appends to and replays from.
type Config struct {
	URL             string
	StreamName      string
	MaxAge          time.Duration
	MaxBytes        int64
	DuplicateWindow time.Duration
}

// DefaultConfig returns the stream settings used in production.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		StreamName:      "FLUX_EVENTS",
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        10 << 30,
		DuplicateWindow: 2 * time.Minute,
	}
}

// Msg is one delivered log entry. Sequence is the stream sequence number
// (monotonic per stream).
type Msg struct {
	Sequence  uint64
	Subject   string
	Data      []byte
	Timestamp time.Time
}

// Appender is the append half of the log contract.
type Appender interface {
	// Append durably writes data under subject. msgID participates in the
	// duplicate window; reusing an id within the window is a no-op append.
	Append(ctx context.Context, subject, msgID string, data []byte) error
}

// Replayer is the replay half of the log contract.
type Replayer interface {
	// Consume delivers messages in append order starting at the given
	// policy, invoking handler for each, until ctx is done or handler
	// returns an error.
	Consume(ctx context.Context, start StartPolicy, handler func(Msg) error) error

	// FetchSince reads messages with timestamps >= since until limit is
	// reached or the log stays idle for the given duration.
	FetchSince(ctx context.Context, since time.Time, limit int, idle time.Duration) ([]Msg, error)
}

// Client talks to the JetStream-backed event log. It satisfies both
// Appender and Replayer.
type Client struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	pub *Publisher
	cfg Config
}

// Connect dials NATS, creates the JetStream context, and builds the
// resilient publisher. It does not create the stream; call EnsureStream.
func Connect(cfg Config) (*Client, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	pub, err := NewPublisher(cfg.URL)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Client{nc: nc, js: js, pub: pub, cfg: cfg}, nil
}

// EnsureStream idempotently creates or updates the event stream.
func (c *Client) EnsureStream(ctx context.Context) error {
	streamCfg := jetstream.StreamConfig{
		Name:        c.cfg.StreamName,
		Subjects:    []string{event.StreamPrefix + ">"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      c.cfg.MaxAge,
		MaxBytes:    c.cfg.MaxBytes,
		Duplicates:  c.cfg.DuplicateWindow,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		AllowDirect: true,
	}

	if _, err := c.js.Stream(ctx, c.cfg.StreamName); err == nil {
		if _, err := c.js.UpdateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		return nil
	}

	if _, err := c.js.CreateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// Append publishes through the resilient publisher. The write is durable
// once Append returns nil.
func (c *Client) Append(ctx context.Context, subject, msgID string, data []byte) error {
	return c.pub.Publish(ctx, subject, msgID, data)
}

// Consume runs an ordered consumer from the given start policy, calling
// handler for each message in append order. Returns nil when ctx is
// canceled, or the handler's error.
func (c *Client) Consume(ctx context.Context, start StartPolicy, handler func(Msg) error) error {
	cons, err := c.orderedConsumer(ctx, start)
	if err != nil {
		return err
	}

	it, err := cons.Messages()
	if err != nil {
		return fmt.Errorf("open message iterator: %w", err)
	}

	stop := context.AfterFunc(ctx, it.Stop)
	defer stop()
	defer it.Stop()

	for {
		jmsg, err := it.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}
			return fmt.Errorf("next message: %w", err)
		}

		msg, err := toMsg(jmsg)
		if err != nil {
			logging.Warn().Err(err).Msg("skipping message without metadata")
			continue
		}
		if err := handler(msg); err != nil {
			return err
		}
	}
}

// FetchSince reads an ephemeral time-bounded window for query use. It
// stops after limit messages or once the stream yields nothing for idle.
func (c *Client) FetchSince(ctx context.Context, since time.Time, limit int, idle time.Duration) ([]Msg, error) {
	cons, err := c.orderedConsumer(ctx, StartAtTime(since))
	if err != nil {
		return nil, err
	}

	msgs := make([]Msg, 0, limit)
	for len(msgs) < limit {
		jmsg, err := cons.Next(jetstream.FetchMaxWait(idle))
		if err != nil {
			// Idle window elapsed or the context ended; the window is done.
			break
		}
		msg, err := toMsg(jmsg)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// LastSequence returns the newest stream sequence, or 0 on an empty stream.
func (c *Client) LastSequence(ctx context.Context) (uint64, error) {
	stream, err := c.js.Stream(ctx, c.cfg.StreamName)
	if err != nil {
		return 0, fmt.Errorf("get stream: %w", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("get stream info: %w", err)
	}
	return info.State.LastSeq, nil
}

// Close releases the publisher and connection.
func (c *Client) Close() error {
	err := c.pub.Close()
	c.nc.Close()
	return err
}

// orderedConsumer builds an ordered consumer over the full subject space
// with the requested delivery policy.
func (c *Client) orderedConsumer(ctx context.Context, start StartPolicy) (jetstream.Consumer, error) {
	stream, err := c.js.Stream(ctx, c.cfg.StreamName)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{event.StreamPrefix + ">"},
	}
	switch start.kind {
	case startAll:
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	case startAtSequence:
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = start.seq
	case startAtTime:
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		t := start.time
		cfg.OptStartTime = &t
	}

	cons, err := stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer: %w", err)
	}
	return cons, nil
}

// toMsg converts a JetStream message into the log contract shape.
func toMsg(jmsg jetstream.Msg) (Msg, error) {
	meta, err := jmsg.Metadata()
	if err != nil {
		return Msg{}, fmt.Errorf("message metadata: %w", err)
	}
	return Msg{
		Sequence:  meta.Sequence.Stream,
		Subject:   jmsg.Subject(),
		Data:      jmsg.Data(),
		Timestamp: meta.Timestamp,
	}, nil
}
