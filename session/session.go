// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session drives one subscriber stream: a readiness marker, periodic
// heartbeats, and the delivery of queued commands addressed to the subscriber.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxhub/clock"
	"github.com/absmach/fluxhub/compat"
	"github.com/absmach/fluxhub/delivery"
	"github.com/absmach/fluxhub/protocol"
	"github.com/absmach/fluxhub/queue"
	"github.com/google/uuid"
)

// Stream markers.
var (
	ReadyLine     = []byte("1\n")
	HeartbeatLine = []byte("0\n")
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultPollInterval      = 10 * time.Millisecond
)

// LineWriter is the transport side of a stream.
type LineWriter interface {
	// WriteLine writes one newline-terminated line.
	WriteLine(line []byte) error
	// Flush pushes buffered lines to the peer. It is also the idle tick.
	Flush() error
}

// Observer receives per-stream delivery events. Implementations must be safe
// for concurrent use by many streams.
type Observer interface {
	Delivered(version protocol.Version, cmd protocol.Command)
	Skipped(version protocol.Version, cmd protocol.Command)
	Heartbeat()
	Dropped(n uint64)
}

type nopObserver struct{}

func (nopObserver) Delivered(protocol.Version, protocol.Command) {}
func (nopObserver) Skipped(protocol.Version, protocol.Command)   {}
func (nopObserver) Heartbeat()                                   {}
func (nopObserver) Dropped(uint64)                               {}

// Config holds stream timing.
type Config struct {
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	DefaultGroup      string
}

// DefaultConfig returns the stock stream timing.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: DefaultHeartbeatInterval,
		PollInterval:      DefaultPollInterval,
		DefaultGroup:      delivery.DefaultGroup,
	}
}

// Options configures a Stream.
type Options struct {
	Instance   string
	Version    protocol.Version
	Config     Config
	Clock      clock.Clock
	Normalizer compat.Normalizer
	Observer   Observer
	Logger     *slog.Logger
}

// Stats are the counters of one stream.
type Stats struct {
	Delivered  uint64
	Filtered   uint64
	Skipped    uint64
	Heartbeats uint64
	Dropped    uint64
}

// Stream is one subscriber connection. It is driven by Run and owns its
// queue consumer exclusively.
type Stream struct {
	id       string
	instance string
	groups   []string
	catalog  *protocol.Catalog
	cfg      Config

	ring       *queue.RingBuffer[delivery.Item]
	w          LineWriter
	clock      clock.Clock
	normalizer compat.Normalizer
	obs        Observer
	logger     *slog.Logger

	startedAt  time.Time
	delivered  atomic.Uint64
	filtered   atomic.Uint64
	skipped    atomic.Uint64
	heartbeats atomic.Uint64
	dropped    atomic.Uint64
}

// New prepares a stream over ring writing to w. The consumer is created when
// Run starts.
func New(ring *queue.RingBuffer[delivery.Item], w LineWriter, opts Options) (*Stream, error) {
	catalog, err := protocol.CatalogFor(opts.Version)
	if err != nil {
		return nil, err
	}
	if opts.Version == protocol.V1 {
		return nil, fmt.Errorf("%w: streams are served in %s or newer", protocol.ErrUnsupportedVersion, protocol.Canonical)
	}

	cfg := opts.Config
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DefaultGroup == "" {
		cfg.DefaultGroup = delivery.DefaultGroup
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := uuid.NewString()
	return &Stream{
		id:         id,
		instance:   opts.Instance,
		groups:     delivery.ParseGroupsDefault(opts.Instance, cfg.DefaultGroup),
		catalog:    catalog,
		cfg:        cfg,
		ring:       ring,
		w:          w,
		clock:      opts.Clock,
		normalizer: opts.Normalizer,
		obs:        opts.Observer,
		startedAt:  opts.Clock.Now(),
		logger:     opts.Logger.With("stream_id", id, "instance", opts.Instance, "version", opts.Version.String()),
	}, nil
}

// ID returns the stream's unique id.
func (s *Stream) ID() string { return s.id }

// Instance returns the subscriber identifier.
func (s *Stream) Instance() string { return s.instance }

// Groups returns the subscriber's group membership.
func (s *Stream) Groups() []string { return s.groups }

// Version returns the protocol version the stream is encoded in.
func (s *Stream) Version() protocol.Version { return s.catalog.Version() }

// StartedAt returns when the stream was opened.
func (s *Stream) StartedAt() time.Time { return s.startedAt }

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Delivered:  s.delivered.Load(),
		Filtered:   s.filtered.Load(),
		Skipped:    s.skipped.Load(),
		Heartbeats: s.heartbeats.Load(),
		Dropped:    s.dropped.Load(),
	}
}

// Run drives the stream until ctx is done or the writer fails. A cancelled
// context returns nil; write and encode failures are returned.
func (s *Stream) Run(ctx context.Context) error {
	consumer := s.ring.NewConsumer()
	deadline := s.clock.Now().Add(s.cfg.HeartbeatInterval)

	if err := s.w.WriteLine(ReadyLine); err != nil {
		return fmt.Errorf("write ready marker: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush ready marker: %w", err)
	}

	wait := time.NewTimer(s.cfg.PollInterval)
	defer wait.Stop()

	var lastDropped uint64
	for {
		if ctx.Err() != nil {
			return nil
		}

		if now := s.clock.Now(); now.After(deadline) {
			if err := s.w.WriteLine(HeartbeatLine); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
			deadline = now.Add(s.cfg.HeartbeatInterval)
			s.heartbeats.Add(1)
			s.obs.Heartbeat()
		}

		item, ok := consumer.Peek()
		if d := consumer.Dropped(); d != lastDropped {
			s.dropped.Add(d - lastDropped)
			s.obs.Dropped(d - lastDropped)
			s.logger.Debug("stream_lagged", slog.Uint64("dropped", d-lastDropped))
			lastDropped = d
		}
		if ok {
			consumer.Seek()
			if err := s.deliver(item); err != nil {
				return err
			}
			continue
		}

		if err := s.w.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}

		wait.Reset(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-wait.C:
		}
	}
}

func (s *Stream) deliver(item delivery.Item) error {
	if item.Envelope == nil || !delivery.ShouldDeliver(item.Target, s.instance, s.groups) {
		s.filtered.Add(1)
		return nil
	}

	env := s.normalizer.Normalize(item.Envelope)
	cmd := env.Command()
	if !s.catalog.Has(cmd) {
		s.skipped.Add(1)
		s.obs.Skipped(s.Version(), cmd)
		s.logger.Debug("stream_command_skipped", slog.String("command", string(cmd)))
		return nil
	}

	line, err := s.catalog.Encode(env)
	if err != nil {
		s.logger.Error("stream_encode_failed", slog.String("command", string(cmd)), slog.String("error", err.Error()))
		return err
	}
	if err := s.w.WriteLine(line); err != nil {
		return fmt.Errorf("write %s: %w", cmd, err)
	}
	s.delivered.Add(1)
	s.obs.Delivered(s.Version(), cmd)
	return nil
}
