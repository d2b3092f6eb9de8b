// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package hub fans control-plane commands out to subscribed instances and
// hands commands published by instances to the host.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxhub/clock"
	"github.com/absmach/fluxhub/compat"
	"github.com/absmach/fluxhub/config"
	"github.com/absmach/fluxhub/delivery"
	"github.com/absmach/fluxhub/hub/events"
	"github.com/absmach/fluxhub/protocol"
	"github.com/absmach/fluxhub/queue"
	"github.com/absmach/fluxhub/server/otel"
	"github.com/absmach/fluxhub/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrClosed      = errors.New("hub closed")
	ErrNilEnvelope = errors.New("nil envelope")
	ErrNoReceiver  = errors.New("no receiver configured")
	ErrNoTarget    = errors.New("empty target")
)

// Disconnect reasons reported in events and metrics.
const (
	ReasonNormal   = "normal"
	ReasonError    = "error"
	ReasonShutdown = "shutdown"
)

// Receiver consumes commands published by instances. Envelopes are always
// canonical.
type Receiver interface {
	Recv(ctx context.Context, env protocol.Envelope, instance string) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, env protocol.Envelope, instance string) error

func (f ReceiverFunc) Recv(ctx context.Context, env protocol.Envelope, instance string) error {
	return f(ctx, env, instance)
}

// Notifier receives lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, event events.Event) error
}

// Options holds the hub's collaborators. Every field is optional.
type Options struct {
	Clock      clock.Clock
	Normalizer compat.Normalizer
	Receiver   Receiver
	Notifier   Notifier
	Metrics    *otel.Metrics
	Tracer     trace.Tracer // nil if tracing disabled
	Logger     *slog.Logger
}

// SubscribeRequest identifies a new subscriber.
type SubscribeRequest struct {
	Instance   string
	Version    protocol.Version
	Transport  string
	RemoteAddr string
}

// StreamInfo describes one open stream.
type StreamInfo struct {
	ID         string        `json:"id"`
	Instance   string        `json:"instance"`
	Groups     []string      `json:"groups"`
	Version    string        `json:"version"`
	Transport  string        `json:"transport"`
	RemoteAddr string        `json:"remote_addr,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Stats      session.Stats `json:"stats"`
}

// Stats is a snapshot of the hub.
type Stats struct {
	ID          string       `json:"id"`
	Sequence    uint64       `json:"sequence"`
	Queued      int          `json:"queued"`
	Capacity    int          `json:"capacity"`
	MaxAgeMs    int64        `json:"max_age_ms"`
	Subscribers int          `json:"subscribers"`
	Streams     []StreamInfo `json:"streams"`
}

type subscriber struct {
	stream     *session.Stream
	cancel     context.CancelFunc
	transport  string
	remoteAddr string
}

// Hub owns the fan-out ring and the set of open streams.
type Hub struct {
	id         string
	ring       *queue.RingBuffer[delivery.Item]
	sessionCfg session.Config
	clock      clock.Clock
	normalizer compat.Normalizer
	receiver   Receiver
	notifier   Notifier
	metrics    *otel.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger

	// produce serializes ring producers.
	produce sync.Mutex

	mu      sync.RWMutex
	closed  bool
	streams map[string]*subscriber
	wg      sync.WaitGroup
}

// New creates a hub from its configuration.
func New(cfg config.HubConfig, opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	capacity := cfg.QueueCapacity
	if capacity == 0 {
		capacity = queue.DefaultCapacity
	}

	return &Hub{
		id: cfg.ID,
		ring: queue.New[delivery.Item](queue.Config{
			Capacity: capacity,
			MaxAge:   cfg.QueueMaxAge,
		}, opts.Clock),
		sessionCfg: session.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			PollInterval:      cfg.PollInterval,
			DefaultGroup:      cfg.DefaultGroup,
		},
		clock:      opts.Clock,
		normalizer: opts.Normalizer,
		receiver:   opts.Receiver,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		logger:     opts.Logger,
		streams:    make(map[string]*subscriber),
	}
}

// ID returns the hub identifier.
func (h *Hub) ID() string { return h.id }

// Queue normalizes env and appends it for fan-out to target, which is an
// instance id, a "group:<name>" address or "*". It returns the item's
// sequence number.
func (h *Hub) Queue(ctx context.Context, target string, env protocol.Envelope) (uint64, error) {
	if env == nil {
		return 0, ErrNilEnvelope
	}
	if target == "" {
		return 0, ErrNoTarget
	}
	if h.isClosed() {
		return 0, ErrClosed
	}

	ctx, span := h.startSpan(ctx, "hub.queue",
		attribute.String("target", target),
		attribute.String("command", string(env.Command())))
	defer endSpan(span, nil)

	env = h.normalizer.Normalize(env)

	h.produce.Lock()
	seq := h.ring.Add(delivery.Item{Target: target, Envelope: env})
	h.produce.Unlock()

	if h.metrics != nil {
		h.metrics.RecordQueued(env.Command())
	}
	h.notify(ctx, events.CommandQueued{Address: target, Command: string(env.Command()), Sequence: seq})

	h.logger.Debug("command_queued",
		slog.String("target", target),
		slog.String("command", string(env.Command())),
		slog.Uint64("sequence", seq))

	return seq, nil
}

// Publish normalizes env received from instance in the given version and
// hands it to the Receiver.
func (h *Hub) Publish(ctx context.Context, instance string, version protocol.Version, env protocol.Envelope) (err error) {
	if env == nil {
		return ErrNilEnvelope
	}
	if h.receiver == nil {
		return ErrNoReceiver
	}
	if h.isClosed() {
		return ErrClosed
	}

	start := time.Now()
	ctx, span := h.startSpan(ctx, "hub.publish",
		attribute.String("instance", instance),
		attribute.String("version", version.String()),
		attribute.String("command", string(env.Command())))
	defer func() { endSpan(span, err) }()

	canonical := h.normalizer.Normalize(env)
	if err := h.receiver.Recv(ctx, canonical, instance); err != nil {
		if h.metrics != nil {
			h.metrics.RecordError("receiver")
		}
		return fmt.Errorf("receiver: %w", err)
	}

	if h.metrics != nil {
		h.metrics.RecordPublishDuration(float64(time.Since(start).Microseconds()) / 1000)
	}
	h.notify(ctx, events.CommandReceived{Instance: instance, Command: string(env.Command()), Version: version.String()})

	return nil
}

// Subscribe runs a stream for req over w until ctx ends, the writer fails or
// the hub closes. Invalid requests fail before anything is written.
func (h *Hub) Subscribe(ctx context.Context, req SubscribeRequest, w session.LineWriter) error {
	opts := session.Options{
		Instance:   req.Instance,
		Version:    req.Version,
		Config:     h.sessionCfg,
		Clock:      h.clock,
		Normalizer: h.normalizer,
		Logger:     h.logger,
	}
	if h.metrics != nil {
		opts.Observer = h.metrics
	}
	stream, err := session.New(h.ring, w, opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := &subscriber{stream: stream, cancel: cancel, transport: req.Transport, remoteAddr: req.RemoteAddr}
	if err := h.register(sub); err != nil {
		return err
	}
	defer h.wg.Done()

	if h.metrics != nil {
		h.metrics.RecordSubscribe(req.Transport, req.Version)
	}
	h.notify(ctx, events.SubscriberConnected{
		StreamID:   stream.ID(),
		Instance:   stream.Instance(),
		Groups:     stream.Groups(),
		Version:    req.Version.String(),
		Transport:  req.Transport,
		RemoteAddr: req.RemoteAddr,
	})
	h.logger.Info("subscriber_connected",
		slog.String("stream_id", stream.ID()),
		slog.String("instance", stream.Instance()),
		slog.String("version", req.Version.String()),
		slog.String("transport", req.Transport),
		slog.String("remote_addr", req.RemoteAddr))

	runErr := stream.Run(ctx)

	reason := ReasonNormal
	switch {
	case runErr != nil:
		reason = ReasonError
	case h.isClosed():
		reason = ReasonShutdown
	}
	h.unregister(stream.ID())

	stats := stream.Stats()
	ev := events.SubscriberDisconnected{
		StreamID:   stream.ID(),
		Instance:   stream.Instance(),
		Reason:     reason,
		DurationMs: h.clock.Now().Sub(stream.StartedAt()).Milliseconds(),
		Delivered:  stats.Delivered,
		Dropped:    stats.Dropped,
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	if h.metrics != nil {
		h.metrics.RecordUnsubscribe(reason)
	}
	h.notify(context.WithoutCancel(ctx), ev)

	attrs := []any{
		slog.String("stream_id", stream.ID()),
		slog.String("instance", stream.Instance()),
		slog.String("reason", reason),
		slog.Uint64("delivered", stats.Delivered),
		slog.Uint64("dropped", stats.Dropped),
	}
	if runErr != nil {
		h.logger.Warn("subscriber_disconnected", append(attrs, slog.String("error", runErr.Error()))...)
	} else {
		h.logger.Info("subscriber_disconnected", attrs...)
	}

	return runErr
}

func (h *Hub) register(sub *subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.streams[sub.stream.ID()] = sub
	h.wg.Add(1)
	return nil
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.streams, id)
	h.mu.Unlock()
}

// Disconnect ends the stream with the given id. It reports whether the
// stream was open.
func (h *Hub) Disconnect(id string) bool {
	h.mu.RLock()
	sub, ok := h.streams[id]
	h.mu.RUnlock()
	if ok {
		sub.cancel()
	}
	return ok
}

// Subscribers lists open streams.
func (h *Hub) Subscribers() []StreamInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]StreamInfo, 0, len(h.streams))
	for _, sub := range h.streams {
		s := sub.stream
		out = append(out, StreamInfo{
			ID:         s.ID(),
			Instance:   s.Instance(),
			Groups:     s.Groups(),
			Version:    s.Version().String(),
			Transport:  sub.transport,
			RemoteAddr: sub.remoteAddr,
			StartedAt:  s.StartedAt(),
			Stats:      s.Stats(),
		})
	}
	return out
}

// Stats returns a snapshot of the queue and open streams.
func (h *Hub) Stats() Stats {
	streams := h.Subscribers()
	return Stats{
		ID:          h.id,
		Sequence:    h.ring.Sequence(),
		Queued:      h.ring.Len(),
		Capacity:    h.ring.Cap(),
		MaxAgeMs:    h.ring.MaxAge().Milliseconds(),
		Subscribers: len(streams),
		Streams:     streams,
	}
}

// Ready reports whether the hub accepts work.
func (h *Hub) Ready() bool {
	return !h.isClosed()
}

// Close stops accepting work, ends every open stream and waits for them to
// return or ctx to end.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for _, sub := range h.streams {
		sub.cancel()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub_closed", slog.String("hub_id", h.id))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

func (h *Hub) notify(ctx context.Context, ev events.Event) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(ctx, ev); err != nil {
		h.logger.Debug("event_notify_failed",
			slog.String("event_type", ev.Type()),
			slog.String("error", err.Error()))
	}
}

func (h *Hub) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return h.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
