// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxhub/hub"
	"github.com/absmach/fluxhub/protocol"
)

var _ hub.Receiver = (*Dispatcher)(nil)

// ErrUnhandled is returned for a command with no handler and no fallback.
var ErrUnhandled = errors.New("unhandled command")

// Dispatcher routes commands published by instances to per-command receivers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.Command][]hub.Receiver
	fallback hub.Receiver
}

// NewDispatcher builds a dispatcher. fallback may be nil.
func NewDispatcher(fallback hub.Receiver) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[protocol.Command][]hub.Receiver),
		fallback: fallback,
	}
}

// Handle adds r as a receiver of cmd. Several receivers of one command are
// all called in registration order.
func (d *Dispatcher) Handle(cmd protocol.Command, r hub.Receiver) {
	d.mu.Lock()
	d.handlers[cmd] = append(d.handlers[cmd], r)
	d.mu.Unlock()
}

func (d *Dispatcher) Recv(ctx context.Context, env protocol.Envelope, instance string) error {
	d.mu.RLock()
	receivers := d.handlers[env.Command()]
	d.mu.RUnlock()

	if len(receivers) == 0 {
		if d.fallback == nil {
			return fmt.Errorf("%w: %s", ErrUnhandled, env.Command())
		}
		return d.fallback.Recv(ctx, env, instance)
	}

	var errs []error
	for _, r := range receivers {
		if err := r.Recv(ctx, env, instance); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogReceiver logs every command it receives.
func LogReceiver(logger *slog.Logger) hub.Receiver {
	return hub.ReceiverFunc(func(ctx context.Context, env protocol.Envelope, instance string) error {
		logger.InfoContext(ctx, "command_received",
			slog.String("instance", instance),
			slog.String("command", string(env.Command())))
		return nil
	})
}

// StatsReceiver logs the summary of each ListStatsResponse.
func StatsReceiver(logger *slog.Logger) hub.Receiver {
	return hub.ReceiverFunc(func(ctx context.Context, env protocol.Envelope, instance string) error {
		resp, ok := env.(protocol.ListStatsResponse)
		if !ok {
			return fmt.Errorf("%w: %T is not a stats response", ErrUnhandled, env)
		}
		logger.InfoContext(ctx, "instance_stats",
			slog.String("instance", instance),
			slog.Uint64("req", resp.Req),
			slog.Uint64("uptime_ms", resp.Instance.UptimeMs),
			slog.Uint64("routes_active", resp.Instance.RoutesActive),
			slog.Uint64("sessions_active", resp.Instance.SessionsActive),
			slog.Int("tenants", len(resp.Tenants)))
		return nil
	})
}

// IdentReceiver logs the identity an instance announces.
func IdentReceiver(logger *slog.Logger) hub.Receiver {
	return hub.ReceiverFunc(func(ctx context.Context, env protocol.Envelope, instance string) error {
		ident, ok := env.(protocol.HandshakeIdent)
		if !ok {
			return fmt.Errorf("%w: %T is not a handshake ident", ErrUnhandled, env)
		}
		logger.InfoContext(ctx, "instance_identified",
			slog.String("instance", instance),
			slog.String("ident", ident.ID))
		return nil
	})
}

// NewLogDispatcher builds the standalone host: stats and idents get their
// own log lines, every other command falls back to LogReceiver.
func NewLogDispatcher(logger *slog.Logger) *Dispatcher {
	d := NewDispatcher(LogReceiver(logger))
	d.Handle(protocol.CmdListStatsResponse, StatsReceiver(logger))
	d.Handle(protocol.CmdHandshakeIdent, IdentReceiver(logger))
	return d
}
