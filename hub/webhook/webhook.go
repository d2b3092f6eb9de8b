// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers hub lifecycle events to HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/fluxhub/hub/events"
)

// Notifier sends event notifications asynchronously.
type Notifier interface {
	// Notify queues an event for delivery (non-blocking).
	Notify(ctx context.Context, event events.Event) error

	// Close gracefully shuts down, flushing pending events.
	Close() error
}

// Sender is the protocol-specific sender interface.
type Sender interface {
	// Send sends a webhook payload to the specified URL.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
