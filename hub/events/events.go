// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeSubscriberConnected    = "subscriber.connected"
	TypeSubscriberDisconnected = "subscriber.disconnected"
	TypeCommandReceived        = "command.received"
	TypeCommandQueued          = "command.queued"
)

// Event is the common interface for all hub lifecycle events.
type Event interface {
	// Type returns the event type identifier (e.g., "subscriber.connected").
	Type() string

	// Target returns the instance or address the event concerns.
	Target() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(hubID string) *Envelope
}

// Envelope is the common wrapper for all events sent to webhooks.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	HubID     string `json:"hub_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, hubID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		HubID:     hubID,
		Data:      e,
	}
}

// SubscriberConnected is emitted when a stream opens.
type SubscriberConnected struct {
	StreamID   string   `json:"stream_id"`
	Instance   string   `json:"instance"`
	Groups     []string `json:"groups"`
	Version    string   `json:"version"`
	Transport  string   `json:"transport"` // "http" or "websocket"
	RemoteAddr string   `json:"remote_addr,omitempty"`
}

func (e SubscriberConnected) Type() string                { return TypeSubscriberConnected }
func (e SubscriberConnected) Target() string              { return e.Instance }
func (e SubscriberConnected) Wrap(hubID string) *Envelope { return wrap(e, hubID) }

// SubscriberDisconnected is emitted when a stream ends.
type SubscriberDisconnected struct {
	StreamID   string `json:"stream_id"`
	Instance   string `json:"instance"`
	Reason     string `json:"reason"` // "normal", "error", "shutdown"
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Delivered  uint64 `json:"delivered"`
	Dropped    uint64 `json:"dropped"`
}

func (e SubscriberDisconnected) Type() string                { return TypeSubscriberDisconnected }
func (e SubscriberDisconnected) Target() string              { return e.Instance }
func (e SubscriberDisconnected) Wrap(hubID string) *Envelope { return wrap(e, hubID) }

// CommandReceived is emitted when an instance publishes a command to the hub.
type CommandReceived struct {
	Instance string `json:"instance"`
	Command  string `json:"command"`
	Version  string `json:"version"`
}

func (e CommandReceived) Type() string                { return TypeCommandReceived }
func (e CommandReceived) Target() string              { return e.Instance }
func (e CommandReceived) Wrap(hubID string) *Envelope { return wrap(e, hubID) }

// CommandQueued is emitted when a command is queued for fan-out.
type CommandQueued struct {
	Address  string `json:"target"`
	Command  string `json:"command"`
	Sequence uint64 `json:"sequence"`
}

func (e CommandQueued) Type() string                { return TypeCommandQueued }
func (e CommandQueued) Target() string              { return e.Address }
func (e CommandQueued) Wrap(hubID string) *Envelope { return wrap(e, hubID) }
