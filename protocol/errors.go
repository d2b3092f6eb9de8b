// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import "errors"

var (
	// ErrUnknownCommand is returned when a command name is not part of a
	// version's catalog.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrEncodeFailure is returned when an envelope does not structurally
	// match any variant of the version's union. Callers must not write
	// anything to the stream when they see it.
	ErrEncodeFailure = errors.New("envelope does not conform to protocol schema")

	// ErrInvalidPayload is returned when inbound bytes fail validation.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnsupportedVersion is returned for protocol versions without a catalog.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)
