// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package compat collapses envelopes of every supported protocol version into
// the canonical shape.
package compat

import "github.com/absmach/fluxhub/protocol"

// Normalizer maps envelopes to canonical form. The zero value uses zone 0 for
// legacy routes.
type Normalizer struct {
	// DefaultZone is assigned to legacy routes, which carry no zone.
	DefaultZone uint32
}

// New returns a Normalizer that places legacy routes in defaultZone.
func New(defaultZone uint32) Normalizer {
	return Normalizer{DefaultZone: defaultZone}
}

var std Normalizer

// Normalize maps env to canonical form using zone 0 for legacy routes.
func Normalize(env protocol.Envelope) protocol.Envelope {
	return std.Normalize(env)
}

// Normalize returns the canonical equivalent of env. It never fails; envelopes
// without legacy route fields are returned unchanged.
func (n Normalizer) Normalize(env protocol.Envelope) protocol.Envelope {
	switch e := env.(type) {
	case protocol.SetRouteV1:
		return protocol.SetRoute{Route: n.Route(e.RouteV1)}
	case protocol.ListRouteResponseV1:
		return n.routeList(e.Routes)
	default:
		return env
	}
}

// Route converts one legacy route record.
func (n Normalizer) Route(r protocol.RouteV1) protocol.Route {
	var flags protocol.Flags
	if r.Disabled {
		flags = flags.With(protocol.FlagDisabled)
	}
	if r.OverrideQuery {
		flags = flags.With(protocol.FlagOverrideQuery)
	}
	if r.Handshake == protocol.HandshakeHAProxy {
		flags = flags.With(protocol.FlagProxyProtocol)
	}

	return protocol.Route{
		ID:        r.ID,
		Zone:      n.DefaultZone,
		Priority:  r.Priority,
		Flags:     flags,
		Matchers:  r.Matchers,
		Endpoints: r.Endpoints,
	}
}

func (n Normalizer) routeList(in []protocol.RouteV1) protocol.ListRouteResponse {
	if in == nil {
		return protocol.ListRouteResponse{}
	}
	out := make([]protocol.Route, len(in))
	for i, r := range in {
		out[i] = n.Route(r)
	}
	return protocol.ListRouteResponse{Routes: out}
}
