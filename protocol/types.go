// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"
)

// Route is the canonical (V2) route record.
type Route struct {
	ID        int64    `json:"id"`
	Zone      uint32   `json:"zone"`
	Priority  int64    `json:"priority"`
	Flags     Flags    `json:"flags"`
	Matchers  []string `json:"matchers"`
	Endpoints []string `json:"endpoints"`
}

func (r Route) MarshalJSON() ([]byte, error) {
	type plain Route
	p := plain(r)
	p.Matchers = orEmpty(p.Matchers)
	p.Endpoints = orEmpty(p.Endpoints)
	return json.Marshal(p)
}

// Handshake is the V1 upstream handshake mode.
type Handshake string

const (
	HandshakeVanilla Handshake = "Vanilla"
	HandshakeHAProxy Handshake = "HAProxy"
)

func (h Handshake) Valid() bool {
	return h == HandshakeVanilla || h == HandshakeHAProxy
}

func (h Handshake) MarshalJSON() ([]byte, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("%w: handshake %q", ErrEncodeFailure, string(h))
	}
	return json.Marshal(string(h))
}

func (h *Handshake) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: handshake must be a string", ErrInvalidPayload)
	}
	if !Handshake(s).Valid() {
		return fmt.Errorf("%w: handshake %q is not Vanilla or HAProxy", ErrInvalidPayload, s)
	}
	*h = Handshake(s)
	return nil
}

// RouteV1 is the legacy route record. It carries no zone.
type RouteV1 struct {
	ID            int64     `json:"id"`
	Matchers      []string  `json:"matchers"`
	Endpoints     []string  `json:"endpoints"`
	Disabled      bool      `json:"disabled"`
	Priority      int64     `json:"priority"`
	Handshake     Handshake `json:"handshake"`
	OverrideQuery bool      `json:"override_query"`
}

func (r RouteV1) MarshalJSON() ([]byte, error) {
	type plain RouteV1
	p := plain(r)
	p.Matchers = orEmpty(p.Matchers)
	p.Endpoints = orEmpty(p.Endpoints)
	return json.Marshal(p)
}

// TrafficCounters are cumulative byte and chunk counters plus current rates.
type TrafficCounters struct {
	C2SBytes  uint64 `json:"c2s_bytes"`
	S2CBytes  uint64 `json:"s2c_bytes"`
	C2SChunks uint64 `json:"c2s_chunks"`
	S2CChunks uint64 `json:"s2c_chunks"`
	C2SBps    uint64 `json:"c2s_bps"`
	S2CBps    uint64 `json:"s2c_bps"`
}

// Profile identifies the player or client behind a proxied session.
type Profile struct {
	Name string  `json:"name"`
	UUID *string `json:"uuid,omitempty"`
}

// SessionInspect describes one live proxied session.
type SessionInspect struct {
	ID              uint64          `json:"id"`
	Zone            uint32          `json:"zone"`
	RouteID         uint64          `json:"route_id"`
	ClientAddr      string          `json:"client_addr"`
	DestinationAddr string          `json:"destination_addr"`
	Hostname        string          `json:"hostname"`
	EndpointHost    string          `json:"endpoint_host"`
	CreatedAtMs     uint64          `json:"created_at_ms"`
	LastActivityMs  uint64          `json:"last_activity_ms"`
	Traffic         TrafficCounters `json:"traffic"`
	Attributes      map[string]any  `json:"attributes"`
	Profile         Profile         `json:"profile"`
}

func (s SessionInspect) MarshalJSON() ([]byte, error) {
	type plain SessionInspect
	p := plain(s)
	if p.Attributes == nil {
		p.Attributes = map[string]any{}
	}
	return json.Marshal(p)
}

// InstanceStats aggregates one proxy instance.
type InstanceStats struct {
	Inst           string          `json:"inst"`
	UptimeMs       uint64          `json:"uptime_ms"`
	RoutesActive   uint64          `json:"routes_active"`
	SessionsActive uint64          `json:"sessions_active"`
	Traffic        TrafficCounters `json:"traffic"`
}

// RouteStats aggregates one route.
type RouteStats struct {
	ID             uint64          `json:"id"`
	Zone           uint32          `json:"zone"`
	ActiveSessions uint64          `json:"active_sessions"`
	Traffic        TrafficCounters `json:"traffic"`
}

// TenantStats aggregates one zone.
type TenantStats struct {
	Zone           uint32          `json:"zone"`
	ActiveSessions uint64          `json:"active_sessions"`
	Traffic        TrafficCounters `json:"traffic"`
}

// SessionStats is the compact per-session entry of a stats snapshot.
type SessionStats struct {
	ID             uint64          `json:"id"`
	Zone           uint32          `json:"zone"`
	RouteID        uint64          `json:"route_id"`
	LastActivityMs uint64          `json:"last_activity_ms"`
	Traffic        TrafficCounters `json:"traffic"`
}

// StatsSnapshot answers a ListStatsRequest.
type StatsSnapshot struct {
	Req      uint64         `json:"req"`
	Instance InstanceStats  `json:"instance"`
	Tenants  []TenantStats  `json:"tenants"`
	Routes   []RouteStats   `json:"routes"`
	Sessions []SessionStats `json:"sessions"`
}

func (s StatsSnapshot) MarshalJSON() ([]byte, error) {
	type plain StatsSnapshot
	p := plain(s)
	p.Tenants = orEmpty(p.Tenants)
	p.Routes = orEmpty(p.Routes)
	p.Sessions = orEmpty(p.Sessions)
	return json.Marshal(p)
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
