// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the versioned control-plane wire protocol: the
// closed set of command envelopes each version accepts and their newline
// delimited JSON encoding.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Command is the envelope discriminator, carried as "_c" on the wire.
type Command string

const (
	CmdHello                Command = "Hello"
	CmdFlushRoute           Command = "FlushRoute"
	CmdSetRoute             Command = "SetRoute"
	CmdRemoveRoute          Command = "RemoveRoute"
	CmdHandshakeRoute       Command = "HandshakeRoute"
	CmdHandshakeIdent       Command = "HandshakeIdent"
	CmdListRouteRequest     Command = "ListRouteRequest"
	CmdListRouteResponse    Command = "ListRouteResponse"
	CmdListSessionsRequest  Command = "ListSessionsRequest"
	CmdListSessionsResponse Command = "ListSessionsResponse"
	CmdListStatsRequest     Command = "ListStatsRequest"
	CmdListStatsResponse    Command = "ListStatsResponse"
	CmdFlushTunnelTokens    Command = "FlushTunnelTokens"
	CmdSetTunnelToken       Command = "SetTunnelToken"

	numCommands = 14
)

// Commands lists every command name known to any version.
var Commands = [...]Command{
	CmdHello,
	CmdFlushRoute,
	CmdSetRoute,
	CmdRemoveRoute,
	CmdHandshakeRoute,
	CmdHandshakeIdent,
	CmdListRouteRequest,
	CmdListRouteResponse,
	CmdListSessionsRequest,
	CmdListSessionsResponse,
	CmdListStatsRequest,
	CmdListStatsResponse,
	CmdFlushTunnelTokens,
	CmdSetTunnelToken,
}

// Fails to compile when a command is added to one list and not the other.
var _ [numCommands]Command = Commands

// Envelope is one command value. The set of implementations is closed to this
// package.
type Envelope interface {
	Command() Command
	isEnvelope()
}

type (
	Hello             struct{}
	FlushRoute        struct{}
	ListRouteRequest  struct{}
	FlushTunnelTokens struct{}
)

// SetRoute upserts one canonical route.
type SetRoute struct {
	Route
}

// SetRouteV1 upserts one legacy route.
type SetRouteV1 struct {
	RouteV1
}

// RemoveRoute deletes the route with the given id.
type RemoveRoute struct {
	ID int64 `json:"id"`
}

// HandshakeRoute reports which route an instance handshake resolved to.
type HandshakeRoute struct {
	Active int64 `json:"active"`
}

// HandshakeIdent announces the identity of an instance.
type HandshakeIdent struct {
	ID string `json:"id"`
}

// ListRouteResponse carries a full canonical route table.
type ListRouteResponse struct {
	Routes []Route `json:"_v"`
}

func (r ListRouteResponse) MarshalJSON() ([]byte, error) {
	type plain ListRouteResponse
	return json.Marshal(plain{Routes: orEmpty(r.Routes)})
}

// ListRouteResponseV1 carries a full legacy route table.
type ListRouteResponseV1 struct {
	Routes []RouteV1 `json:"_v"`
}

func (r ListRouteResponseV1) MarshalJSON() ([]byte, error) {
	type plain ListRouteResponseV1
	return json.Marshal(plain{Routes: orEmpty(r.Routes)})
}

// ListSessionsRequest asks an instance for its live sessions.
type ListSessionsRequest struct {
	Req uint64 `json:"req"`
}

// ListSessionsResponse answers the request with the matching Req.
type ListSessionsResponse struct {
	Req      uint64           `json:"req"`
	Sessions []SessionInspect `json:"_v"`
}

func (r ListSessionsResponse) MarshalJSON() ([]byte, error) {
	type plain ListSessionsResponse
	return json.Marshal(plain{Req: r.Req, Sessions: orEmpty(r.Sessions)})
}

// ListStatsRequest asks an instance for a statistics snapshot.
type ListStatsRequest struct {
	Req uint64 `json:"req"`
}

// ListStatsResponse answers the request with the matching Req.
type ListStatsResponse struct {
	StatsSnapshot
}

// SetTunnelToken installs one tunnel credential.
type SetTunnelToken struct {
	KeyID  string  `json:"key_id"`
	Secret string  `json:"secret"`
	Name   *string `json:"name,omitempty"`
	Zone   *uint32 `json:"zone,omitempty"`
}

func (Hello) Command() Command                { return CmdHello }
func (FlushRoute) Command() Command           { return CmdFlushRoute }
func (SetRoute) Command() Command             { return CmdSetRoute }
func (SetRouteV1) Command() Command           { return CmdSetRoute }
func (RemoveRoute) Command() Command          { return CmdRemoveRoute }
func (HandshakeRoute) Command() Command       { return CmdHandshakeRoute }
func (HandshakeIdent) Command() Command       { return CmdHandshakeIdent }
func (ListRouteRequest) Command() Command     { return CmdListRouteRequest }
func (ListRouteResponse) Command() Command    { return CmdListRouteResponse }
func (ListRouteResponseV1) Command() Command  { return CmdListRouteResponse }
func (ListSessionsRequest) Command() Command  { return CmdListSessionsRequest }
func (ListSessionsResponse) Command() Command { return CmdListSessionsResponse }
func (ListStatsRequest) Command() Command     { return CmdListStatsRequest }
func (ListStatsResponse) Command() Command    { return CmdListStatsResponse }
func (FlushTunnelTokens) Command() Command    { return CmdFlushTunnelTokens }
func (SetTunnelToken) Command() Command       { return CmdSetTunnelToken }

func (Hello) isEnvelope()                {}
func (FlushRoute) isEnvelope()           {}
func (SetRoute) isEnvelope()             {}
func (SetRouteV1) isEnvelope()           {}
func (RemoveRoute) isEnvelope()          {}
func (HandshakeRoute) isEnvelope()       {}
func (HandshakeIdent) isEnvelope()       {}
func (ListRouteRequest) isEnvelope()     {}
func (ListRouteResponse) isEnvelope()    {}
func (ListRouteResponseV1) isEnvelope()  {}
func (ListSessionsRequest) isEnvelope()  {}
func (ListSessionsResponse) isEnvelope() {}
func (ListStatsRequest) isEnvelope()     {}
func (ListStatsResponse) isEnvelope()    {}
func (FlushTunnelTokens) isEnvelope()    {}
func (SetTunnelToken) isEnvelope()       {}

// Version is a protocol revision.
type Version uint8

const (
	V1 Version = 1
	V2 Version = 2
	V3 Version = 3

	// Canonical is the shape every envelope is normalized to before it is
	// queued or handed to the host.
	Canonical = V2
)

func (v Version) String() string {
	return fmt.Sprintf("v%d", uint8(v))
}

// ParseVersion accepts "v1", "v2", "v3" (or the bare digit).
func ParseVersion(s string) (Version, error) {
	switch s {
	case "v1", "V1", "1":
		return V1, nil
	case "v2", "V2", "2":
		return V2, nil
	case "v3", "V3", "3":
		return V3, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedVersion, s)
}
