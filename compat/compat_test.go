// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package compat

import (
	"testing"

	"github.com/absmach/fluxhub/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_RouteV1(t *testing.T) {
	tests := []struct {
		name  string
		route protocol.RouteV1
		flags protocol.Flags
	}{
		{
			name:  "no flags",
			route: protocol.RouteV1{Handshake: protocol.HandshakeVanilla},
		},
		{
			name:  "disabled",
			route: protocol.RouteV1{Disabled: true, Handshake: protocol.HandshakeVanilla},
			flags: protocol.FlagDisabled,
		},
		{
			name:  "override query",
			route: protocol.RouteV1{OverrideQuery: true, Handshake: protocol.HandshakeVanilla},
			flags: protocol.FlagOverrideQuery,
		},
		{
			name:  "haproxy",
			route: protocol.RouteV1{Handshake: protocol.HandshakeHAProxy},
			flags: protocol.FlagProxyProtocol,
		},
		{
			name: "all",
			route: protocol.RouteV1{
				Disabled:      true,
				OverrideQuery: true,
				Handshake:     protocol.HandshakeHAProxy,
			},
			flags: protocol.FlagDisabled | protocol.FlagOverrideQuery | protocol.FlagProxyProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.route.ID = 9
			tt.route.Priority = -3
			tt.route.Matchers = []string{"a.example"}
			tt.route.Endpoints = []string{"10.0.0.1:25565"}

			got := Normalize(protocol.SetRouteV1{RouteV1: tt.route})
			require.IsType(t, protocol.SetRoute{}, got)
			r := got.(protocol.SetRoute).Route

			assert.Equal(t, tt.flags, r.Flags)
			assert.Equal(t, int64(9), r.ID)
			assert.Equal(t, int64(-3), r.Priority)
			assert.Equal(t, uint32(0), r.Zone)
			assert.Equal(t, []string{"a.example"}, r.Matchers)
			assert.Equal(t, []string{"10.0.0.1:25565"}, r.Endpoints)
		})
	}
}

func TestNormalize_DefaultZone(t *testing.T) {
	n := New(7)
	got := n.Normalize(protocol.SetRouteV1{RouteV1: protocol.RouteV1{ID: 1, Handshake: protocol.HandshakeVanilla}})
	assert.Equal(t, uint32(7), got.(protocol.SetRoute).Zone)

	// Canonical routes keep their own zone.
	canonical := protocol.SetRoute{Route: protocol.Route{ID: 1, Zone: 2}}
	assert.Equal(t, canonical, n.Normalize(canonical))
}

func TestNormalize_RouteList(t *testing.T) {
	in := protocol.ListRouteResponseV1{Routes: []protocol.RouteV1{
		{ID: 1, Handshake: protocol.HandshakeHAProxy},
		{ID: 2, Disabled: true, Handshake: protocol.HandshakeVanilla},
	}}

	got := Normalize(in)
	require.IsType(t, protocol.ListRouteResponse{}, got)
	routes := got.(protocol.ListRouteResponse).Routes
	require.Len(t, routes, 2)
	assert.Equal(t, protocol.FlagProxyProtocol, routes[0].Flags)
	assert.Equal(t, protocol.FlagDisabled, routes[1].Flags)

	empty := Normalize(protocol.ListRouteResponseV1{})
	assert.Equal(t, protocol.ListRouteResponse{}, empty)
}

func TestNormalize_PassThrough(t *testing.T) {
	envs := []protocol.Envelope{
		protocol.Hello{},
		protocol.FlushRoute{},
		protocol.RemoveRoute{ID: 4},
		protocol.HandshakeRoute{Active: 1},
		protocol.HandshakeIdent{ID: "edge-1"},
		protocol.ListRouteRequest{},
		protocol.ListRouteResponse{Routes: []protocol.Route{{ID: 3}}},
		protocol.ListSessionsRequest{Req: 1},
		protocol.ListSessionsResponse{Req: 1},
		protocol.ListStatsRequest{Req: 2},
		protocol.ListStatsResponse{},
		protocol.FlushTunnelTokens{},
		protocol.SetTunnelToken{KeyID: "k", Secret: "s"},
		protocol.SetRoute{Route: protocol.Route{ID: 5, Flags: protocol.FlagTunnel}},
	}

	for _, env := range envs {
		assert.Equal(t, env, Normalize(env), "%T", env)
	}
	assert.Nil(t, Normalize(nil))
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []protocol.Envelope{
		protocol.SetRouteV1{RouteV1: protocol.RouteV1{ID: 1, Disabled: true, Handshake: protocol.HandshakeHAProxy}},
		protocol.ListRouteResponseV1{Routes: []protocol.RouteV1{{ID: 2, OverrideQuery: true, Handshake: protocol.HandshakeVanilla}}},
		protocol.SetRoute{Route: protocol.Route{ID: 3, Flags: protocol.FlagCacheQuery}},
		protocol.SetTunnelToken{KeyID: "k", Secret: "s"},
		protocol.Hello{},
	}

	n := New(4)
	for _, in := range inputs {
		once := n.Normalize(in)
		assert.Equal(t, once, n.Normalize(once), "%T", in)
		assert.True(t, protocol.MustCatalog(protocol.V3).Conforms(once), "%T must be canonical", once)
	}
}

func TestNormalize_DecodedV1Encodes(t *testing.T) {
	env, err := protocol.Decode(protocol.V1, []byte(`{"_c":"SetRoute","id":1,"matchers":["m"],"endpoints":["e"],"disabled":true,"priority":5,"handshake":"HAProxy","override_query":false}`))
	require.NoError(t, err)

	line, err := protocol.Encode(protocol.Canonical, Normalize(env))
	require.NoError(t, err)
	assert.JSONEq(t, `{"_c":"SetRoute","id":1,"zone":0,"priority":5,"flags":["Disabled","ProxyProtocol"],"matchers":["m"],"endpoints":["e"]}`, string(line))
}
