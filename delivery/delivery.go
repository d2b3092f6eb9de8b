// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package delivery decides which subscribers a queued item is addressed to.
package delivery

import (
	"slices"
	"strings"

	"github.com/absmach/fluxhub/protocol"
)

const (
	// Broadcast matches every subscriber.
	Broadcast = "*"

	// GroupPrefix marks a target that addresses a named group.
	GroupPrefix = "group:"

	// DefaultGroup is the membership of a subscriber with an empty identifier.
	DefaultGroup = "default"
)

// Item is one queued command and its address.
type Item struct {
	Target   string
	Envelope protocol.Envelope
}

// Group returns the target addressing the named group.
func Group(name string) string {
	return GroupPrefix + name
}

// ShouldDeliver reports whether an item addressed to target is owed to the
// subscriber with the given id and group membership.
func ShouldDeliver(target, subscriberID string, groups []string) bool {
	if target == Broadcast || target == subscriberID {
		return true
	}
	name, ok := strings.CutPrefix(target, GroupPrefix)
	if !ok {
		return false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	return slices.Contains(groups, name)
}

// ParseGroups derives group membership from an instance identifier: a comma
// separated list of names, trimmed, deduplicated, blanks dropped. An identifier
// yielding no names belongs to DefaultGroup.
func ParseGroups(identifier string) []string {
	return ParseGroupsDefault(identifier, DefaultGroup)
}

// ParseGroupsDefault is ParseGroups with a caller-chosen fallback group.
func ParseGroupsDefault(identifier, fallback string) []string {
	var groups []string
	for _, part := range strings.Split(identifier, ",") {
		name := strings.TrimSpace(part)
		if name == "" || slices.Contains(groups, name) {
			continue
		}
		groups = append(groups, name)
	}
	if len(groups) == 0 {
		return []string{fallback}
	}
	return groups
}
