// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/bits"
)

// Flags is the V2 route flag set. On the wire it is either a bitmask integer
// or an array of flag names; it always encodes as the array form.
type Flags uint32

// Route flags, in bitmask order.
const (
	FlagDisabled Flags = 1 << iota
	FlagCacheQuery
	FlagOverrideQuery
	FlagProxyProtocol
	FlagPreserveHost
	FlagTunnel

	flagsKnown = FlagDisabled | FlagCacheQuery | FlagOverrideQuery |
		FlagProxyProtocol | FlagPreserveHost | FlagTunnel
)

var flagNames = [...]struct {
	flag Flags
	name string
}{
	{FlagDisabled, "Disabled"},
	{FlagCacheQuery, "CacheQuery"},
	{FlagOverrideQuery, "OverrideQuery"},
	{FlagProxyProtocol, "ProxyProtocol"},
	{FlagPreserveHost, "PreserveHost"},
	{FlagTunnel, "Tunnel"},
}

// ParseFlag returns the flag with the given wire name.
func ParseFlag(name string) (Flags, bool) {
	for _, fn := range flagNames {
		if fn.name == name {
			return fn.flag, true
		}
	}
	return 0, false
}

// Has reports whether every flag in other is set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// With returns f with other set.
func (f Flags) With(other Flags) Flags {
	return f | other
}

// Valid reports whether only known flags are set.
func (f Flags) Valid() bool {
	return f&^flagsKnown == 0
}

// Names returns the names of the set flags in bitmask order.
func (f Flags) Names() []string {
	names := make([]string, 0, bits.OnesCount32(uint32(f&flagsKnown)))
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return names
}

func (f Flags) String() string {
	return fmt.Sprint(f.Names())
}

func (f Flags) MarshalJSON() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: unknown route flag bits %#x", ErrEncodeFailure, uint32(f&^flagsKnown))
	}
	return json.Marshal(f.Names())
}

func (f *Flags) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var names []string
		if err := json.Unmarshal(data, &names); err != nil {
			return fmt.Errorf("%w: flags: %v", ErrInvalidPayload, err)
		}
		var out Flags
		for _, name := range names {
			flag, ok := ParseFlag(name)
			if !ok {
				return fmt.Errorf("%w: unknown route flag %q", ErrInvalidPayload, name)
			}
			out |= flag
		}
		*f = out
		return nil
	}

	var mask uint32
	if err := json.Unmarshal(data, &mask); err != nil {
		return fmt.Errorf("%w: flags must be a non-negative integer or an array of names", ErrInvalidPayload)
	}
	if !Flags(mask).Valid() {
		return fmt.Errorf("%w: unknown route flag bits %#x", ErrInvalidPayload, mask&^uint32(flagsKnown))
	}
	*f = Flags(mask)
	return nil
}
