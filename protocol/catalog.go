// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/absmach/fluxhub/internal/bufpool"
)

// discriminator is the wire key carrying the command name.
const discriminator = "_c"

// Catalog is the immutable command table of one protocol version.
type Catalog struct {
	version Version
	entries map[Command]*variant
}

// variant describes the payload shape of one command.
type variant struct {
	typ    reflect.Type
	schema *schema
}

var (
	catalogV2 = newCatalog(V2,
		Hello{},
		FlushRoute{},
		SetRoute{},
		RemoveRoute{},
		HandshakeRoute{},
		HandshakeIdent{},
		ListRouteRequest{},
		ListRouteResponse{},
		ListSessionsRequest{},
		ListSessionsResponse{},
		ListStatsRequest{},
		ListStatsResponse{},
	)

	// V1 differs from V2 only in the route record shape.
	catalogV1 = extend(catalogV2, V1,
		SetRouteV1{},
		ListRouteResponseV1{},
	)

	catalogV3 = extend(catalogV2, V3,
		FlushTunnelTokens{},
		SetTunnelToken{},
	)
)

// CatalogFor returns the catalog of version v.
func CatalogFor(v Version) (*Catalog, error) {
	switch v {
	case V1:
		return catalogV1, nil
	case V2:
		return catalogV2, nil
	case V3:
		return catalogV3, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, uint8(v))
}

// MustCatalog is CatalogFor for versions known to exist.
func MustCatalog(v Version) *Catalog {
	c, err := CatalogFor(v)
	if err != nil {
		panic(err)
	}
	return c
}

func newCatalog(v Version, defs ...Envelope) *Catalog {
	return extend(&Catalog{entries: map[Command]*variant{}}, v, defs...)
}

// extend builds a new catalog from base plus additions. An addition whose
// command already exists in base replaces that entry. base is not modified.
func extend(base *Catalog, v Version, additions ...Envelope) *Catalog {
	entries := make(map[Command]*variant, len(base.entries)+len(additions))
	for cmd, vr := range base.entries {
		entries[cmd] = vr
	}
	for _, def := range additions {
		entries[def.Command()] = describe(reflect.TypeOf(def))
	}
	return &Catalog{version: v, entries: entries}
}

// Version returns the catalog's protocol version.
func (c *Catalog) Version() Version {
	return c.version
}

// Has reports whether cmd belongs to this version.
func (c *Catalog) Has(cmd Command) bool {
	_, ok := c.entries[cmd]
	return ok
}

// Commands returns the catalog's command names, sorted.
func (c *Catalog) Commands() []Command {
	out := make([]Command, 0, len(c.entries))
	for cmd := range c.entries {
		out = append(out, cmd)
	}
	slices.Sort(out)
	return out
}

// Conforms reports whether env is the variant this version uses for its command.
func (c *Catalog) Conforms(env Envelope) bool {
	if env == nil {
		return false
	}
	vr, ok := c.entries[env.Command()]
	return ok && reflect.TypeOf(env) == vr.typ
}

// Create builds the envelope for cmd from a JSON object payload. An empty
// payload is accepted for commands without required fields.
func (c *Catalog) Create(cmd Command, payload []byte) (Envelope, error) {
	vr, ok := c.entries[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s", ErrUnknownCommand, cmd, c.version)
	}

	fields := map[string]json.RawMessage{}
	if p := bytes.TrimSpace(payload); len(p) > 0 && !bytes.Equal(p, []byte("null")) {
		if err := json.Unmarshal(p, &fields); err != nil {
			return nil, fmt.Errorf("%w: %s payload must be a JSON object: %v", ErrInvalidPayload, cmd, err)
		}
	}
	return vr.build(cmd, fields)
}

// Decode parses and validates one wire value (with or without the trailing
// newline).
func (c *Catalog) Decode(data []byte) (Envelope, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: envelope must be a JSON object: %v", ErrInvalidPayload, err)
	}

	raw, ok := fields[discriminator]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrInvalidPayload, discriminator)
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return nil, fmt.Errorf("%w: %q must be a string", ErrInvalidPayload, discriminator)
	}
	delete(fields, discriminator)

	cmd := Command(name)
	vr, ok := c.entries[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s", ErrUnknownCommand, cmd, c.version)
	}
	return vr.build(cmd, fields)
}

// Encode renders env as one newline-terminated line of this version's wire form.
func (c *Catalog) Encode(env Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrEncodeFailure)
	}
	if !c.Conforms(env) {
		return nil, fmt.Errorf("%w: %T is not a %s %s variant", ErrEncodeFailure, env, c.version, env.Command())
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncodeFailure, env.Command(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %s did not encode to an object", ErrEncodeFailure, env.Command())
	}

	name, _ := json.Marshal(string(env.Command()))

	return bufpool.Encode(func(buf *bytes.Buffer) error {
		buf.WriteString(`{"` + discriminator + `":`)
		buf.Write(name)
		if rest := body[1:]; rest[0] != '}' {
			buf.WriteByte(',')
			buf.Write(rest)
		} else {
			buf.WriteByte('}')
		}
		buf.WriteByte('\n')
		return nil
	})
}

func (vr *variant) build(cmd Command, fields map[string]json.RawMessage) (Envelope, error) {
	if err := vr.schema.check("", fields); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, cmd, err)
	}

	ptr := reflect.New(vr.typ)
	if len(fields) > 0 {
		obj, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, cmd, err)
		}
		if err := json.Unmarshal(obj, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, cmd, err)
		}
	}
	return ptr.Elem().Interface().(Envelope), nil
}

type fieldKind uint8

const (
	leafField fieldKind = iota
	objectField
	listField
)

// field is the wire rule of one JSON key.
type field struct {
	kind     fieldKind
	required bool
	nullable bool
	// elem is the object schema of a struct field, or of the elements of
	// a list of structs.
	elem *schema
}

// schema is the key set of one JSON object, nested objects included.
type schema struct {
	fields map[string]field
	keys   []string
}

var unmarshalerType = reflect.TypeFor[json.Unmarshaler]()

// describe derives the payload schema of a struct, following embedded
// structs. Keys tagged omitempty are optional; the rest are required and
// must not be null.
func describe(t reflect.Type) *variant {
	return &variant{typ: t, schema: schemaOf(t)}
}

func schemaOf(t reflect.Type) *schema {
	sc := &schema{fields: map[string]field{}}
	collectFields(t, sc)
	for key := range sc.fields {
		sc.keys = append(sc.keys, key)
	}
	slices.Sort(sc.keys)
	return sc
}

func collectFields(t reflect.Type, sc *schema) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			collectFields(f.Type, sc)
			continue
		}
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}

		ft := f.Type
		fd := field{required: !strings.Contains(opts, "omitempty")}
		if ft.Kind() == reflect.Pointer {
			fd.nullable = true
			ft = ft.Elem()
		}
		switch {
		case custom(ft):
		case ft.Kind() == reflect.Struct:
			fd.kind = objectField
			fd.elem = schemaOf(ft)
		case ft.Kind() == reflect.Slice:
			fd.kind = listField
			if et := ft.Elem(); et.Kind() == reflect.Struct && !custom(et) {
				fd.elem = schemaOf(et)
			}
		}
		sc.fields[name] = fd
	}
}

// custom reports whether t decodes itself and is treated as a leaf.
func custom(t reflect.Type) bool {
	return t.Implements(unmarshalerType) || reflect.PointerTo(t).Implements(unmarshalerType)
}

// check validates the keys of one object. path prefixes nested keys in errors.
func (sc *schema) check(path string, obj map[string]json.RawMessage) error {
	for key := range obj {
		if _, ok := sc.fields[key]; !ok {
			return fmt.Errorf("unknown field %q", path+key)
		}
	}

	for _, key := range sc.keys {
		fd := sc.fields[key]
		raw, ok := obj[key]
		if !ok {
			if fd.required {
				return fmt.Errorf("missing field %q", path+key)
			}
			continue
		}
		if isNull(raw) {
			if fd.required && !fd.nullable {
				return fmt.Errorf("field %q must not be null", path+key)
			}
			continue
		}
		if err := fd.check(path+key, raw); err != nil {
			return err
		}
	}
	return nil
}

func (fd field) check(path string, raw json.RawMessage) error {
	switch fd.kind {
	case objectField:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return fmt.Errorf("field %q must be an object", path)
		}
		return fd.elem.check(path+".", obj)
	case listField:
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("field %q must be an array", path)
		}
		for i, item := range items {
			at := fmt.Sprintf("%s[%d]", path, i)
			if isNull(item) {
				return fmt.Errorf("field %q must not be null", at)
			}
			if fd.elem == nil {
				continue
			}
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(item, &obj); err != nil {
				return fmt.Errorf("field %q must be an object", at)
			}
			if err := fd.elem.check(at+".", obj); err != nil {
				return err
			}
		}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Create builds an envelope of version v by command name.
func Create(v Version, cmd Command, payload []byte) (Envelope, error) {
	c, err := CatalogFor(v)
	if err != nil {
		return nil, err
	}
	return c.Create(cmd, payload)
}

// Decode parses one wire value of version v.
func Decode(v Version, data []byte) (Envelope, error) {
	c, err := CatalogFor(v)
	if err != nil {
		return nil, err
	}
	return c.Decode(data)
}

// Encode renders env in the wire form of version v.
func Encode(v Version, env Envelope) ([]byte, error) {
	c, err := CatalogFor(v)
	if err != nil {
		return nil, err
	}
	return c.Encode(env)
}
