// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package serialize maps Go types to codecs that convert in-memory values
// to and from addressable byte blobs.
//
// Resolution order is deterministic: explicit override, exact registered
// type, JSON-able structural category, then the gob fallback. The registry
// is populated at startup and queried at task declaration time, so a
// misconfigured codec surfaces immediately rather than mid-build.
package serialize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sync"
)

// Serializer converts between an in-memory value and a storable byte
// representation. Round-trip invariant: Decode(Encode(x)) == x for every
// value the codec accepts.
type Serializer interface {
	// Encode writes the value's byte representation to w.
	Encode(w io.Writer, v any) error

	// Decode reads one value from r.
	Decode(r io.Reader) (any, error)

	// Ext is the file extension (without dot) completing a target's
	// relative path, e.g. "json".
	Ext() string
}

// Declarer is implemented by tasks that pin an explicit codec, bypassing
// type-based resolution.
type Declarer interface {
	Serializer() Serializer
}

// VersionSensitive is implemented by codecs whose byte representation is
// not guaranteed to round-trip across releases (the gob fallback). Callers
// that archive targets long-term can check for it and warn.
type VersionSensitive interface {
	VersionSensitive() bool
}

// Registry resolves serializers by type.
//
// Thread Safety:
//
//	Safe for concurrent use after construction. Register calls during
//	concurrent resolution are also safe, though registration normally
//	happens once at startup.
type Registry struct {
	mu       sync.RWMutex
	exact    map[reflect.Type]Serializer
	fallback Serializer
	jsonable Serializer
}

// NewRegistry creates a registry pre-populated with the standard codecs:
// raw bytes, raw string, JSON for JSON-able types, gob as the generic
// fallback.
func NewRegistry() *Registry {
	r := &Registry{
		exact:    make(map[reflect.Type]Serializer),
		jsonable: JSON(),
		fallback: Gob(),
	}
	r.Register(reflect.TypeOf([]byte(nil)), Raw())
	r.Register(reflect.TypeOf(""), Text())
	return r
}

// Register binds a codec to an exact type, replacing any previous binding.
func (r *Registry) Register(rt reflect.Type, s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[rt] = s
}

// For resolves the serializer for a type.
//
// Description:
//
//	Resolution order: explicit override, exact registered type, JSON-able
//	structural category, gob fallback. A nil rt with no override resolves
//	to the JSON codec, which handles the dynamically-typed values produced
//	by closure tasks.
//
// Inputs:
//
//	rt - The declared output type. May be nil when undeclared.
//	override - Explicit codec, or nil.
//
// Outputs:
//
//	Serializer - The resolved codec. Never nil on success.
//	error - ErrNoSerializer if nothing in the chain accepts the type.
func (r *Registry) For(rt reflect.Type, override Serializer) (Serializer, error) {
	if override != nil {
		return override, nil
	}

	if rt == nil {
		return r.jsonable, nil
	}

	r.mu.RLock()
	s, ok := r.exact[rt]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	if jsonable(rt) {
		return r.jsonable, nil
	}

	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSerializer, rt)
}

// jsonable reports whether a type belongs to the JSON-able structural
// category: it marshals cleanly and decodes back to a comparable shape.
func jsonable(rt reflect.Type) bool {
	switch rt.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	case reflect.Pointer:
		return jsonable(rt.Elem())
	default:
		return false
	}
}

// Probe checks that a codec round-trips a representative value. Used by
// startup validation so codec misconfiguration fails fast.
func Probe(s Serializer, v any) error {
	var buf bytes.Buffer
	if err := s.Encode(&buf, v); err != nil {
		return fmt.Errorf("%w: probe encode: %v", ErrSerialize, err)
	}
	if _, err := s.Decode(&buf); err != nil {
		return fmt.Errorf("%w: probe decode: %v", ErrSerialize, err)
	}
	return nil
}

// NormalizeJSON round-trips a value through JSON so in-memory and reloaded
// representations compare equal in tests and cache checks.
func NormalizeJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialize, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialize, err)
	}
	return out, nil
}
