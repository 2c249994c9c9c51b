// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package serialize

import (
	"bytes"
	"reflect"
	"testing"
)

func TestRegistryResolution(t *testing.T) {
	r := NewRegistry()

	t.Run("bytes resolve to raw codec", func(t *testing.T) {
		s, err := r.For(reflect.TypeOf([]byte(nil)), nil)
		if err != nil {
			t.Fatalf("For: %v", err)
		}
		if s.Ext() != "bin" {
			t.Errorf("want bin codec, got %q", s.Ext())
		}
	})

	t.Run("string resolves to text codec", func(t *testing.T) {
		s, err := r.For(reflect.TypeOf(""), nil)
		if err != nil {
			t.Fatalf("For: %v", err)
		}
		if s.Ext() != "txt" {
			t.Errorf("want txt codec, got %q", s.Ext())
		}
	})

	t.Run("structs fall into the JSON category", func(t *testing.T) {
		type record struct{ N int }
		s, err := r.For(reflect.TypeOf(record{}), nil)
		if err != nil {
			t.Fatalf("For: %v", err)
		}
		if s.Ext() != "json" {
			t.Errorf("want json codec, got %q", s.Ext())
		}
	})

	t.Run("nil type defaults to JSON", func(t *testing.T) {
		s, err := r.For(nil, nil)
		if err != nil {
			t.Fatalf("For: %v", err)
		}
		if s.Ext() != "json" {
			t.Errorf("want json codec, got %q", s.Ext())
		}
	})

	t.Run("channels fall back to gob", func(t *testing.T) {
		s, err := r.For(reflect.TypeOf(make(chan int)), nil)
		if err != nil {
			t.Fatalf("For: %v", err)
		}
		vs, ok := s.(VersionSensitive)
		if !ok || !vs.VersionSensitive() {
			t.Error("gob fallback should report itself version sensitive")
		}
	})

	t.Run("override wins over everything", func(t *testing.T) {
		y := YAML()
		s, err := r.For(reflect.TypeOf(""), y)
		if err != nil {
			t.Fatalf("For: %v", err)
		}
		if s != y {
			t.Error("explicit override was not honored")
		}
	})

	t.Run("exact registration beats the JSON category", func(t *testing.T) {
		type record struct{ N int }
		r2 := NewRegistry()
		r2.Register(reflect.TypeOf(record{}), YAML())
		s, err := r2.For(reflect.TypeOf(record{}), nil)
		if err != nil {
			t.Fatalf("For: %v", err)
		}
		if s.Ext() != "yaml" {
			t.Errorf("want yaml codec, got %q", s.Ext())
		}
	})
}

func TestCodecRoundTrips(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		s := JSON()
		var buf bytes.Buffer
		in := map[string]any{"rows": float64(42), "ok": true}
		if err := s.Encode(&buf, in); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		out, err := s.Decode(&buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Errorf("round trip mismatch: %#v != %#v", in, out)
		}
	})

	t.Run("text", func(t *testing.T) {
		s := Text()
		var buf bytes.Buffer
		if err := s.Encode(&buf, "hello"); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		out, err := s.Decode(&buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if out != "hello" {
			t.Errorf("got %v", out)
		}
	})

	t.Run("raw", func(t *testing.T) {
		s := Raw()
		var buf bytes.Buffer
		if err := s.Encode(&buf, []byte{0x01, 0x02}); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		out, err := s.Decode(&buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !bytes.Equal(out.([]byte), []byte{0x01, 0x02}) {
			t.Errorf("got %v", out)
		}
	})

	t.Run("probe accepts a healthy codec", func(t *testing.T) {
		if err := Probe(JSON(), map[string]any{"x": float64(1)}); err != nil {
			t.Errorf("Probe: %v", err)
		}
	})
}

func TestNormalizeJSON(t *testing.T) {
	in := map[string]int{"a": 1}
	got, err := NormalizeJSON(in)
	if err != nil {
		t.Fatalf("NormalizeJSON: %v", err)
	}
	want := map[string]any{"a": float64(1)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v want %#v", got, want)
	}
}
