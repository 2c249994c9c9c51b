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
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// JSON returns the JSON codec. Numbers decode as float64 and objects as
// map[string]any, matching encoding/json's dynamic defaults.
func JSON() Serializer { return jsonCodec{} }

type jsonCodec struct{}

func (jsonCodec) Encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("%w: json encode: %v", ErrSerialize, err)
	}
	return nil
}

func (jsonCodec) Decode(r io.Reader) (any, error) {
	var v any
	dec := json.NewDecoder(r)
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: json decode: %v", ErrSerialize, err)
	}
	return v, nil
}

func (jsonCodec) Ext() string { return "json" }

// YAML returns the YAML codec (gopkg.in/yaml.v3).
func YAML() Serializer { return yamlCodec{} }

type yamlCodec struct{}

func (yamlCodec) Encode(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("%w: yaml encode: %v", ErrSerialize, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("%w: yaml close: %v", ErrSerialize, err)
	}
	return nil
}

func (yamlCodec) Decode(r io.Reader) (any, error) {
	var v any
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: yaml decode: %v", ErrSerialize, err)
	}
	return v, nil
}

func (yamlCodec) Ext() string { return "yaml" }

// Gob returns the generic fallback codec. Cross-version round-trip is not
// guaranteed; the codec reports VersionSensitive so callers can surface a
// warning when archiving.
func Gob() Serializer { return gobCodec{} }

type gobCodec struct{}

func (gobCodec) Encode(w io.Writer, v any) error {
	enc := gob.NewEncoder(w)
	// Encode through an interface wrapper so Decode can recover the
	// dynamic type without the caller naming it.
	if err := enc.Encode(&v); err != nil {
		return fmt.Errorf("%w: gob encode: %v", ErrSerialize, err)
	}
	return nil
}

func (gobCodec) Decode(r io.Reader) (any, error) {
	var v any
	dec := gob.NewDecoder(r)
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: gob decode: %v", ErrSerialize, err)
	}
	return v, nil
}

func (gobCodec) Ext() string { return "gob" }

func (gobCodec) VersionSensitive() bool { return true }

// Raw returns the pass-through codec for []byte values.
func Raw() Serializer { return rawCodec{} }

type rawCodec struct{}

func (rawCodec) Encode(w io.Writer, v any) error {
	b, ok := v.([]byte)
	if !ok {
		return fmt.Errorf("%w: raw codec requires []byte, got %T", ErrSerialize, v)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("%w: raw write: %v", ErrSerialize, err)
	}
	return nil
}

func (rawCodec) Decode(r io.Reader) (any, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: raw read: %v", ErrSerialize, err)
	}
	return b, nil
}

func (rawCodec) Ext() string { return "bin" }

// Text returns the pass-through codec for string values.
func Text() Serializer { return textCodec{} }

type textCodec struct{}

func (textCodec) Encode(w io.Writer, v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("%w: text codec requires string, got %T", ErrSerialize, v)
	}
	if _, err := io.WriteString(w, s); err != nil {
		return fmt.Errorf("%w: text write: %v", ErrSerialize, err)
	}
	return nil
}

func (textCodec) Decode(r io.Reader) (any, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: text read: %v", ErrSerialize, err)
	}
	return string(b), nil
}

func (textCodec) Ext() string { return "txt" }
