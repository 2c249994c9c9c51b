// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"
)

// hashVersion is the canonical-encoding format version. Bump on any change
// to the encoding, since that re-keys every existing target.
const hashVersion = "kiln/v1"

// Hasher derives content-addressed task identities.
//
// Description:
//
//	Hasher canonicalizes a task's (namespace, family, version, params)
//	tuple and produces a fixed-length sha256 hex identifier. Nested tasks
//	are substituted with their own identity rather than their full
//	parameter tree, so hashing cost grows with graph depth, not size.
//	Identities are memoized per task value where the task's dynamic type
//	is comparable.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Hasher struct {
	mu    sync.Mutex
	cache map[Task]string
}

// NewHasher creates a Hasher with an empty memoization cache.
func NewHasher() *Hasher {
	return &Hasher{cache: make(map[Task]string)}
}

var defaultHasher = NewHasher()

// ID derives the identity of a task using the process-wide default Hasher.
//
// Outputs:
//
//	string - 64-character lowercase hex identifier.
//	error - ErrInvalidTask for a malformed declaration, ErrIdentity for a
//	        parameter with no canonical representation.
func ID(t Task) (string, error) {
	return defaultHasher.ID(t)
}

// MustID is ID for declaration sites that have already validated the task.
// Panics on error; use only where the task is known to be hashable.
func MustID(t Task) string {
	id, err := ID(t)
	if err != nil {
		panic(err)
	}
	return id
}

// ID derives the identity of a task.
func (h *Hasher) ID(t Task) (string, error) {
	if err := Validate(t); err != nil {
		return "", err
	}

	cacheable := reflect.TypeOf(t).Comparable()
	if cacheable {
		h.mu.Lock()
		id, ok := h.cache[t]
		h.mu.Unlock()
		if ok {
			return id, nil
		}
	}

	sum := sha256.New()
	writeStr(sum, hashVersion)
	writeStr(sum, "\x00")
	writeStr(sum, t.Namespace())
	writeStr(sum, "\x00")
	writeStr(sum, t.Family())
	writeStr(sum, "\x00")
	writeStr(sum, t.Version())
	writeStr(sum, "\x00")
	if err := h.writeValue(sum, t.Params()); err != nil {
		return "", err
	}

	id := hex.EncodeToString(sum.Sum(nil))
	if cacheable {
		h.mu.Lock()
		h.cache[t] = id
		h.mu.Unlock()
	}
	return id, nil
}

// writeValue appends the canonical encoding of a single parameter value.
//
// The encoding is type-tagged and length-delimited so distinguishable
// values never collide (e.g. the string "1" and the integer 1, or the
// pair ("ab","c") and ("a","bc")).
func (h *Hasher) writeValue(w hash.Hash, v any) error {
	switch v := v.(type) {
	case nil:
		writeStr(w, "z;")
	case bool:
		writeStr(w, "b:")
		writeStr(w, strconv.FormatBool(v))
		writeStr(w, ";")
	case string:
		writeStr(w, "s:")
		writeStr(w, strconv.Itoa(len(v)))
		writeStr(w, ":")
		writeStr(w, v)
		writeStr(w, ";")
	case int:
		h.writeInt(w, int64(v))
	case int8:
		h.writeInt(w, int64(v))
	case int16:
		h.writeInt(w, int64(v))
	case int32:
		h.writeInt(w, int64(v))
	case int64:
		h.writeInt(w, v)
	case uint:
		h.writeUint(w, uint64(v))
	case uint8:
		h.writeUint(w, uint64(v))
	case uint16:
		h.writeUint(w, uint64(v))
	case uint32:
		h.writeUint(w, uint64(v))
	case uint64:
		h.writeUint(w, v)
	case float32:
		h.writeFloat(w, float64(v))
	case float64:
		h.writeFloat(w, v)
	case time.Time:
		writeStr(w, "t:")
		writeStr(w, v.UTC().Format(time.RFC3339Nano))
		writeStr(w, ";")
	case Task:
		// Nested tasks contribute only their identity. A parent's hash
		// therefore depends on the child's id, never its internal tree.
		id, err := h.ID(v)
		if err != nil {
			return err
		}
		writeStr(w, "k:")
		writeStr(w, id)
		writeStr(w, ";")
	case Params:
		return h.writeMap(w, map[string]any(v))
	case map[string]any:
		return h.writeMap(w, v)
	case []any:
		writeStr(w, "l[")
		for _, e := range v {
			if err := h.writeValue(w, e); err != nil {
				return err
			}
		}
		writeStr(w, "]")
	default:
		return h.writeReflected(w, v)
	}
	return nil
}

func (h *Hasher) writeInt(w hash.Hash, v int64) {
	writeStr(w, "i:")
	writeStr(w, strconv.FormatInt(v, 10))
	writeStr(w, ";")
}

func (h *Hasher) writeUint(w hash.Hash, v uint64) {
	// Unsigned values in int64 range hash identically to their signed
	// counterparts, so Params{"n": uint(3)} == Params{"n": 3}.
	if v <= 1<<63-1 {
		h.writeInt(w, int64(v))
		return
	}
	writeStr(w, "u:")
	writeStr(w, strconv.FormatUint(v, 10))
	writeStr(w, ";")
}

func (h *Hasher) writeFloat(w hash.Hash, v float64) {
	writeStr(w, "f:")
	writeStr(w, strconv.FormatFloat(v, 'g', -1, 64))
	writeStr(w, ";")
}

// writeMap encodes an unordered string-keyed map with sorted keys, making
// identity invariant to declaration order.
func (h *Hasher) writeMap(w hash.Hash, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writeStr(w, "m{")
	for _, k := range keys {
		writeStr(w, "s:")
		writeStr(w, strconv.Itoa(len(k)))
		writeStr(w, ":")
		writeStr(w, k)
		writeStr(w, "=")
		if err := h.writeValue(w, m[k]); err != nil {
			return err
		}
	}
	writeStr(w, "}")
	return nil
}

// writeReflected handles typed slices and string-keyed maps that don't
// match the concrete cases above (e.g. []int, map[string]string).
func (h *Hasher) writeReflected(w hash.Hash, v any) error {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		writeStr(w, "l[")
		for i := 0; i < rv.Len(); i++ {
			if err := h.writeValue(w, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		writeStr(w, "]")
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w: map key type %s", ErrIdentity, rv.Type().Key())
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return h.writeMap(w, m)
	default:
		return fmt.Errorf("%w: unsupported parameter type %T", ErrIdentity, v)
	}
}

func writeStr(w io.Writer, s string) {
	// sha256.Hash never returns a write error.
	_, _ = io.WriteString(w, s)
}
