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

import "sort"

// Params is a task's typed parameter mapping.
//
// Description:
//
//	Keys are parameter names; values may be primitives (bool, integers,
//	floats, strings, time.Time), order-significant slices, unordered
//	string-keyed maps, nested Tasks, or nil. Map key order is not
//	significant for identity; slice element order is.
//
//	Params are read-only after declaration. Mutating a Params value after
//	handing it to a task is a caller bug.
type Params map[string]any

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Tasks returns the nested Task values in sorted-key order.
//
// Description:
//
//	Walks the parameter tree (maps and slices included) and collects every
//	nested Task. Used by the dependency resolver to treat task-valued
//	parameters as implicit dependencies.
func (p Params) Tasks() []Task {
	var tasks []Task
	for _, k := range p.Keys() {
		tasks = appendTasks(tasks, p[k])
	}
	return tasks
}

func appendTasks(tasks []Task, v any) []Task {
	switch v := v.(type) {
	case Task:
		return append(tasks, v)
	case []any:
		for _, e := range v {
			tasks = appendTasks(tasks, e)
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tasks = appendTasks(tasks, v[k])
		}
	case Params:
		for _, k := range v.Keys() {
			tasks = appendTasks(tasks, v[k])
		}
	}
	return tasks
}
