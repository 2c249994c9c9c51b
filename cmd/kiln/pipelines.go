// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"sort"

	"github.com/AleutianAI/kiln/examples/sumrange"
	"github.com/AleutianAI/kiln/task"
)

// pipelineFn builds the root task of a named pipeline.
type pipelineFn func() task.Task

// pipelines maps CLI pipeline names to their root tasks. Teams embedding
// kiln register their own in a dedicated binary; this one ships the demo.
var pipelines = map[string]pipelineFn{
	"demo": sumrange.Demo,
}

func pipelineNames() []string {
	names := make([]string, 0, len(pipelines))
	for name := range pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
