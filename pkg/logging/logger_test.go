// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"Error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			if got := tt.level.toSlogLevel(); got != tt.want {
				t.Errorf("toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// File Logging Tests
// =============================================================================

// readLogLines parses each JSON line from today's log file for a service.
func readLogLines(t *testing.T, dir, service string) []map[string]any {
	t.Helper()
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestFileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "kilntest",
		Quiet:   true,
	})

	logger.Info("build started", "build_ref", "abc123")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := readLogLines(t, dir, "kilntest")
	if len(entries) != 1 {
		t.Fatalf("want 1 log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["msg"] != "build started" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["build_ref"] != "abc123" {
		t.Errorf("build_ref = %v", entry["build_ref"])
	}
	if entry["service"] != "kilntest" {
		t.Errorf("service attribute = %v", entry["service"])
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %v", entry["level"])
	}
}

func TestFileLogging_LevelFilter(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelWarn,
		LogDir:  dir,
		Service: "kilntest",
		Quiet:   true,
	})

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept")
	logger.Error("kept too")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := readLogLines(t, dir, "kilntest")
	if len(entries) != 2 {
		t.Fatalf("want 2 entries above the level floor, got %d", len(entries))
	}
	if entries[0]["level"] != "WARN" || entries[1]["level"] != "ERROR" {
		t.Errorf("unexpected levels: %v, %v", entries[0]["level"], entries[1]["level"])
	}
}

func TestFileLogging_Appends(t *testing.T) {
	dir := t.TempDir()

	first := New(Config{LogDir: dir, Service: "kilntest", Quiet: true})
	first.Info("from first run")
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := New(Config{LogDir: dir, Service: "kilntest", Quiet: true})
	second.Info("from second run")
	if err := second.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := readLogLines(t, dir, "kilntest")
	if len(entries) != 2 {
		t.Errorf("reopening the same day should append, got %d entries", len(entries))
	}
}

func TestFileLogging_DefaultServiceName(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Quiet: true})
	logger.Info("unnamed service")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := readLogLines(t, dir, "kiln")
	if len(entries) != 1 {
		t.Errorf("want 1 entry under the kiln default name, got %d", len(entries))
	}
}

func TestWith(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "kilntest", Quiet: true})

	child := logger.With("component", "engine")
	child.Info("scoped")
	logger.Info("unscoped")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := readLogLines(t, dir, "kilntest")
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
	if entries[0]["component"] != "engine" {
		t.Errorf("child entry missing component attr: %v", entries[0])
	}
	if _, ok := entries[1]["component"]; ok {
		t.Error("With leaked attributes into the parent logger")
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_NoFile(t *testing.T) {
	logger := New(Config{Level: LevelInfo, Service: "kiln"})
	if logger.Slog() == nil {
		t.Fatal("Slog() returned nil")
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close without a file should be a no-op, got %v", err)
	}
}

func TestNew_QuietNoFile(t *testing.T) {
	// Quiet with no log dir still needs a working handler.
	logger := New(Config{Quiet: true})
	logger.Info("goes nowhere")
	if err := logger.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNew_UnwritableLogDir(t *testing.T) {
	// A log dir that cannot be created degrades to stderr-only.
	logger := New(Config{
		LogDir:  filepath.Join(string(os.PathSeparator), "proc", "no-such-dir", "logs"),
		Service: "kilntest",
	})
	logger.Info("still works")
	if err := logger.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	if logger == nil || logger.Slog() == nil {
		t.Fatal("Default() did not produce a usable logger")
	}
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	logger := slog.New(h)

	logger.Debug("debug only")
	logger.Warn("both")

	if got := strings.Count(a.String(), "\n"); got != 2 {
		t.Errorf("debug-level handler got %d records, want 2", got)
	}
	if got := strings.Count(b.String(), "\n"); got != 1 {
		t.Errorf("warn-level handler got %d records, want 1", got)
	}
}

func TestMultiHandler_WithAttrs(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	}}
	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("service", "kiln")}))

	logger.Info("tagged")

	for name, buf := range map[string]*bytes.Buffer{"first": &a, "second": &b} {
		if !strings.Contains(buf.String(), `"service":"kiln"`) {
			t.Errorf("%s handler missing the shared attribute: %s", name, buf.String())
		}
	}
}

func TestMultiHandler_WithGroup(t *testing.T) {
	var a bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, nil),
	}}
	logger := slog.New(h.WithGroup("build"))

	logger.Info("grouped", "ref", "abc")

	var entry map[string]any
	if err := json.Unmarshal(a.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	group, ok := entry["build"].(map[string]any)
	if !ok || group["ref"] != "abc" {
		t.Errorf("group attributes not nested: %v", entry)
	}
}

// =============================================================================
// Path Expansion Tests
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	tests := []struct {
		input string
		want  string
	}{
		{"~/logs", filepath.Join(home, "logs")},
		{"/var/log/kiln", "/var/log/kiln"},
		{"relative/logs", "relative/logs"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := expandPath(tt.input); got != tt.want {
				t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
