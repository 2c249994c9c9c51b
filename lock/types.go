// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// Sentinel errors for the lock package.
var (
	// ErrLeaseHeld indicates another build holds the lease.
	ErrLeaseHeld = errors.New("execution lease held by another build")

	// ErrLockWaitTimeout indicates the bounded wait was exceeded.
	ErrLockWaitTimeout = errors.New("timed out waiting for execution lease")

	// ErrNotHeld indicates a release of a lease this manager doesn't hold.
	ErrNotHeld = errors.New("lease not held")
)

// Default lease policy. Conservative: a holder renews at a third of the
// TTL, and a lease is only reclaimed when it is expired AND the holder is
// provably dead on this host, or a full extra TTL has passed (remote
// holder presumed dead after two missed renewals' worth of slack).
const (
	DefaultTTL          = 2 * time.Minute
	DefaultWaitTimeout  = 10 * time.Minute
	DefaultPollInterval = 2 * time.Second
)

// LeaseInfo describes the holder of an execution lease.
type LeaseInfo struct {
	TaskID     string    `json:"task_id"`
	BuildRef   string    `json:"build_ref"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease's TTL has lapsed without renewal.
func (i *LeaseInfo) Expired() bool {
	return time.Now().After(i.ExpiresAt)
}

// HeldError reports a lease conflict with the holder's identity, so
// callers can surface "waiting for lock" with the holding build reference.
type HeldError struct {
	Holder *LeaseInfo
}

func (e *HeldError) Error() string {
	if e.Holder == nil {
		return ErrLeaseHeld.Error()
	}
	return fmt.Sprintf("%v: build %s (since %s)",
		ErrLeaseHeld, e.Holder.BuildRef, e.Holder.AcquiredAt.Format(time.RFC3339))
}

func (e *HeldError) Unwrap() error { return ErrLeaseHeld }

// ManagerConfig configures a lease Manager.
type ManagerConfig struct {
	// Dir is the shared lease directory. Builds that must exclude each
	// other point at the same directory (typically alongside the target
	// root).
	Dir string

	// BuildRef identifies this build in lease files.
	BuildRef string

	// TTL is the lease lifetime between renewals. Zero uses DefaultTTL.
	TTL time.Duration

	// RenewalInterval is how often a holder renews. Zero uses TTL/3.
	RenewalInterval time.Duration

	// WaitTimeout bounds Acquire's blocking wait. Zero uses
	// DefaultWaitTimeout.
	WaitTimeout time.Duration

	// PollInterval is the fallback re-check cadence when filesystem
	// notifications are unavailable or missed. Zero uses
	// DefaultPollInterval.
	PollInterval time.Duration

	// Logger for lease events. Nil uses slog.Default().
	Logger *slog.Logger
}

func (c *ManagerConfig) applyDefaults() {
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.RenewalInterval == 0 {
		c.RenewalInterval = c.TTL / 3
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// isProcessAlive reports whether a PID exists on this host.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
