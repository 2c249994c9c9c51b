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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Lease is a held execution lease.
//
// Description:
//
//	While held, a background goroutine renews the lease every renewal
//	interval so other builds don't reclaim it mid-run. Release stops the
//	renewal and removes the lease file, waking waiters.
//
// Thread Safety:
//
//	Safe for concurrent use; Release is idempotent.
type Lease struct {
	manager *Manager
	taskID  string
	path    string

	mu   sync.Mutex
	info *LeaseInfo

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newLease(m *Manager, taskID, path string, info *LeaseInfo) *Lease {
	l := &Lease{
		manager: m,
		taskID:  taskID,
		path:    path,
		info:    info,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.renewLoop()
	return l
}

// TaskID returns the task identity this lease guards.
func (l *Lease) TaskID() string { return l.taskID }

// Info returns a snapshot of the lease metadata.
func (l *Lease) Info() LeaseInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.info
}

// Release removes the lease file and stops renewal. Idempotent; safe to
// call from a defer alongside an explicit release on the success path.
func (l *Lease) Release() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stop)
		<-l.done

		if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
			err = fmt.Errorf("removing lease %s: %w", l.path, removeErr)
		}
		l.manager.forget(l.taskID)
		l.manager.logger.Debug("released execution lease",
			slog.String("task_id", l.taskID))
	})
	return err
}

// renewLoop extends the lease until Release.
func (l *Lease) renewLoop() {
	defer close(l.done)

	ticker := time.NewTicker(l.manager.renewal)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-l.manager.closed:
			return
		case <-ticker.C:
			if err := l.renew(); err != nil {
				l.manager.logger.Warn("lease renewal failed",
					slog.String("task_id", l.taskID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// renew rewrites the lease file with a fresh expiry. The write goes
// through a temp file + rename so waiters never read a torn lease.
func (l *Lease) renew() error {
	l.mu.Lock()
	l.info.ExpiresAt = time.Now().UTC().Add(l.manager.ttl)
	info := *l.info
	l.mu.Unlock()

	data, err := json.MarshalIndent(&info, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding lease: %w", err)
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".lease-*.tmp")
	if err != nil {
		return fmt.Errorf("creating renewal file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing renewal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing renewal: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publishing renewal: %w", err)
	}
	return nil
}
