// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	defaultSendBuffer   = 256
	defaultPingInterval = 15 * time.Second
	writeTimeout        = 10 * time.Second
)

// WSConfig configures the WebSocket sink.
type WSConfig struct {
	// URL is the dashboard tier's ingest endpoint, e.g.
	// wss://dashboard.example.com/v1/engine/events.
	URL string

	// BuildRef identifies this build in the registration frame.
	BuildRef string

	// Buffer is the outbound queue size. Events beyond it are dropped
	// (best-effort contract). Zero uses defaultSendBuffer.
	Buffer int

	// EventsPerSecond rate-limits emission to protect the receiver.
	// Zero means unlimited.
	EventsPerSecond float64

	// PingInterval keeps the connection alive. Zero uses the default.
	PingInterval time.Duration

	// Logger for connection events. Nil uses slog.Default().
	Logger *slog.Logger
}

// wsFrame is the wire envelope for engine events.
type wsFrame struct {
	Kind      string    `json:"kind"` // "status", "asset", or "register"
	BuildRef  string    `json:"build_ref"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NewWebSocketSink dials the dashboard tier and returns a sink that
// streams events over the connection.
//
// Description:
//
//	The sink is strictly best-effort: events are queued on a bounded
//	channel and dropped (with a debug log) when the queue is full or the
//	connection is down. The caller's build never blocks on the sink.
//
// Outputs:
//
//	Sink - The connected sink.
//	error - Non-nil only when the initial dial fails; callers typically
//	        log it and fall back to NewLogSink.
func NewWebSocketSink(ctx context.Context, cfg WSConfig) (Sink, error) {
	if cfg.Buffer == 0 {
		cfg.Buffer = defaultSendBuffer
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("events: dial %q: %w", cfg.URL, err)
	}

	s := &wsSink{
		conn:   conn,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "ws_event_sink")),
		sendCh: make(chan wsFrame, cfg.Buffer),
		done:   make(chan struct{}),
	}
	if cfg.EventsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.Buffer)
	}

	s.enqueue(wsFrame{Kind: "register", BuildRef: cfg.BuildRef, Timestamp: time.Now().UTC()})
	go s.writeLoop()
	go s.pingLoop()

	return s, nil
}

type wsSink struct {
	conn    *websocket.Conn
	cfg     WSConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	sendCh chan wsFrame
	done   chan struct{}
	once   sync.Once

	// writeMu serializes conn writes between the write and ping loops;
	// gorilla/websocket permits one concurrent writer.
	writeMu sync.Mutex

	dropped int64
	mu      sync.Mutex
}

func (s *wsSink) PublishStatus(ev StatusEvent) {
	s.enqueue(wsFrame{Kind: "status", BuildRef: ev.BuildRef, Timestamp: ev.Timestamp, Payload: ev})
}

func (s *wsSink) PublishAsset(ev AssetEvent) {
	s.enqueue(wsFrame{Kind: "asset", BuildRef: ev.BuildRef, Timestamp: ev.Timestamp, Payload: ev})
}

// enqueue queues a frame without ever blocking the caller.
func (s *wsSink) enqueue(f wsFrame) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.sendCh <- f:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		if n%100 == 1 {
			s.logger.Debug("event queue full, dropping",
				slog.Int64("dropped_total", n))
		}
	}
}

func (s *wsSink) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.sendCh:
			if s.limiter != nil {
				_ = s.limiter.Wait(context.Background())
			}
			data, err := json.Marshal(f)
			if err != nil {
				s.logger.Warn("unencodable event frame", slog.String("error", err.Error()))
				continue
			}
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err = s.conn.WriteMessage(websocket.TextMessage, data)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn("event write failed, closing sink",
					slog.String("error", err.Error()))
				s.shutdown()
				return
			}
		}
	}
}

func (s *wsSink) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.shutdown()
				return
			}
		}
	}
}

func (s *wsSink) shutdown() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *wsSink) Close() error {
	s.shutdown()
	return nil
}
