// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package control serves the local build-control HTTP API.
//
// The API is read-mostly: build and task status from the record store,
// plus cancellation of running builds and tasks through the engine.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/kiln/engine"
	"github.com/AleutianAI/kiln/store"
	"github.com/AleutianAI/kiln/telemetry"
)

// Config wires the control server.
type Config struct {
	// Listen is the bind address, e.g. "127.0.0.1:8372".
	Listen string

	// Engine provides live status and cancellation. Required.
	Engine *engine.Engine

	// Store provides persisted records. Nil disables record endpoints.
	Store *store.Store

	// Logger for server events. Nil uses slog.Default().
	Logger *slog.Logger
}

// Server is the control API server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	http   *http.Server
}

// NewServer builds the router and server. Start runs it.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("control: engine is required")
	}
	if cfg.Listen == "" {
		return nil, fmt.Errorf("control: listen address is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "control_api")),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("kiln-control"))

	router.GET("/healthz", s.handleHealth)
	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/builds/:ref", s.handleBuild)
		v1.GET("/builds/:ref/tasks", s.handleTasks)
		v1.GET("/builds/:ref/tasks/:id/assets", s.handleAssets)
		v1.POST("/builds/:ref/cancel", s.handleCancelBuild)
		v1.POST("/builds/:ref/tasks/:id/cancel", s.handleCancelTask)
	}

	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", slog.String("addr", s.cfg.Listen))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control API: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleBuild serves a build summary: live engine state when the build
// is known to this process, the persisted record otherwise.
func (s *Server) handleBuild(c *gin.Context) {
	ref := c.Param("ref")

	statuses, err := s.cfg.Engine.Statuses(ref)
	if err == nil {
		counts := make(map[string]int)
		for _, st := range statuses {
			counts[string(st)]++
		}
		c.JSON(http.StatusOK, gin.H{
			"build_ref": ref,
			"live":      true,
			"counts":    counts,
		})
		return
	}

	if s.cfg.Store != nil {
		summary, err := s.cfg.Store.GetBuild(ref)
		if err == nil {
			c.JSON(http.StatusOK, summary)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("reading build record",
				slog.String("build_ref", ref),
				slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "record store failure"})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown build " + ref})
}

func (s *Server) handleTasks(c *gin.Context) {
	ref := c.Param("ref")

	if statuses, err := s.cfg.Engine.Statuses(ref); err == nil {
		c.JSON(http.StatusOK, gin.H{"build_ref": ref, "tasks": statuses})
		return
	}

	if s.cfg.Store != nil {
		records, err := s.cfg.Store.TaskStatuses(ref)
		if err != nil {
			s.logger.Error("listing task records",
				slog.String("build_ref", ref),
				slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "record store failure"})
			return
		}
		if len(records) > 0 {
			c.JSON(http.StatusOK, gin.H{"build_ref": ref, "tasks": records})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown build " + ref})
}

func (s *Server) handleAssets(c *gin.Context) {
	if s.cfg.Store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "record store disabled"})
		return
	}
	ref := c.Param("ref")
	taskID := c.Param("id")

	assets, err := s.cfg.Store.Assets(ref, taskID)
	if err != nil {
		s.logger.Error("listing assets",
			slog.String("build_ref", ref),
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record store failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"build_ref": ref, "task_id": taskID, "assets": assets})
}

func (s *Server) handleCancelBuild(c *gin.Context) {
	ref := c.Param("ref")
	if err := s.cfg.Engine.Cancel(ref, ""); err != nil {
		if errors.Is(err, engine.ErrBuildNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"build_ref": ref, "cancelled": true})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	ref := c.Param("ref")
	taskID := c.Param("id")
	if err := s.cfg.Engine.Cancel(ref, taskID); err != nil {
		switch {
		case errors.Is(err, engine.ErrBuildNotFound), errors.Is(err, engine.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"build_ref": ref, "task_id": taskID, "cancelled": true})
}
