// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package admin serves the local egress admin API.
//
// The API lets the desktop UI inspect and change the egress policy, toggle
// the connectivity flag, read breaker state and recent audit events, and
// stream user-facing notifications over a websocket. POST /v1/egress/fetch
// runs a request through the gateway exactly as an in-process caller would;
// nothing served here bypasses policy.
//
// The server is meant to listen on a loopback address only.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianEgress/services/egress/audit"
	"github.com/AleutianAI/AleutianEgress/services/egress/events"
	"github.com/AleutianAI/AleutianEgress/services/egress/gateway"
	"github.com/AleutianAI/AleutianEgress/services/egress/policy"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second

	// maxFetchBody bounds request bodies accepted by POST /v1/egress/fetch.
	maxFetchBody = 8 << 20
)

// AuditQuerier returns the most recent audit events, newest first.
//
// *audit.BadgerStore satisfies it.
type AuditQuerier interface {
	Recent(n int) ([]audit.Event, error)
}

// Deps are the collaborators the admin server exposes.
type Deps struct {
	// Store is the policy store. Required.
	Store *policy.Store

	// Gateway serves fetches, connectivity and breaker state. Required.
	Gateway *gateway.Gateway

	// Audit answers GET /v1/egress/audit. Optional.
	Audit AuditQuerier

	// Bus feeds GET /v1/egress/events. Optional.
	Bus *events.Bus

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Debug enables gin request logging.
	Debug bool
}

// Server is the admin HTTP API.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	store    *policy.Store
	gateway  *gateway.Gateway
	audit    AuditQuerier
	bus      *events.Bus
	logger   *slog.Logger
	debug    bool
	upgrader websocket.Upgrader
	started  time.Time
}

// NewServer validates deps and builds a server.
func NewServer(deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("admin: policy store must not be nil")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("admin: gateway must not be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   deps.Store,
		gateway: deps.Gateway,
		audit:   deps.Audit,
		bus:     deps.Bus,
		logger:  logger.With("component", "egress.admin"),
		debug:   deps.Debug,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		started: time.Now(),
	}, nil
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aleutian-egress"))
	if s.debug {
		router.Use(gin.Logger())
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	RegisterRoutes(router.Group("/v1"), s)
	return router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
//
// Outputs:
//   - error: Listen failure, or a shutdown error. Nil after a clean stop.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	srvErr := make(chan error, 1)
	go func() {
		s.logger.Info("egress admin server listening", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("admin server: %w", err)
		}
		close(srvErr)
	}()

	select {
	case err := <-srvErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	s.logger.Info("egress admin server stopped")
	return nil
}
