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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianEgress/services/egress/admin"
	"github.com/AleutianAI/AleutianEgress/services/egress/audit"
	"github.com/AleutianAI/AleutianEgress/services/egress/breaker"
	"github.com/AleutianAI/AleutianEgress/services/egress/config"
	"github.com/AleutianAI/AleutianEgress/services/egress/events"
	"github.com/AleutianAI/AleutianEgress/services/egress/gateway"
	"github.com/AleutianAI/AleutianEgress/services/egress/netclass"
	"github.com/AleutianAI/AleutianEgress/services/egress/policy"
)

const serviceName = "aleutian-egress"

// runtime is the assembled gateway and everything it owns.
type runtime struct {
	backend *policy.FileBackend
	store   *policy.Store
	bus     *events.Bus
	gateway *gateway.Gateway
	querier admin.AuditQuerier

	closers []func() error
	logger  *slog.Logger
}

// buildRuntime wires the policy store, audit sinks, event bus, breakers and
// gateway from cfg. Close releases everything in reverse order.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *runtime, err error) {
	rt := &runtime{logger: logger}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.backend, err = policy.NewFileBackend(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}
	rt.store, err = policy.NewStore(ctx, rt.backend, policy.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("loading policy %s: %w", cfg.PolicyPath, err)
	}

	var recorders audit.Multi
	if cfg.Audit.LogEnabled {
		recorders = append(recorders, audit.NewSlogRecorder(logger, true))
	}
	if cfg.Audit.ChainPath != "" {
		chain, err := audit.OpenChainLog(cfg.Audit.ChainPath, logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, chain.Close)
		recorders = append(recorders, chain)
	}
	if cfg.Audit.BadgerDir != "" || cfg.Audit.InMemory {
		db, err := audit.OpenBadger(cfg.Audit.BadgerDir)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, db.Close)
		store, err := audit.NewBadgerStore(db, cfg.AuditRetention(), logger)
		if err != nil {
			return nil, err
		}
		recorders = append(recorders, store)
		rt.querier = store
	}

	rt.bus = events.NewBus(cfg.Events.Buffer, logger)
	rt.closers = append(rt.closers, func() error { rt.bus.Close(); return nil })

	opts := []gateway.Option{
		gateway.WithRecorder(recorders),
		gateway.WithEventBus(rt.bus),
		gateway.WithBreakers(breaker.NewRegistry(cfg.BreakerSettings())),
		gateway.WithLogger(logger),
	}
	if len(cfg.PlatformDomains) > 0 {
		opts = append(opts, gateway.WithTrustClassifier(netclass.NewTrustClassifier(cfg.PlatformDomains...)))
	}
	rt.gateway, err = gateway.New(rt.store, opts...)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { rt.gateway.Close(); return nil })
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("closing egress resource failed", slog.String("error", err.Error()))
		}
	}
	rt.closers = nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the egress daemon",
		Long: `Run the egress daemon: load the policy, watch it for external edits and
serve the local admin API until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := newLogger(os.Stderr, cfg.SlogLevel())
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger, cmd.ErrOrStderr())
		},
	}
}

// runServe runs the daemon until ctx is cancelled or a component fails.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, traceOut io.Writer) error {
	if cfg.Tracing.Enabled {
		shutdown, err := setupTracing(traceOut)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("egress gateway started",
		slog.String("policy_path", rt.backend.Path()),
		slog.Int("endpoints", len(rt.store.Snapshot().Endpoints())),
		slog.Bool("watch_policy", cfg.WatchPolicy),
		slog.Bool("admin_enabled", cfg.Admin.Enabled),
	)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.WatchPolicy {
		if err := os.MkdirAll(filepath.Dir(rt.backend.Path()), 0o700); err != nil {
			return fmt.Errorf("creating policy directory: %w", err)
		}
		watcher, err := policy.NewWatcher(rt.store, rt.backend.Path(), cfg.ReloadDebounce)
		if err != nil {
			return err
		}
		watcher.OnReload(func(err error) {
			if err != nil {
				logger.Warn("policy reload rejected, keeping previous policy", slog.String("error", err.Error()))
				return
			}
			logger.Info("policy reloaded", slog.Int("endpoints", len(rt.store.Snapshot().Endpoints())))
		})
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if cfg.Admin.Enabled {
		srv, err := admin.NewServer(admin.Deps{
			Store:   rt.store,
			Gateway: rt.gateway,
			Audit:   rt.querier,
			Bus:     rt.bus,
			Logger:  logger,
			Debug:   cfg.LogLevel == "debug",
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Run(gctx, cfg.Admin.Addr) })
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("egress gateway stopped with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("egress gateway stopped")
	return nil
}

// setupTracing installs an SDK tracer provider that writes spans to w.
func setupTracing(w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("creating span exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
