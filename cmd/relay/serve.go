// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/jllopis/relay/pkg/config"
	"github.com/jllopis/relay/pkg/gateway"
	"github.com/jllopis/relay/pkg/remote"
	"github.com/jllopis/relay/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

// ServeCmd runs the HTTP gateway and, when configured, the peer gRPC service.
type ServeCmd struct {
	Watch bool `help:"Reload routing when the config file changes." default:"true" negatable:""`
}

func (s *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := cli.setup()
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.InitWithConfig(cfg.Telemetry.ServiceName, buildVersion(), telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		OTLPTimeout:  time.Duration(cfg.Telemetry.OTLPTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if s.Watch && cli.Config != "" {
		watcher, err := config.NewWatcher(cli.Config, cli.Profile,
			config.WithWatchOverrides(cli.overrides()),
			config.WithWatchLogger(logger),
		)
		if err != nil {
			return err
		}
		watcher.OnChange(a.reloadRouting)
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	errCh := make(chan error, 2)

	httpServer := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           a.gateway().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("gateway listening", slog.String("addr", cfg.Gateway.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.Gateway.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Gateway.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcServer = grpc.NewServer()
		hs := remote.NewServer(a.adapter,
			remote.WithVerifier(a.verifier),
			remote.WithServerLogger(logger),
		).Register(grpcServer)
		defer hs.Shutdown()
		go func() {
			logger.Info("peer service listening", slog.String("addr", cfg.Gateway.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	return httpServer.Shutdown(shutdownCtx)
}

func (a *app) gateway() *gateway.Gateway {
	cfg := a.cfg.Gateway
	opts := []gateway.Option{
		gateway.WithSourceIdentity(cfg.SourceIdentity),
		gateway.WithIngress(cfg.Ingress.Identity, cfg.Ingress.Target, cfg.Ingress.Skill),
		gateway.WithVerifier(a.verifier),
		gateway.WithHealth(a.health),
		gateway.WithOrchestrator(a.orch),
		gateway.WithRequestTimeout(cfg.RequestTimeout),
		gateway.WithMaxBodyBytes(cfg.MaxBodyBytes),
		gateway.WithLogger(a.logger),
	}
	if a.store != nil {
		opts = append(opts, gateway.WithAuditStore(a.store))
	}
	if a.mcp != nil {
		opts = append(opts, gateway.WithMCP(a.mcp.Handler()))
	}
	return gateway.New(a.adapter, a.registry, opts...)
}
