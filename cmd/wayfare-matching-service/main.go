// Copyright 2026 The Wayfare Authors
// SPDX-License-Identifier: Apache-2.0

// The wayfare-matching-service consumes trip-request and
// agent-response events from the bus, runs the matching state machine,
// and serves admin overrides on a Unix socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wayfare-travel/wayfare/bus"
	"github.com/wayfare-travel/wayfare/lib/clock"
	"github.com/wayfare-travel/wayfare/lib/config"
	"github.com/wayfare-travel/wayfare/lib/service"
	"github.com/wayfare-travel/wayfare/matching"
)

// consumerGroup is the bus consumer group for the matching engine.
// One group: all instances share a cursor, and per-request ordering is
// the orchestrator's job.
const consumerGroup = "matching-engine"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wayfare-matching-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the config file (default $"+config.EnvVar+")")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	// Separate HTTP clients: publishes are short calls, consumes hold
	// the connection for the long-poll window.
	publishBus, err := bus.NewClient(bus.ClientConfig{
		BaseURL:    cfg.Bus.URL,
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.Bus.PublishTimeoutSeconds) * time.Second},
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	consumeBus, err := bus.NewClient(bus.ClientConfig{
		BaseURL:    cfg.Bus.URL,
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.Bus.ConsumeTimeoutSeconds+10) * time.Second},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// Fail fast: a matching service that cannot reach the bus can
	// neither consume nor publish, so refuse to start.
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = publishBus.Health(probeCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("bus health probe: %w", err)
	}

	store, err := matching.OpenStore(matching.StoreConfig{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	seasons, err := matching.NewSeasonPolicy(cfg.Seasons, clk)
	if err != nil {
		return err
	}

	publisher, err := matching.NewPublisher(matching.PublisherConfig{
		Transport: publishBus,
		Broadcast: publishBus,
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	directory := NewDirectoryClient(cfg.Directory.URL, &http.Client{
		Timeout: time.Duration(cfg.Matching.CandidateTimeoutSeconds+5) * time.Second,
	})

	orch, err := matching.NewOrchestrator(matching.OrchestratorConfig{
		Store:            store,
		Candidates:       directory,
		Scorer:           matching.NewScorer(cfg.Matching.Weights),
		Seasons:          seasons,
		Publisher:        publisher,
		Clock:            clk,
		Logger:           logger,
		BaseMinAgents:    cfg.Matching.BaseMinAgents,
		BaseTimeout:      time.Duration(cfg.Matching.BaseTimeoutHours) * time.Hour,
		MaxAttempts:      cfg.Matching.MaxAttempts,
		CandidateTimeout: time.Duration(cfg.Matching.CandidateTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	// Recovery and the timeout scheduler. Run returns when ctx is
	// cancelled.
	orchDone := make(chan error, 1)
	go func() {
		orchDone <- orch.Run(ctx)
	}()

	socketServer := service.NewSocketServer(cfg.Admin.SocketPath, logger)
	registerAdminActions(socketServer, orch, cfg.Admin.MinReasonLength)
	socketDone := make(chan error, 1)
	go func() {
		socketDone <- socketServer.Serve(ctx)
	}()

	logger.Info("matching service running",
		"environment", string(cfg.Environment),
		"bus", cfg.Bus.URL,
		"store", cfg.Store.Path,
		"admin_socket", cfg.Admin.SocketPath,
	)

	consumeLoop(ctx, consumeBus, orch, time.Duration(cfg.Bus.ConsumeTimeoutSeconds)*time.Second, logger)

	logger.Info("shutting down")
	if err := <-orchDone; err != nil {
		logger.Error("orchestrator error", "error", err)
	}
	orch.Wait()
	if err := <-socketDone; err != nil {
		logger.Error("admin socket error", "error", err)
	}
	return nil
}

// consumeLoop long-polls the bus and feeds decoded events to the
// orchestrator until ctx is cancelled. Decode failures skip the event;
// transport failures back off and retry, since the cursor makes
// redelivery safe.
func consumeLoop(ctx context.Context, client *bus.Client, orch *matching.Orchestrator, wait time.Duration, logger *slog.Logger) {
	cursor := ""
	for {
		if ctx.Err() != nil {
			return
		}

		response, err := client.Consume(ctx, bus.ConsumeRequest{
			Group:  consumerGroup,
			Cursor: cursor,
			Wait:   wait,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("consume failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, envelope := range response.Events {
			event, err := matching.DecodeInbound(envelope)
			if err != nil {
				logger.Warn("skipping undecodable event",
					"topic", envelope.Topic,
					"event_id", envelope.EventID,
					"error", err,
				)
				continue
			}
			orch.Dispatch(ctx, event)
		}
		cursor = response.Cursor
	}
}
