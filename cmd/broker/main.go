// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cdma/rocketmq-commet/broker"
	"github.com/cdma/rocketmq-commet/config"
	"github.com/cdma/rocketmq-commet/nameserv"
	"github.com/cdma/rocketmq-commet/remoting"
	"github.com/cdma/rocketmq-commet/storage"
	"github.com/cdma/rocketmq-commet/storage/badger"
	"github.com/cdma/rocketmq-commet/storage/memory"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting MQ broker", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"broker_name", cfg.Broker.BrokerName,
		"cluster", cfg.Broker.BrokerClusterName,
		"listen_addr", cfg.StoreAddr(),
		"nameserver_enabled", cfg.Nameserver.Enabled,
		"log_level", cfg.Log.Level)

	// Initialize storage backend
	var store storage.MessageStore
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New(cfg.StoreAddr())
		slog.Info("Using in-memory message store")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir:        cfg.Storage.BadgerDir,
			SyncWrites: cfg.Storage.BadgerSyncWrites,
		}, cfg.StoreAddr())
		if err != nil {
			slog.Error("Failed to initialize BadgerDB message store", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB persistent message store", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}

	// Initialize name service registration
	var registrar nameserv.Registrar
	if cfg.Nameserver.Enabled {
		dir, err := nameserv.NewEtcdDirectory(nameserv.EtcdConfig{
			Endpoints:   cfg.Nameserver.Endpoints,
			DialTimeout: cfg.Nameserver.DialTimeout,
		})
		if err != nil {
			slog.Error("Failed to connect to name service", "error", err)
			os.Exit(1)
		}
		defer dir.Close()
		registrar = dir
		slog.Info("Registered with etcd name service", "endpoints", cfg.Nameserver.Endpoints)
	} else {
		slog.Info("Running without a name service, routes served statically")
	}

	b, err := broker.New(cfg, store, registrar)
	if err != nil {
		slog.Error("Failed to initialize broker", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		slog.Error("Failed to start broker", "error", err)
		os.Exit(1)
	}
	defer b.Shutdown()

	// Expose the broker on the in-process transport; a wire transport mounts
	// the same handler surface.
	transport := remoting.NewLocalClient(cfg.Broker.BrokerIP)
	transport.Register(cfg.StoreAddr(), b)

	slog.Info("MQ broker started successfully")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig)
	cancel()

	slog.Info("MQ broker stopped")
}
