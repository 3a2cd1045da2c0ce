// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/meshq/broker"
	"github.com/absmach/meshq/broker/middleware"
	"github.com/absmach/meshq/config"
	"github.com/absmach/meshq/dht"
	"github.com/absmach/meshq/groupkey"
	"github.com/absmach/meshq/keeper"
	"github.com/absmach/meshq/member"
	"github.com/absmach/meshq/negotiator"
	"github.com/absmach/meshq/peddler"
	"github.com/absmach/meshq/peddler/storage"
	"github.com/absmach/meshq/peddler/storage/badger"
	"github.com/absmach/meshq/peddler/storage/memory"
	"github.com/absmach/meshq/protocol"
	"github.com/absmach/meshq/ratelimit"
	"github.com/absmach/meshq/server/health"
	"github.com/absmach/meshq/server/otel"
	"github.com/absmach/meshq/transport"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// logHandler writes group messages received by this node to the log.
type logHandler struct {
	logger *slog.Logger
}

func (h logHandler) HandleMessage(_ context.Context, groupKeyID string, item protocol.Item) {
	h.logger.Info("Group message received",
		slog.String("group", groupKeyID),
		slog.Int64("sequence_id", item.SequenceID),
		slog.String("producer", item.ProducerID),
		slog.Int("size", len(item.Payload)))
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

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

	slog.Info("Starting meshq node", "node_id", cfg.Node.ID, "version", cfg.Server.OtelServiceVersion)
	slog.Info("Configuration loaded",
		"transport_listener", cfg.Transport.BindAddr,
		"transport_advertise", cfg.Transport.AdvertiseAddr,
		"broker_enabled", cfg.Broker.Enabled,
		"required_brokers", cfg.Broker.RequiredBrokers,
		"groups", len(cfg.Member.Groups),
		"dht_type", cfg.DHT.Type,
		"storage_type", cfg.Storage.Type,
		"health_enabled", cfg.Server.HealthEnabled,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dhtStore dht.Store
	switch cfg.DHT.Type {
	case "memory":
		dhtStore = dht.NewMemoryStore()
		slog.Info("Using in-memory DHT, broker records are not shared")
	case "etcd":
		etcdCfg := dht.EtcdConfig{
			NodeID:      cfg.Node.ID,
			Endpoints:   cfg.DHT.Endpoints,
			DialTimeout: cfg.DHT.DialTimeout,
		}
		if cfg.DHT.Embedded.Enabled {
			etcdCfg.Embedded = &dht.EmbeddedConfig{
				DataDir:        cfg.DHT.Embedded.DataDir,
				BindAddr:       cfg.DHT.Embedded.BindAddr,
				ClientAddr:     cfg.DHT.Embedded.ClientAddr,
				AdvertiseAddr:  cfg.DHT.Embedded.BindAddr, // Use bind addr as advertise for now
				InitialCluster: cfg.DHT.Embedded.InitialCluster,
				Bootstrap:      cfg.DHT.Embedded.Bootstrap,
			}
		}
		etcdStore, err := dht.NewEtcdStore(etcdCfg, logger)
		if err != nil {
			slog.Error("Failed to initialize etcd DHT", "error", err)
			os.Exit(1)
		}
		dhtStore = etcdStore
		slog.Info("Using etcd DHT",
			"endpoints", cfg.DHT.Endpoints,
			"embedded", cfg.DHT.Embedded.Enabled)
	default:
		slog.Error("Unknown DHT type", "type", cfg.DHT.Type)
		os.Exit(1)
	}
	defer dhtStore.Close()

	records, err := dht.NewRecords(dhtStore, dht.RecordsConfig{
		Positions: cfg.Broker.RequiredBrokers,
		TTL:       cfg.DHT.RecordTTL,
		CacheTTL:  cfg.DHT.CacheTTL,
	})
	if err != nil {
		slog.Error("Failed to initialize broker records", "error", err)
		os.Exit(1)
	}
	defer records.Close()

	services := slices.DeleteFunc(slices.Clone(cfg.Node.Services), func(s string) bool {
		return s == dht.ServiceMessageBroker
	})
	if cfg.Broker.Enabled {
		services = append(services, dht.ServiceMessageBroker)
	}
	directory := dht.NewDirectory(dhtStore, dht.NodeInfo{
		ID:       cfg.Node.ID,
		Address:  cfg.Transport.AdvertiseAddr,
		Services: services,
	}, cfg.DHT.RecordTTL, logger)

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Server.MetricsEnabled || cfg.Server.OtelTracesEnabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Server, cfg.Node)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown

		if cfg.Server.MetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled", "endpoint", cfg.Server.MetricsAddr)
		}

		if cfg.Server.OtelTracesEnabled {
			tracer = oteltrace.Tracer("meshq")
			slog.Info("Distributed tracing enabled",
				"endpoint", cfg.Server.OtelTracesAddr,
				"sample_rate", cfg.Server.OtelTraceSampleRate)
		} else {
			slog.Info("Distributed tracing disabled (zero overhead)")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	var (
		negotiatorMetrics negotiator.Metrics
		keeperMetrics     keeper.Metrics
		peddlerMetrics    peddler.Metrics
	)
	if metrics != nil {
		negotiatorMetrics = metrics
		keeperMetrics = metrics
		peddlerMetrics = metrics
	}

	client := transport.NewClient(transport.ClientConfig{
		NodeID:           cfg.Node.ID,
		RequestTimeout:   cfg.Transport.RequestTimeout,
		FailureThreshold: cfg.Transport.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.Transport.CircuitBreaker.ResetTimeout,
	}, directory, directory, transport.NewH2CClient(2*cfg.Transport.RequestTimeout), logger)

	var (
		brokerHandler transport.BrokerHandler
		keepers       *keeper.Registry
		pd            *peddler.Peddler
		limiter       *ratelimit.Manager
		store         storage.Store
	)

	if cfg.Broker.Enabled {
		switch cfg.Storage.Type {
		case "memory":
			store = memory.New()
			slog.Info("Using in-memory stream storage")
		case "badger":
			badgerStore, err := badger.Open(badger.Config{
				Dir:               cfg.Storage.BadgerDir,
				SyncWrites:        cfg.Storage.SyncWrites,
				CompressThreshold: cfg.Storage.CompressThreshold,
			})
			if err != nil {
				slog.Error("Failed to initialize BadgerDB storage", "error", err)
				os.Exit(1)
			}
			store = badgerStore
			slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
		default:
			slog.Error("Unknown storage type", "type", cfg.Storage.Type)
			os.Exit(1)
		}

		keys := groupkey.NewRegistry()

		neg := negotiator.New(negotiator.Config{
			Self:             cfg.Node.ID,
			RequiredBrokers:  cfg.Broker.RequiredBrokers,
			Timeout:          cfg.Broker.NegotiateTimeout,
			PreferredBrokers: cfg.Broker.PreferredBrokers,
		}, client, negotiatorMetrics, logger)

		keepers = keeper.NewRegistry(keeper.Config{
			Self:            cfg.Node.ID,
			RefreshInterval: cfg.Broker.DHTRefreshInterval,
			RequestTimeout:  cfg.Transport.RequestTimeout,
		}, records, neg, store, keeperMetrics, logger)

		if err := keepers.Restore(ctx); err != nil {
			slog.Error("Failed to restore queue keepers", "error", err)
			os.Exit(1)
		}

		pd = peddler.New(peddler.Config{
			Self:               cfg.Node.ID,
			MaxCatchupMessages: cfg.Broker.MaxCatchupMessages,
			MaxMissedRounds:    cfg.Broker.MaxMissedRounds,
			DeliveryTimeout:    cfg.Broker.DeliveryTimeout,
		}, store, keepers, keys, client, peddlerMetrics, logger)

		if err := pd.Start(ctx); err != nil {
			slog.Error("Failed to start message peddler", "error", err)
			os.Exit(1)
		}

		rl := cfg.Transport.RateLimit
		limiter = ratelimit.NewManager(ratelimit.Config{
			Enabled:         rl.Enabled,
			Rate:            rl.Rate,
			Burst:           rl.Burst,
			PushRate:        rl.PushRate,
			PushBurst:       rl.PushBurst,
			CleanupInterval: rl.CleanupInterval,
		})
		if rl.Enabled {
			slog.Info("Rate limiting enabled",
				slog.Float64("rate", rl.Rate),
				slog.Int("burst", rl.Burst),
				slog.Float64("push_rate", rl.PushRate))
		} else {
			slog.Info("Rate limiting disabled")
		}

		brokerHandler = broker.New(pd, keepers, keys, limiter, logger)
		brokerHandler = middleware.NewLogging(brokerHandler, logger)
		if metrics != nil {
			brokerHandler = middleware.NewMetrics(brokerHandler, metrics)
		}
		if tracer != nil {
			brokerHandler = middleware.NewTracing(brokerHandler, tracer)
		}
	}

	members := member.NewRegistry(member.Config{
		Self:                 cfg.Node.ID,
		RequiredBrokers:      cfg.Broker.RequiredBrokers,
		RequestTimeout:       cfg.Transport.RequestTimeout,
		ReconnectDelay:       cfg.Member.ReconnectDelay,
		MaxReconnectAttempts: cfg.Member.MaxReconnectAttempts,
		PreferredBrokers:     cfg.Broker.PreferredBrokers,
	}, records, client, logHandler{logger}, logger)

	if err := directory.Start(ctx); err != nil {
		slog.Error("Failed to register node in DHT", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	transportServer := transport.NewServer(transport.ServerConfig{
		Address:         cfg.Transport.BindAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, brokerHandler, members, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := transportServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.HealthEnabled {
		node := health.Node{
			ID:      cfg.Node.ID,
			Members: members,
			Check: func(ctx context.Context) error {
				_, err := directory.Lookup(ctx, cfg.Node.ID)
				return err
			},
		}
		if keepers != nil {
			node.Keepers = keepers
			node.Streams = pd
		}
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, node, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	for _, g := range cfg.Member.Groups {
		wg.Add(1)
		go func(g config.GroupConfig) {
			defer wg.Done()
			err := joinGroup(ctx, members, g)
			switch {
			case err == nil, errors.Is(err, context.Canceled), errors.Is(err, member.ErrClosed):
			default:
				slog.Error("Failed to join group", "key_file", g.KeyFile, "error", err)
			}
		}(g)
	}

	slog.Info("meshq node started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	members.Close()
	if pd != nil {
		if err := pd.Stop(shutdownCtx); err != nil {
			slog.Error("Error stopping message peddler", "error", err)
		}
	}
	if keepers != nil {
		keepers.Close()
	}
	if limiter != nil {
		limiter.Stop()
	}
	directory.Stop(shutdownCtx)

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	cancel()

	wg.Wait()
	if store != nil {
		if err := store.Close(); err != nil {
			slog.Error("Failed to close stream storage", "error", err)
		}
	}
	slog.Info("meshq node stopped")
}

func joinGroup(ctx context.Context, members *member.Registry, g config.GroupConfig) error {
	key, err := groupkey.LoadFile(g.KeyFile)
	if err != nil {
		return err
	}
	info := key.Info()
	if g.Alias != "" && g.Alias != info.Alias() {
		return fmt.Errorf("key %s does not belong to group %q", info.KeyID, g.Alias)
	}

	m, err := members.Join(ctx, info)
	if err != nil {
		return err
	}
	st := m.Status()
	slog.Info("Joined group",
		"group", info.KeyID,
		"broker", st.ActiveBroker,
		"last_sequence_id", st.LastSequenceID)
	return nil
}
