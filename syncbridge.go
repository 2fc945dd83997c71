package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/syncbridge/admin"
	"github.com/maxpert/syncbridge/bridge"
	"github.com/maxpert/syncbridge/cfg"
	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/counter"
	"github.com/maxpert/syncbridge/engine"
	"github.com/maxpert/syncbridge/events"
	"github.com/maxpert/syncbridge/hlc"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/maxpert/syncbridge/presence"
	"github.com/maxpert/syncbridge/primary"
	"github.com/maxpert/syncbridge/publisher"
	_ "github.com/maxpert/syncbridge/publisher/sink"
	_ "github.com/maxpert/syncbridge/publisher/transformer"
	"github.com/maxpert/syncbridge/ratelimit"
	"github.com/maxpert/syncbridge/reverse"
	"github.com/maxpert/syncbridge/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Syncbridge - primary/mirror synchronization engine")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	clock := hlc.NewClock(cfg.Config.NodeID)
	storeTimeout := time.Duration(cfg.Config.Sync.StoreTimeoutMS) * time.Millisecond

	// Phase 1: durable primary store
	log.Info().Str("driver", string(cfg.Config.Primary.Driver)).Msg("Opening primary store")
	primaryStore, err := primary.Open(primary.Options{
		Driver:       cfg.Config.Primary.Driver,
		DSN:          cfg.PrimaryDSN(),
		Clock:        clock,
		MaxOpenConns: cfg.Config.Primary.MaxOpenConns,
		OpTimeout:    storeTimeout,
		PollInterval: time.Duration(cfg.Config.Primary.PollIntervalMS) * time.Millisecond,
		BatchSize:    cfg.Config.Primary.ChangeBatchSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open primary store")
		return
	}
	defer primaryStore.Close()

	// Phase 2: low-latency mirror
	log.Info().Str("dir", cfg.MirrorDir()).Msg("Opening mirror store")
	mirrorStore, err := mirror.Open(mirror.Options{
		Dir:                  cfg.MirrorDir(),
		Clock:                clock,
		CacheSize:            cfg.Config.Mirror.CacheSize,
		CompressionThreshold: cfg.Config.Mirror.CompressionThreshold,
		CompressionLevel:     cfg.Config.Mirror.CompressionLevel,
		ConnectionTimeout:    time.Duration(cfg.Config.Mirror.ConnectionTimeoutSeconds) * time.Second,
		ReapInterval:         time.Duration(cfg.Config.Mirror.ReapIntervalSeconds) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open mirror store")
		return
	}
	defer mirrorStore.Close()

	// Phase 3: push dispatcher, only when sinks are configured
	var (
		registry   *publisher.Registry
		dispatcher events.Dispatcher
		sinks      admin.Sinks
	)
	if len(cfg.Config.Sinks) > 0 {
		registry, err = publisher.NewRegistry(publisher.RegistryConfig{
			DataDir:     cfg.Config.DataDir,
			SinkConfigs: cfg.Config.Sinks,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize push dispatcher")
			return
		}
		defer registry.Stop()
		dispatcher = registry
		sinks = registry
	}

	// Phase 4: sync engine
	syncBackoff := common.Backoff{
		Initial: time.Duration(cfg.Config.Sync.RetryInitialMS) * time.Millisecond,
		Max:     time.Duration(cfg.Config.Sync.RetryMaxMS) * time.Millisecond,
	}
	eng, err := engine.New(engine.Config{
		Primary:    primaryStore,
		Mirror:     mirrorStore,
		Dispatcher: dispatcher,
		Limiter: ratelimit.New(ratelimit.Options{
			Window:     time.Duration(cfg.Config.RateLimit.WindowSeconds) * time.Second,
			Thresholds: cfg.Config.RateLimit.Thresholds,
		}),
		Collections:       cfg.Config.Sync.Collections,
		CollectionGlob:    cfg.Config.Sync.CollectionGlob,
		EmitChangeEvents:  cfg.Config.Sync.EmitEvents,
		LowStockThreshold: cfg.Config.Counter.LowStockThreshold,
		FlushInterval:     time.Duration(cfg.Config.Counter.FlushIntervalSeconds) * time.Second,
		StoreTimeout:      storeTimeout,
		Counter: counter.Options{
			MaxAttempts: cfg.Config.Counter.MaxAttempts,
			Backoff: common.Backoff{
				Initial: time.Duration(cfg.Config.Counter.BackoffInitialMS) * time.Millisecond,
				Max:     time.Duration(cfg.Config.Counter.BackoffMaxMS) * time.Millisecond,
			},
			Timeout: storeTimeout,
		},
		Bridge: bridge.Options{
			MaxAttempts: cfg.Config.Sync.MaxAttempts,
			Backoff:     syncBackoff,
			Timeout:     storeTimeout,
		},
		Reverse: reverse.Options{
			MaxAttempts: cfg.Config.Sync.MaxAttempts,
			Backoff:     syncBackoff,
			Timeout:     storeTimeout,
		},
		Presence: presence.Options{
			DurableCollection: cfg.Config.Presence.DurableCollection,
			Timeout:           storeTimeout,
		},
		Events: events.Options{
			RecentCapacity: cfg.Config.Events.RecentCapacity,
			Timeout:        storeTimeout,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sync engine")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start sync engine")
		return
	}
	defer eng.Stop()

	if registry != nil {
		if err := registry.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start push dispatcher")
			return
		}
	}

	collector := telemetry.NewMetricsCollector(mirrorStore, eng, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	// Phase 5: admin HTTP server
	var server *http.Server
	if cfg.Config.Admin.Enabled {
		mux := http.NewServeMux()
		handlers := admin.NewAdminHandlers(mirrorStore, primaryStore, eng, sinks, cfg.Config.Sync.Collections)
		admin.RegisterRoutes(mux, handlers, cfg.Config.Admin.AuthToken)
		if metrics := telemetry.GetMetricsHandler(); metrics != nil {
			mux.Handle("/metrics", metrics)
		}

		server = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Admin server failed")
				stop()
			}
		}()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Strs("collections", cfg.Config.Sync.Collections).
		Int("sinks", len(cfg.Config.Sinks)).
		Int("admin_port", cfg.Config.Admin.Port).
		Msg("Syncbridge started successfully")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
		cancel()
	}

	// Persist counters before the deferred stops close the stores
	flushCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	if err := eng.Flush(flushCtx); err != nil {
		log.Warn().Err(err).Msg("Final counter flush failed")
	}
	cancel()
}
