package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/senseeact/notifyd/api"
	"github.com/senseeact/notifyd/callback"
	"github.com/senseeact/notifyd/cfg"
	"github.com/senseeact/notifyd/directory"
	"github.com/senseeact/notifyd/notify"
	"github.com/senseeact/notifyd/push"
	_ "github.com/senseeact/notifyd/push/gateway"
	"github.com/senseeact/notifyd/session"
	"github.com/senseeact/notifyd/source"
	"github.com/senseeact/notifyd/store"
	"github.com/senseeact/notifyd/telemetry"
	"github.com/senseeact/notifyd/watch"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	metricsInterval = 15 * time.Second
	shutdownTimeout = 10 * time.Second
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

	log.Info().Msg("notifyd - change notification service")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Registration store and sessions
	opener, closeStore, err := storeOpener()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open registration store")
		return
	}
	defer closeStore()
	sessions := session.NewProvider(opener, session.Config{
		MinKeep:         cfg.Seconds(cfg.Config.Session.MinKeepSeconds),
		MaxKeep:         cfg.Seconds(cfg.Config.Session.MaxKeepSeconds),
		CleanInterval:   cfg.Seconds(cfg.Config.Session.CleanIntervalS),
		PartitionPrefix: cfg.Config.Session.PartitionPrefix,
		Clock:           clock.WallClock,
	})
	sessions.Start()
	defer sessions.Close()

	// Directory
	static, err := directory.LoadStatic(cfg.Config.Directory.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Config.Directory.Path).Msg("Failed to load directory")
		return
	}
	dir, err := directory.NewCached(static, cfg.Config.Directory.UserCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create directory cache")
		return
	}

	// Watch registries and callback delivery
	watchCfg := watch.Config{
		Timeout:      cfg.Seconds(cfg.Config.Watch.TimeoutSeconds),
		Expiry:       time.Duration(cfg.Config.Watch.ExpiryMinutes) * time.Minute,
		MaxFailCount: cfg.Config.Callback.MaxFailCount,
		FailWindow:   time.Duration(cfg.Config.Callback.FailWindowHours) * time.Hour,
		Clock:        clock.WallClock,
	}
	pusher := callback.NewPusher(callback.Config{
		Timeout:         time.Duration(cfg.Config.Callback.TimeoutMS) * time.Millisecond,
		RetryInitial:    cfg.Seconds(cfg.Config.Callback.RetryInitialSeconds),
		RetryMax:        cfg.Seconds(cfg.Config.Callback.RetryMaxSeconds),
		RetryMultiplier: cfg.Config.Callback.RetryMultiplier,
		DisableRetry:    cfg.Config.Callback.DisableRetrySchedule,
		Clock:           clock.WallClock,
	})
	defer pusher.Stop()

	subjects := watch.NewSubjectRegistry(sessions, dir, watchCfg)
	tables := watch.NewTableRegistry(sessions, dir, pusher, watchCfg)
	pusher.Bind(tables)
	defer subjects.Stop()
	defer tables.Stop()

	if err := subjects.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load subject watches")
		return
	}
	if err := tables.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load table watches")
		return
	}

	hub := notify.NewHub()
	hub.Subscribe(notify.Subscriber{Name: "subject-watch", OnRoster: subjects.OnRoster})
	hub.Subscribe(notify.Subscriber{Name: "table-watch", OnBatch: tables.OnBatch})

	providers := []telemetry.StatsProvider{subjects, tables}

	// Mobile push
	var registrar api.PushRegistrar
	if cfg.Config.Push.Enabled {
		gw, err := push.NewGateway(cfg.Config.Push)
		if err != nil {
			log.Fatal().Err(err).Str("gateway", cfg.Config.Push.Gateway).Msg("Failed to create push gateway")
			return
		}
		defer gw.Close()

		dispatcher := push.NewDispatcher(gw, sessions, dir, push.Config{
			RetryDelay: cfg.Seconds(cfg.Config.Push.RetryDelaySeconds),
			Clock:      clock.WallClock,
		})
		dispatcher.Start()
		defer dispatcher.Stop()

		hub.Subscribe(notify.Subscriber{Name: "push", OnBatch: dispatcher.OnBatch, OnRoster: dispatcher.OnRoster})
		registrar = dispatcher
		providers = append(providers, dispatcher)
		log.Info().Str("gateway", cfg.Config.Push.Gateway).Msg("Push dispatcher started")
	}

	// Garbage collection and metrics
	if interval := cfg.Seconds(cfg.Config.Watch.GCIntervalSeconds); interval > 0 {
		collector := watch.NewCollector(interval, clock.WallClock, subjects, tables)
		collector.Start()
		defer collector.Stop()
	}

	metrics := telemetry.NewMetricsCollector(metricsInterval, providers...)
	metrics.Start()
	defer metrics.Stop()

	// Upstream events
	router := source.NewRouter(hub, dir, cfg.Config.Session.PartitionPrefix)
	groupID := fmt.Sprintf("%s-%d", cfg.Config.Source.KafkaGroupID, cfg.Config.NodeID)
	src, err := source.New(cfg.Config.Source, groupID, router)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create event source")
		return
	}
	if src != nil {
		if err := src.Start(); err != nil {
			log.Fatal().Err(err).Str("type", cfg.Config.Source.Type).Msg("Failed to start event source")
			return
		}
		defer src.Stop()
	}

	// HTTP API
	server := api.NewServer(api.Config{
		Subjects:    subjects,
		Tables:      tables,
		Push:        registrar,
		Directory:   dir,
		TokenHeader: cfg.Config.HTTP.TokenHeader,
		Compression: cfg.Config.HTTP.Compression,
		Metrics:     telemetry.GetMetricsHandler(),
		Profiling:   cfg.Config.Logging.Verbose,
	})
	if err := server.Start(fmt.Sprintf("%s:%d", cfg.Config.HTTP.BindAddress, cfg.Config.HTTP.Port)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start HTTP API")
		return
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Int("http_port", cfg.Config.HTTP.Port).
		Str("store", string(cfg.Config.Store.Driver)).
		Str("source", cfg.Config.Source.Type).
		Msg("notifyd started")

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	// Registries stop first so blocked watch calls return before the server drains
	subjects.Stop()
	tables.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP API shutdown incomplete")
	}
}

// storeOpener returns the opener for the configured registration store.
// Embedded stores hold a file lock, so they are opened once and shared;
// the returned func closes them on exit.
func storeOpener() (session.Opener, func(), error) {
	switch cfg.Config.Store.Driver {
	case cfg.StoreMemory:
		return session.Shared(store.NewMemoryStore()), func() {}, nil
	case cfg.StorePebble:
		st, err := store.NewPebbleStore(cfg.StorePath(cfg.Config.Store.Path))
		if err != nil {
			return nil, nil, err
		}
		closeStore := func() {
			if err := st.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close pebble store")
			}
		}
		return session.Shared(st), closeStore, nil
	case cfg.StoreSQLite, cfg.StoreMySQL:
		driver := string(cfg.Config.Store.Driver)
		dsn := cfg.Config.Store.DSN
		if cfg.Config.Store.Driver == cfg.StoreSQLite {
			dsn = cfg.StorePath(dsn)
		}
		return func(context.Context) (store.Store, error) {
			return store.NewSQLStore(driver, dsn)
		}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("invalid store driver: %s", cfg.Config.Store.Driver)
	}
}
