package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"farm-telemetry/internal/audit"
	"farm-telemetry/internal/auth"
	automationapp "farm-telemetry/internal/automation/application"
	automationstore "farm-telemetry/internal/automation/infrastructure/sqlstore"
	commandsapp "farm-telemetry/internal/commands/application"
	commandstore "farm-telemetry/internal/commands/infrastructure/sqlstore"
	"farm-telemetry/internal/config"
	devicesapp "farm-telemetry/internal/devices/application"
	devicestore "farm-telemetry/internal/devices/infrastructure/sqlstore"
	"farm-telemetry/internal/eventing"
	ingestion "farm-telemetry/internal/ingestion/application"
	ingesthttp "farm-telemetry/internal/ingestion/interfaces/http"
	ingestmqtt "farm-telemetry/internal/ingestion/interfaces/mqtt"
	"farm-telemetry/internal/observability/metrics"
	"farm-telemetry/internal/platform/database"
	"farm-telemetry/internal/platform/mqtt"
	provisioning "farm-telemetry/internal/provisioning/application"
	provisioninghttp "farm-telemetry/internal/provisioning/interfaces/http"
	telemetry "farm-telemetry/internal/telemetry/domain"
	telemetrystore "farm-telemetry/internal/telemetry/infrastructure/sqlstore"
	telemetryhttp "farm-telemetry/internal/telemetry/interfaces/http"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("farm-telemetry exited")
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, database.Options{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	deviceRepo := devicestore.NewDeviceRepository(db)
	readingRepo := telemetrystore.NewReadingRepository(db)
	readingQuery := telemetrystore.NewReadingQuery(db)
	ruleRepo := automationstore.NewRuleRepository(db)
	metrics.Init(deviceRepo)

	presence, err := devicesapp.NewPresenceTracker(deviceRepo)
	if err != nil {
		return err
	}
	engine, err := automationapp.NewEngine(ruleRepo, automationapp.WithLogger(logger))
	if err != nil {
		return err
	}

	var broker *mqtt.Client
	if cfg.MQTT.Broker != "" {
		broker, err = mqtt.Connect(ctx, mqtt.Options{
			BrokerURL: cfg.MQTT.Broker,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			QoS:       byte(cfg.MQTT.QoS),
			ManualAck: cfg.MQTT.ManualAck,
			Logger:    &logger,
		})
		if err != nil {
			return err
		}
		defer broker.Close()
	}

	commandRepo := commandstore.NewCommandRepository(db)
	commandTracker, err := commandsapp.NewTracker(commandRepo, cfg.Commands.AckTimeout, commandsapp.WithTrackerLogger(logger))
	if err != nil {
		return err
	}

	var dispatchers []commandsapp.Dispatcher
	if broker != nil {
		mqttDispatcher, err := commandsapp.NewMQTTDispatcher(broker, commandsapp.WithCommandStore(commandRepo))
		if err != nil {
			return err
		}
		dispatchers = append(dispatchers, mqttDispatcher)
	}
	if cfg.Webhook.URL != "" {
		webhook, err := commandsapp.NewWebhookDispatcher(cfg.Webhook.URL, commandsapp.WithBearerToken(cfg.Webhook.Token))
		if err != nil {
			return err
		}
		dispatchers = append(dispatchers, webhook)
	}
	if len(dispatchers) == 0 {
		logger.Warn().Msg("no command transport configured, automation triggers are only audited")
	}
	auditRepo := audit.NewRepository(db)
	recorder, err := audit.NewTriggerRecorder(auditRepo)
	if err != nil {
		return err
	}
	dispatcher := commandsapp.NewMultiDispatcher(append(dispatchers, recorder)...)

	bus := eventing.NewInMemoryBus()
	streamBroker := telemetryhttp.NewSSEBroker()
	eventing.SubscribeTyped[telemetry.ReadingsInserted](bus, streamBroker.HandleReadingsInserted)

	orchestrator, err := ingestion.NewOrchestrator(deviceRepo, readingRepo, presence, engine,
		ingestion.WithStageTimeout(cfg.Ingest.StageTimeout),
		ingestion.WithDispatcher(dispatcher),
		ingestion.WithEventBus(bus),
		ingestion.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	var workers sync.WaitGroup
	if broker != nil {
		consumer, err := ingestmqtt.NewConsumer(orchestrator, presence,
			ingestmqtt.WithWorkers(cfg.MQTT.Workers),
			ingestmqtt.WithResponseApplier(commandTracker),
			ingestmqtt.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		if err := consumer.Start(ctx, broker); err != nil {
			return err
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			consumer.Wait()
		}()
		workers.Add(1)
		go func() {
			defer workers.Done()
			commandTracker.Start(ctx)
		}()
	}

	if cfg.Presence.OfflineAfter > 0 {
		sweeperOpts := []devicesapp.SweeperOption{devicesapp.WithSweeperLogger(logger)}
		if cfg.Presence.SweepInterval > 0 {
			sweeperOpts = append(sweeperOpts, devicesapp.WithSweepInterval(cfg.Presence.SweepInterval))
		}
		sweeper, err := devicesapp.NewStaleSweeper(deviceRepo, cfg.Presence.OfflineAfter, sweeperOpts...)
		if err != nil {
			return err
		}
		workers.Add(1)
		go func() {
			defer workers.Done()
			sweeper.Start(ctx)
		}()
	}

	ingestHandler, err := ingesthttp.NewHandler(orchestrator, &logger)
	if err != nil {
		return err
	}
	readingsHandler, err := telemetryhttp.NewHandler(readingQuery, auth.NewDeviceGroupChecker(deviceRepo), &logger)
	if err != nil {
		return err
	}
	provisionService, err := provisioning.NewService(deviceRepo, ruleRepo)
	if err != nil {
		return err
	}
	provisionHandler, err := provisioninghttp.NewHandler(provisionService, auditRepo, provisioninghttp.WithLogger(logger))
	if err != nil {
		return err
	}
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.Auth.IngestSecret), cfg.IngestSkew(), auth.WithIngestLogger(logger))
	authMiddleware := auth.NewMiddleware([]byte(cfg.Auth.JWTSecret), auth.NewDefaultPolicy(
		[]string{"/healthz", "/metrics", "/api/v1/telemetry"},
		nil,
	), auth.WithMiddlewareLogger(logger))
	if cfg.Auth.JWTSecret == "" {
		logger.Warn().Msg("AUTH_JWT_SECRET not set, dashboard reads are unauthenticated")
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/telemetry", ingestAuth.Wrap(ingestHandler))
	mux.Handle("/api/v1/devices/", readingsHandler)
	mux.Handle("/api/v1/provisioning/groups", provisionHandler)
	mux.Handle("/api/v1/readings/stream", telemetryhttp.NewStreamHandler(streamBroker))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server.RegisterOnShutdown(streamBroker.Close)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Str("driver", db.Driver()).Bool("mqtt", broker != nil).Msg("farm-telemetry listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			workers.Wait()
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	workers.Wait()
	return nil
}

func setupLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return log.Logger.With().Str("service", "farm-telemetry").Logger()
}

func loggingMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", resp.status).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps server-sent events working behind the logging wrapper.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
