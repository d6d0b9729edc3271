// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/api"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/config"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/eventbus"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/lifecycle"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/logger"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/metrics"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/mqttnotice"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/outbox"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/polling"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/scheduler"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/sentry"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/sink"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/sink/kafkasink"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/source/rest"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/store/postgres"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/watermark"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/watermark/redisstore"
)

// Set at build time via -ldflags "-X main.appVersion=...".
var appVersion = "dev"

type stores struct {
	events outbox.EventLog
	repo   permission.Repository
	marks  watermark.Store

	pool  *pgxpool.Pool
	redis *redis.Client
}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Initialize()
		logger.For(logger.ComponentConfig).Fatalf("Invalid configuration: %v", err)
	}

	logger.InitializeWith(logger.New(cfg.Logging.Level, logger.ParseFormat(cfg.Logging.Format, logger.FormatConsole)))
	defer func() { _ = logger.Sync() }()

	log := logger.For(logger.ComponentCore)
	log.Infof("Starting energy permission core %s", appVersion)

	sentry.InitSentry(cfg.Sentry.DSN, appVersion)
	defer sentry.Flush(5 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(100000))

	st, err := openStores(ctx, cfg, health)
	if err != nil {
		sentry.ReportIssue(err, sentry.IssueTypeError, log)
		log.Fatalf("Failed to open stores: %v", err)
	}
	defer st.close()

	out, err := openSink(cfg)
	if err != nil {
		sentry.ReportIssue(err, sentry.IssueTypeError, log)
		log.Fatalf("Failed to open sink: %v", err)
	}

	bus := eventbus.New(logger.For(logger.ComponentEventBus))
	box := outbox.New(st.events, bus, logger.For(logger.ComponentOutbox))

	client := rest.New(rest.Config{
		BaseURL:           cfg.Source.BaseURL,
		Timeout:           cfg.Source.Timeout,
		ConnectionRetries: cfg.Source.ConnectionRetries,
	}, rest.StaticToken(cfg.Source.Token), logger.For(logger.ComponentRestClient))

	coordinator := polling.New(client, out, st.marks, box, polling.Config{
		MaxWindow: cfg.MaxWindow(),
		Location:  cfg.Location(),
		Retry:     cfg.RetryPolicy(),
	}, logger.For(logger.ComponentPolling))

	lifecycle.Register(bus, lifecycle.Dependencies{
		Repository: st.repo,
		Committer:  box,
		Emitter:    bus,
		Watermarks: st.marks,
		Poller:     coordinator,
		Sender:     client,
		Terminator: client,
		Location:   cfg.Location(),
	})

	if cfg.Polling.ReplayOnStart {
		replayed, err := box.Replay(ctx)
		if err != nil {
			sentry.ReportIssue(fmt.Errorf("replay outbox: %w", err), sentry.IssueTypeError, log)
		}
		log.Infof("Replayed %d undispatched events", replayed)
	}

	sched := scheduler.New(st.repo, coordinator, cfg.Polling.Interval, logger.For(logger.ComponentScheduler))
	sched.Start()

	var accounts gin.Accounts
	if cfg.API.User != "" {
		accounts = gin.Accounts{cfg.API.User: cfg.API.Password}
	}
	gin.SetMode(gin.ReleaseMode)
	server := api.New(st.repo, box, coordinator, api.Config{
		Listen:   cfg.API.Listen,
		Accounts: accounts,
		Location: cfg.Location(),
	}, logger.For(logger.ComponentAPI))
	server.Start()

	var notices *mqttnotice.Listener
	if cfg.MQTT.Broker != "" {
		notices = mqttnotice.New(mqttnotice.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, st.repo, box, logger.For(logger.ComponentMQTT))
		if err := notices.Connect(); err != nil {
			sentry.ReportIssue(err, sentry.IssueTypeError, log)
		}
		health.AddReadinessCheck("mqtt", notices.Connected)
	}

	metricsServer := serve(cfg.Metrics.Listen, metricsMux(), log)
	healthServer := serve(cfg.Metrics.HealthListen, health, log)

	<-ctx.Done()
	log.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Polling.ShutdownWindow)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Admin API did not shut down cleanly: %v", err)
	}
	sched.Stop()
	if notices != nil {
		notices.Close()
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Fetch runs still in flight at shutdown: %v", err)
	}
	if err := out.Close(); err != nil {
		log.Warnf("Failed to close sink: %v", err)
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = healthServer.Shutdown(shutdownCtx)

	log.Info("Shutdown complete")
}

func openStores(ctx context.Context, cfg config.Config, health healthcheck.Handler) (*stores, error) {
	st := &stores{
		events: outbox.NewMemoryLog(),
		repo:   permission.NewMemoryRepository(),
		marks:  watermark.NewMemoryStore(),
	}

	if cfg.Postgres.DSN != "" {
		pool, err := postgres.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		st.pool = pool

		if err := postgres.Migrate(ctx, pool); err != nil {
			st.close()
			return nil, err
		}

		repo, err := postgres.NewRepository(pool, cfg.Polling.CacheSize)
		if err != nil {
			st.close()
			return nil, err
		}

		st.events = postgres.NewEventLog(pool)
		st.repo = repo
		st.marks = postgres.NewWatermarks(pool)

		health.AddReadinessCheck("database", postgres.Healthy(pool))
		health.AddLivenessCheck("database", postgres.Healthy(pool))
	} else {
		logger.For(logger.ComponentCore).Warn("No POSTGRES_DSN configured, state is kept in memory only")
	}

	if cfg.Redis.Addr != "" {
		st.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := st.redis.Ping(ctx).Err(); err != nil {
			st.close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}

		st.marks = redisstore.New(st.redis, cfg.Redis.Prefix)
		health.AddReadinessCheck("redis", func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return st.redis.Ping(pingCtx).Err()
		})
	}

	return st, nil
}

func (s *stores) close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func openSink(cfg config.Config) (sink.Sink, error) {
	log := logger.For(logger.ComponentKafkaSink)

	if len(cfg.Kafka.Brokers) > 0 {
		return kafkasink.Dial(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID, log)
	}

	log.Warn("No KAFKA_BROKERS configured, fetched data is only logged")
	ch := sink.NewChannelSink(256)
	go func() {
		for rec := range ch.Records() {
			log.Infow("Fetched payload",
				"permission_id", rec.Permission.PermissionID(),
				"meter_id", rec.Payload.MeterID,
				"readings", len(rec.Payload.Readings))
		}
	}()

	return ch, nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	return mux
}

func serve(addr string, handler http.Handler, log *zap.SugaredLogger) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Error serving %s: %s", addr, err)
		}
	}()

	return server
}
