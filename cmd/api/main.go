package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dealflow/agent"
	"dealflow/auth"
	"dealflow/client"
	"dealflow/config"
	"dealflow/db"
	"dealflow/deal"
	"dealflow/document"
	"dealflow/events"
	"dealflow/logger"
	"dealflow/metrics"
	"dealflow/ratelimit"
	"dealflow/storage"
)

const serviceName = "dealflow"

func main() {
	configPath := flag.String("config", os.Getenv("DEALFLOW_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg := logger.New(cfg.Environment, cfg.Logger.Level, serviceName)
	defer lg.Sync()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := metrics.InitTracing(serviceName, cfg.Environment)
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			lg.Warn("shutdown tracing", zap.Error(err))
		}
	}()

	if err := db.Migrate(ctx, cfg.Database.URL); err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	checks := map[string]metrics.Check{"postgres": pool.Ping}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			lg.Warn("redis unreachable, requests will not be rate limited until it recovers", zap.Error(err))
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	var scripter redis.Scripter
	if rdb != nil {
		scripter = rdb
	}

	publisher := events.Publisher(events.NewLogPublisher(lg))
	if cfg.RabbitMQ.Enabled {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, lg)
		if err != nil {
			lg.Warn("rabbitmq unavailable, falling back to log publisher", zap.Error(err))
		} else {
			defer amqpPublisher.Close()
			publisher = amqpPublisher
		}
	}

	m := metrics.New(serviceName)
	server, err := newServer(cfg, pool, scripter, m, metrics.NewHealth(checks), lg)
	if err != nil {
		return err
	}

	relay := events.NewRelay(pool, publisher, events.RelayConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
	}, lg.Named("outbox")).WithObserver(m)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		lg.Info("shutting down http server")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newServer(cfg *config.Config, pool *pgxpool.Pool, scripter redis.Scripter, m *metrics.Metrics, health *metrics.Health, lg *zap.Logger) (*Server, error) {
	store, err := storage.NewFileStore(cfg.Storage.Dir)
	if err != nil {
		return nil, err
	}
	tickets := storage.NewTickets(cfg.JWT.Secret, cfg.JWT.UploadTTL)
	revisions := deal.NewRevisions(m)

	documentService := document.NewService(pool, revisions, store, tickets, document.Config{
		PublicBaseURL: cfg.Server.PublicBaseURL,
	}, lg.Named("document")).WithObserver(m)

	return &Server{
		authService:  auth.NewService(auth.NewRepository(pool), cfg.JWT.Secret, cfg.JWT.TTL),
		agentService: agent.NewService(agent.NewRepository(pool), lg.Named("agent")),
		clientService: client.NewService(pool, client.Config{
			AppBaseURL:        cfg.Server.AppBaseURL,
			InvitationTTL:     cfg.Invitations.TTL,
			RequireEmailMatch: cfg.Invitations.RequireEmailMatch,
		}, lg.Named("client")),
		dealService:     deal.NewService(pool, revisions, lg.Named("deal")),
		documentService: documentService,
		limiter:         ratelimit.New(scripter, cfg.RateLimit, lg.Named("ratelimit")),
		metrics:         m,
		health:          health,
		logger:          lg,
	}, nil
}
