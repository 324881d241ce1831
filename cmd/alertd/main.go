// Command alertd runs the detection alert service: NATS ingest, the fan-out
// engine, outbound transports and the admin API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/technosupport/vms-alerts/internal/alerts"
	"github.com/technosupport/vms-alerts/internal/api"
	"github.com/technosupport/vms-alerts/internal/archive"
	"github.com/technosupport/vms-alerts/internal/auth"
	"github.com/technosupport/vms-alerts/internal/config"
	"github.com/technosupport/vms-alerts/internal/data"
	"github.com/technosupport/vms-alerts/internal/dispatch"
	"github.com/technosupport/vms-alerts/internal/engine"
	"github.com/technosupport/vms-alerts/internal/history"
	"github.com/technosupport/vms-alerts/internal/ingest"
	"github.com/technosupport/vms-alerts/internal/logger"
	"github.com/technosupport/vms-alerts/internal/metrics"
	"github.com/technosupport/vms-alerts/internal/middleware"
	"github.com/technosupport/vms-alerts/internal/notify/email"
	"github.com/technosupport/vms-alerts/internal/notify/sms"
	"github.com/technosupport/vms-alerts/internal/push"
	"github.com/technosupport/vms-alerts/internal/ratelimit"
	"github.com/technosupport/vms-alerts/internal/registry"
	"github.com/technosupport/vms-alerts/internal/tokens"
)

func main() {
	configPath := flag.String("config", os.Getenv("ALERTS_CONFIG"), "path to YAML config (optional)")
	flag.Parse()

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zlog, err := logger.New(cfg.Environment)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlog); err != nil {
		zlog.Fatal("alertd stopped with error", zap.Error(err))
	}
	zlog.Info("alertd stopped")
}

func run(ctx context.Context, cfg config.Config, zlog *zap.Logger) error {
	collector := metrics.NewCollector()
	reg := registry.New()
	health := map[string]api.HealthCheck{}

	// Severity rules
	classifier := alerts.NewClassifier(alerts.DefaultRules())
	if cfg.RulesPath != "" {
		watcher := alerts.NewRuleWatcher(cfg.RulesPath, classifier, zlog.Named("rules"))
		if err := watcher.Reload(); err != nil {
			zlog.Warn("severity rules not loaded, using defaults", zap.String("path", cfg.RulesPath), zap.Error(err))
		}
		go watcher.Run(ctx)
	}

	// Redis: delivery history, token revocation, rate limits
	var (
		store     history.Store = history.NewMemoryStore()
		blacklist auth.TokenBlacklist
		limiter   *middleware.RateLimitMiddleware
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		store = history.NewRedisStore(rdb, cfg.Redis.Retention)
		blacklist = auth.NewRedisBlacklist(rdb)
		limiter = middleware.NewRateLimitMiddleware(
			ratelimit.NewLimiter(rdb, cfg.RateLimit.Salt),
			middleware.RateLimitConfig{
				IP:       ratelimit.LimitConfig{Rate: cfg.RateLimit.IPRate, Window: cfg.RateLimit.IPWindow},
				Operator: ratelimit.LimitConfig{Rate: cfg.RateLimit.OperatorRate, Window: cfg.RateLimit.OperatorWindow},
			},
			collector, zlog.Named("ratelimit"))
		health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		zlog.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	} else {
		zlog.Warn("REDIS_ADDR not set: delivery history in memory, no token revocation or rate limits")
	}

	// Postgres: durable recipients and the archive index
	var (
		db         *sql.DB
		recipients api.RecipientStore
		archiveIdx api.ArchiveIndex
		indexer    archive.Indexer
	)
	if cfg.Postgres.DSN != "" {
		var err error
		db, err = data.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer db.Close()

		model := data.RecipientModel{DB: db}
		n, err := model.LoadInto(ctx, reg)
		if err != nil {
			zlog.Warn("some recipients were not loaded", zap.Error(err))
		}
		zlog.Info("recipients loaded", zap.Int("count", n))

		recipients = model
		idx := data.ArchiveIndexModel{DB: db}
		archiveIdx, indexer = idx, idx
		health["postgres"] = db.PingContext
	}

	// Transports
	tm := tokens.NewManager(cfg.Auth.JWTSigningKey, cfg.Auth.TokenTTL)
	hub := push.NewHub(reg, tm, zlog.Named("push"))

	opts := []dispatch.Option{
		dispatch.WithPush(hub),
		dispatch.WithRecorder(collector),
		dispatch.WithLogger(zlog.Named("dispatch")),
	}
	if cfg.Email.ServerToken != "" {
		sender, err := email.NewPostmarkSender(email.Config{
			ServerToken:  cfg.Email.ServerToken,
			AccountToken: cfg.Email.AccountToken,
			From:         cfg.Email.From,
			ReplyTo:      cfg.Email.ReplyTo,
		})
		if err != nil {
			return err
		}
		opts = append(opts, dispatch.WithEmail(sender))
	} else {
		zlog.Warn("POSTMARK_SERVER_TOKEN not set: email alerts are logged only")
		opts = append(opts, dispatch.WithEmail(email.NewLogSender(zlog.Named("email"))))
	}
	if cfg.SMS.BrokerURL != "" {
		mq, err := sms.Dial(sms.MQTTConfig{
			BrokerURL: cfg.SMS.BrokerURL,
			Username:  cfg.SMS.Username,
			Password:  cfg.SMS.Password,
			ClientID:  cfg.SMS.ClientID,
		})
		if err != nil {
			return err
		}
		defer mq.Close()
		gw := sms.NewGateway(mq, cfg.SMS.BaseTopic)
		opts = append(opts, dispatch.WithSMS(gw))
		zlog.Info("sms gateway connected", zap.String("topic", gw.Topic()))
	}

	dispatcher := dispatch.New(store, dispatch.Config{
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		BaseBackoff:    cfg.Dispatch.BaseBackoff,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
	}, opts...)

	// Engine; the archiver is attached before any event can be submitted.
	var archiver *archive.Archiver
	eng := engine.New(engine.Config{
		Workers: cfg.Engine.Workers,
		MaxInflight: map[alerts.ChannelKind]int{
			alerts.ChannelLivePush: cfg.Engine.MaxInflightPush,
			alerts.ChannelEmail:    cfg.Engine.MaxInflightEmail,
			alerts.ChannelSMS:      cfg.Engine.MaxInflightSMS,
		},
		DedupSize:  cfg.Engine.DedupSize,
		DedupTTL:   cfg.Engine.DedupTTL,
		RecentSize: cfg.Engine.RecentSize,
	}, classifier, reg, dispatcher,
		engine.WithRecorder(collector),
		engine.WithLogger(zlog.Named("engine")),
		engine.WithOnComplete(func(st engine.AlertStatus) {
			if archiver != nil {
				archiver.Enqueue(st)
			}
		}),
	)

	if cfg.Archive.Enabled() {
		objects, err := archive.NewMinioStore(ctx, archive.MinioConfig{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			return err
		}
		archiver = archive.New(objects, eng, indexer, zlog.Named("archive"))
		archiver.Start()
		zlog.Info("archiving completed alerts", zap.String("bucket", cfg.Archive.Bucket))
	}

	// Ingest
	var (
		nc  *nats.Conn
		sub *ingest.Subscriber
	)
	if cfg.NATS.URL != "" {
		var err error
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("vms-alerts"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				zlog.Warn("nats disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				zlog.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			return fmt.Errorf("nats connect %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()
		sub = ingest.NewSubscriber(nc, cfg.NATS.Subject, cfg.NATS.Queue, eng, collector, zlog.Named("ingest"))
		if err := sub.Start(); err != nil {
			return err
		}
		health["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New(nc.Status().String())
			}
			return nil
		}
	}

	// HTTP
	router := api.NewRouter(api.Deps{
		Engine:     eng,
		Registry:   reg,
		Store:      recipients,
		Stats:      collector,
		Archive:    archiveIdx,
		Tokens:     tm,
		Blacklist:  blacklist,
		RateLimit:  limiter,
		WebSocket:  hub.ServeWS,
		Metrics:    collector.Handler(),
		Health:     health,
		CORSOrigin: cfg.HTTP.AllowedOrigins,
		Log:        zlog.Named("http"),
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		zlog.Info("shutdown requested")
	case serveErr = <-errCh:
		zlog.Error("http server failed", zap.Error(serveErr))
	}

	// Graceful shutdown: stop intake, then let in-flight alerts finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("http shutdown", zap.Error(err))
	}
	if sub != nil {
		if err := sub.Stop(); err != nil {
			zlog.Warn("ingest drain", zap.Error(err))
		}
	}
	if err := eng.Close(shutdownCtx); err != nil {
		zlog.Warn("engine did not drain before timeout", zap.Error(err))
	}
	if archiver != nil {
		archiver.Stop()
	}
	hub.Close()

	return serveErr
}
