package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"wasched/internal/attachments"
	"wasched/internal/awsutil"
	"wasched/internal/config"
	"wasched/internal/dispatch"
	"wasched/internal/events"
	"wasched/internal/guard"
	"wasched/internal/httpserver"
	"wasched/internal/logging"
	"wasched/internal/observability"
	"wasched/internal/providers/whatsapp"
	"wasched/internal/queue/natsq"
	sqsqueue "wasched/internal/queue/sqs"
	"wasched/internal/scheduler"
	"wasched/internal/service"
	"wasched/internal/session"
	"wasched/internal/store"
	"wasched/internal/store/file"
	"wasched/internal/store/pg"
	"wasched/internal/util"
)

func main() {
	cfg := config.LoadAPI()
	log := logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observability.Register(prometheus.DefaultRegisterer)

	loc := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Error("api invalid timezone", "timezone", cfg.Timezone, "err", err)
			os.Exit(1)
		}
		loc = l
	}

	// task store
	var (
		tasks     store.TaskStore
		db        *pgxpool.Pool
		readiness []httpserver.ReadyzCheck
	)
	switch cfg.StoreDriver {
	case "postgres":
		var err error
		db, err = pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:          cfg.DBPoolMaxConns,
			MinConns:          cfg.DBPoolMinConns,
			MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
			MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
			HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
		})
		if err != nil {
			log.Error("api db connect failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		pgStore := pg.New(db)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("api db schema failed", "err", err)
			os.Exit(1)
		}
		tasks = pgStore
		readiness = append(readiness, pgStore.Ping)
	case "file", "":
		fileStore := file.New(cfg.ScheduleFile)
		tasks = fileStore
		readiness = append(readiness, fileStore.Ping)
	default:
		log.Error("api unknown store driver", "driver", cfg.StoreDriver)
		os.Exit(1)
	}

	// session credential store
	var factory *whatsapp.Factory
	var err error
	switch cfg.Session.Dialect {
	case "postgres":
		if db == nil {
			db, err = pg.NewPool(ctx, cfg.Session.DSN, pg.PoolOptions{MaxConns: 4})
			if err != nil {
				log.Error("api session db connect failed", "err", err)
				os.Exit(1)
			}
			defer db.Close()
		}
		factory, err = whatsapp.NewFactoryWithDB(ctx, pg.SQLDB(db), "postgres", log, cfg.Session.LogLevel)
	default:
		factory, err = whatsapp.NewSQLiteFactory(ctx, cfg.Session.DSN, log, cfg.Session.LogLevel)
	}
	if err != nil {
		log.Error("api session store init failed", "err", err)
		os.Exit(1)
	}
	defer factory.Close()

	manager := session.NewManager(factory, session.Options{
		MaxAttempts:    cfg.Session.MaxInitAttempts,
		RetryDelay:     cfg.Session.RetryDelay,
		AuthRetryDelay: cfg.Session.AuthRetryDelay,
		ReconnectDelay: cfg.Session.ReconnectDelay,
		Logger:         log,
	})

	// attachments
	var files attachments.Store = &attachments.Local{Dir: cfg.ScheduledDir}
	if cfg.MinioEndpoint != "" {
		m, err := attachments.NewMinio(ctx, attachments.MinioConfig{
			Endpoint:        cfg.MinioEndpoint,
			AccessKeyID:     cfg.MinioAccessKey,
			SecretAccessKey: cfg.MinioSecretKey,
			UseSSL:          cfg.MinioUseSSL,
			Bucket:          cfg.MinioBucket,
			Prefix:          cfg.MinioPrefix,
		})
		if err != nil {
			log.Error("api minio init failed", "err", err)
			os.Exit(1)
		}
		files = m
		readiness = append(readiness, m.Ping)
	}

	// firing guard
	var firing guard.Guard = guard.NewLocal()
	if cfg.RedisAddr != "" {
		rdb, err := guard.NewRedisClient(ctx, guard.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Error("api redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		firing = &guard.Redis{Client: rdb, Prefix: "wasched:"}
	}

	// dispatch events
	var publishers events.Multi
	if cfg.SQSEventsQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			log.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		publishers = append(publishers, &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSEventsQueueURL})
	}
	if cfg.NATSURL != "" {
		nc, err := natsq.Connect(cfg.NATSURL, natsq.Config{Name: "wasched-api", MaxReconnects: -1})
		if err != nil {
			log.Error("api nats init failed", "err", err)
			os.Exit(1)
		}
		defer nc.Drain()
		publishers = append(publishers, &natsq.Publisher{Conn: nc, Subject: cfg.NATSSubject})
	}
	var publisher events.Publisher = events.Noop{}
	if len(publishers) > 0 {
		publisher = publishers
	}

	processor := &dispatch.Processor{
		Store:       tasks,
		Sessions:    manager,
		Attachments: files,
		Events:      publisher,
		Guard:       firing,
		GuardTTL:    cfg.FiringLockTTL,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.SendRPS), cfg.SendBurst),
		Breaker:     dispatch.NewBreaker("whatsapp", cfg.BreakerMaxFailures, cfg.BreakerTimeout),
		SendTimeout: cfg.SendTimeout,
		Log:         log,
	}

	sched := scheduler.New(func(ctx context.Context, taskID string, _ time.Time) error {
		return processor.Dispatch(ctx, taskID, events.TriggerSchedule)
	}, scheduler.Options{
		Location:   loc,
		RunTimeout: cfg.DispatchTimeout,
		Logger:     log,
	})

	svc := &service.TaskService{
		Store:       tasks,
		Attachments: files,
		Triggers:    sched,
		Groups:      processor,
		Dispatcher:  processor,
		NewID:       util.NewTaskID,
		Log:         log,
	}

	n, err := svc.Rebuild(ctx)
	if err != nil {
		log.Error("api trigger rebuild failed", "err", err)
		os.Exit(1)
	}
	log.Info("api triggers restored", "count", n)
	sched.Start()
	manager.Start(ctx, cfg.Session.StartDelay)

	s := httpserver.New()
	api := &httpserver.API{
		Sessions:       manager,
		Messenger:      processor,
		Tasks:          svc,
		Triggers:       sched,
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadMB << 20,
		BotJID:         cfg.Session.BotJID,
		Location:       loc,
	}
	api.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, readiness...))

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Error("api upload dir failed", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			log.Info("api shutdown", "signal", sig.String())
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		if err := sched.Stop(shutdownCtx); err != nil {
			log.Warn("api scheduler stop timed out", "err", err)
		}
		manager.Close()
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
