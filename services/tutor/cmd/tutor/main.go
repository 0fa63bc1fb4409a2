package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"amplified/internal/ratelimit"
	"amplified/internal/usertoken"
	"amplified/internal/util"
	"amplified/pkg/ai"
	"amplified/pkg/domain"
	"amplified/pkg/pipeline"
	"amplified/pkg/queue"
	"amplified/pkg/retrieval"
	"amplified/pkg/scheduler"
	"amplified/services/tutor/internal/app"
	"amplified/services/tutor/internal/config"
	"amplified/services/tutor/internal/server"
)

const defaultChatPerMinute = 20

func main() {
	cliApp := &cli.App{
		Name:  "tutor",
		Usage: "Lecture processing pipeline, study material review and grounded chat",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				Value:   config.ConfigPath,
				EnvVars: []string{"TUTOR_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "worker",
						Usage: "Also run the job scheduler in this process",
						Value: true,
					},
				},
			},
			{
				Name:   "worker",
				Usage:  "Run the job scheduler without the HTTP API",
				Action: workerCommand,
			},
			jobsCommand(),
			mediaCommand(),
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

// runtime bundles what every subcommand needs after config load.
type runtime struct {
	cfg     config.FileConfig
	app     *app.App
	logger  *slog.Logger
	cleanup func()
}

func (r *runtime) Close() {
	if err := r.app.Close(); err != nil {
		r.logger.Warn("close app", "err", err)
	}
	if r.cleanup != nil {
		r.cleanup()
	}
}

// setup loads config, runs checks against it, then builds the app.
func setup(c *cli.Context, service string, checks ...func(config.FileConfig) error) (*runtime, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	for _, check := range checks {
		if err := check(cfg); err != nil {
			return nil, err
		}
	}
	logger, cleanup := util.InitLogger(cfg.LogLevel, service, cfg.LogsDir)
	appCfg, err := appConfig(cfg, logger)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, err
	}
	core, err := app.New(appCfg)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, fmt.Errorf("init app: %w", err)
	}
	return &runtime{cfg: cfg, app: core, logger: logger, cleanup: cleanup}, nil
}

func appConfig(cfg config.FileConfig, logger *slog.Logger) (app.Config, error) {
	materialTypes, err := parseMaterialTypes(cfg.Scheduler.MaterialTypes)
	if err != nil {
		return app.Config{}, err
	}
	return app.Config{
		DatabaseURL:   cfg.DatabaseURL,
		EmbeddingDim:  cfg.AI.EmbeddingDim,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		QueuePrefix:   cfg.Queue.Prefix,
		QueuePolicy: queue.Config{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BackoffBase: seconds(cfg.Queue.BackoffBaseSeconds),
			BackoffMax:  seconds(cfg.Queue.BackoffMaxSeconds),
		},
		Scheduler: scheduler.Config{
			Workers:           cfg.Scheduler.Workers,
			MaxPerSession:     cfg.Scheduler.MaxPerSession,
			PollInterval:      time.Duration(cfg.Scheduler.PollIntervalMs) * time.Millisecond,
			LivenessDeadline:  seconds(cfg.Scheduler.LivenessDeadlineSeconds),
			HeartbeatInterval: seconds(cfg.Scheduler.HeartbeatIntervalSeconds),
			ReapInterval:      seconds(cfg.Scheduler.ReapIntervalSeconds),
			StageTimeout:      seconds(cfg.Scheduler.StageTimeoutSeconds),
			MaterialTypes:     materialTypes,
		},
		Chunking: pipeline.ChunkingConfig{
			TargetChars:      cfg.Chunking.TargetChars,
			MaxMs:            cfg.Chunking.MaxMs,
			EmbedBatchSize:   cfg.Chunking.EmbedBatchSize,
			EmbedConcurrency: cfg.Chunking.EmbedConcurrency,
		},
		Retrieval: retrieval.Config{
			TopK:     cfg.Retrieval.TopK,
			MinScore: cfg.Retrieval.MinScore,
		},
		AI: ai.Config{
			Provider:             cfg.AI.Provider,
			BaseURL:              cfg.AI.BaseURL,
			APIKey:               cfg.AI.APIKey,
			EmbeddingModel:       cfg.AI.EmbeddingModel,
			EmbeddingDim:         cfg.AI.EmbeddingDim,
			GenerationModel:      cfg.AI.GenerationModel,
			TranscriptionBaseURL: cfg.AI.TranscriptionBaseURL,
			TranscriptionAPIKey:  cfg.AI.TranscriptionAPIKey,
			TranscriptionModel:   cfg.AI.TranscriptionModel,
		},
		MinioEndpoint:  cfg.Minio.Endpoint,
		MinioAccessKey: cfg.Minio.AccessKey,
		MinioSecretKey: cfg.Minio.SecretKey,
		MinioBucket:    cfg.Minio.Bucket,
		MinioUseSSL:    cfg.Minio.UseSSL,
		AMQPURL:        cfg.AMQP.URL,
		AMQPExchange:   cfg.AMQP.Exchange,
		Logger:         logger,
	}, nil
}

// parseMaterialTypes returns nil for an empty list so the scheduler falls
// back to every known type.
func parseMaterialTypes(raw []string) ([]domain.MaterialType, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]domain.MaterialType, 0, len(raw))
	for _, s := range raw {
		t, err := domain.ParseMaterialType(s)
		if err != nil {
			return nil, fmt.Errorf("scheduler.materialTypes: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func serveCommand(c *cli.Context) error {
	rt, err := setup(c, "tutor")
	if err != nil {
		return err
	}
	defer rt.Close()

	var verifier server.TokenVerifier
	if rt.cfg.Auth.JWKSURL != "" {
		v, err := usertoken.NewVerifier(c.Context, usertoken.Config{
			JWKSURL:  rt.cfg.Auth.JWKSURL,
			Issuer:   rt.cfg.Auth.Issuer,
			Audience: rt.cfg.Auth.Audience,
		})
		if err != nil {
			return fmt.Errorf("init token verifier: %w", err)
		}
		verifier = v
	} else {
		rt.logger.Warn("auth.jwksURL not set, all requests run as admin")
	}

	proxies, err := util.NewTrustedProxies(rt.cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}

	limiter, closeLimiter, err := chatLimiter(rt.cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	ctx, stop := signalContext(c.Context)
	defer stop()

	httpServer := server.New(server.Config{
		App:            rt.app,
		TokenVerifier:  verifier,
		ChatLimiter:    limiter,
		TrustedProxies: proxies,
	})
	addr := ":" + rt.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	workerDone := make(chan error, 1)
	if c.Bool("worker") {
		go func() { workerDone <- rt.app.RunWorker(ctx) }()
	} else {
		close(workerDone)
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("tutor server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			rt.logger.Error("server error", "err", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("http shutdown", "err", err)
	}
	if err := <-workerDone; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

func chatLimiter(cfg config.FileConfig) (ratelimit.Limiter, func(), error) {
	perMinute := cfg.RateLimit.ChatPerMinute
	if perMinute == 0 {
		perMinute = defaultChatPerMinute
	}
	if cfg.RedisAddr == "" {
		l, err := ratelimit.NewMemoryLimiter(perMinute, time.Minute)
		if err != nil {
			return nil, nil, fmt.Errorf("init chat limiter: %w", err)
		}
		return l, func() {}, nil
	}
	l, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "amplified:ratelimit:chat", perMinute, time.Minute)
	if err != nil {
		return nil, nil, fmt.Errorf("init chat limiter: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func workerCommand(c *cli.Context) error {
	rt, err := setup(c, "tutor-worker")
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext(c.Context)
	defer stop()
	rt.logger.Info("tutor worker started")
	if err := rt.app.RunWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	rt.logger.Info("tutor worker stopped")
	return nil
}
