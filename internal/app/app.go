// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/conclav/conclav-notify/internal/auth"
	"github.com/conclav/conclav-notify/internal/config"
	"github.com/conclav/conclav-notify/internal/notifications"
	"github.com/conclav/conclav-notify/internal/notifications/attachments"
	"github.com/conclav/conclav-notify/internal/notifications/email"
	"github.com/conclav/conclav-notify/internal/notifications/mattermost"
	notificationspostgres "github.com/conclav/conclav-notify/internal/notifications/postgres"
	"github.com/conclav/conclav-notify/internal/pkg/ctxlog"
	"github.com/conclav/conclav-notify/internal/pkg/httputil"
	"github.com/conclav/conclav-notify/internal/pkg/metrics"
	"github.com/conclav/conclav-notify/internal/pkg/postgres"
	"github.com/conclav/conclav-notify/internal/pkg/redislock"
	"github.com/conclav/conclav-notify/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	applicationName = "conclav-notify"
	metricsInterval = 15 * time.Second
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *redis.Client
	repo          *notificationspostgres.Repository
	batcher       *notifications.Batcher
	server        *http.Server
	metricsServer *http.Server
	bgCtx         context.Context
	bgCancel      context.CancelFunc
	worker        *notifications.Worker
}

// New creates a new application instance. It connects to every configured
// backend but starts nothing; see Run.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
		ApplicationName: applicationName,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		repo:     notificationspostgres.NewRepository(db),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}

	if cfg.Redis.URL != "" {
		app.redis, err = redislock.Connect(connectCtx, cfg.Redis.URL)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
	}

	app.batcher, err = app.setupBatcher(connectCtx)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("setup batcher: %w", err)
	}

	router, err := app.setupRouter()
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	if cfg.Worker.Enabled {
		app.worker = notifications.NewWorker(notifications.WorkerConfig{
			PollInterval: cfg.Worker.PollInterval,
		}, app.batcher)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the background collectors, the scheduler and both HTTP
// servers. It blocks until the API server stops.
func (a *App) Run() error {
	go metrics.Poll(a.bgCtx, metricsInterval, func(context.Context) { metrics.RecordDBPool(a.db) })
	go metrics.Poll(a.bgCtx, metricsInterval, a.collectQueueStats)

	if a.worker != nil {
		a.worker.Start(a.bgCtx)
	}

	go func() {
		if err := serve(a.logger, "metrics", a.metricsServer); err != nil {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()

	return serve(a.logger, "api", a.server)
}

func serve(logger *slog.Logger, name string, srv *http.Server) error {
	logger.Info("listening", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// Shutdown stops the scheduler, drains both servers in parallel and closes
// the backends.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	if a.worker != nil {
		a.worker.Stop()
	}

	servers := map[string]*http.Server{"api": a.server, "metrics": a.metricsServer}
	results := make(chan error, len(servers))
	for name, srv := range servers {
		go func() {
			if err := srv.Shutdown(ctx); err != nil {
				results <- fmt.Errorf("shutdown %s server: %w", name, err)
				return
			}
			results <- nil
		}()
	}

	var errs []error
	for range servers {
		errs = append(errs, <-results)
	}

	a.Close()
	return errors.Join(errs...)
}

// Close releases backend connections. It is used directly by one-shot
// commands that never call Run.
func (a *App) Close() {
	a.bgCancel()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	a.db.Close()
}

// Batcher returns the dispatch batcher.
func (a *App) Batcher() *notifications.Batcher {
	return a.batcher
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupBatcher(ctx context.Context) (*notifications.Batcher, error) {
	cfg := a.config

	transport, err := newTransport(cfg.Email)
	if err != nil {
		return nil, fmt.Errorf("create email transport: %w", err)
	}

	renderer, err := notifications.NewRenderer(cfg.App.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("create renderer: %w", err)
	}

	var opts []notifications.BatcherOption

	if a.redis != nil {
		opts = append(opts, notifications.WithLocker(redislock.New(a.redis)))
	} else {
		slog.Warn("redis is not configured: dispatch runs are only serialised through row claims")
	}

	if cfg.Attachments.Minio.Enabled {
		store, err := attachments.NewMinioStore(ctx, attachments.MinioConfig{
			Endpoint:  cfg.Attachments.Minio.Endpoint,
			AccessKey: cfg.Attachments.Minio.AccessKey,
			SecretKey: cfg.Attachments.Minio.SecretKey,
			Bucket:    cfg.Attachments.Minio.Bucket,
			UseSSL:    cfg.Attachments.Minio.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("create attachment store: %w", err)
		}
		opts = append(opts, notifications.WithAttachmentStore(store))
	}

	if cfg.Alerts.MattermostWebhookURL != "" {
		reporter, err := mattermost.NewReporter(mattermost.Config{
			WebhookURL: cfg.Alerts.MattermostWebhookURL,
			Channel:    cfg.Alerts.MattermostChannel,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, notifications.WithReporter(reporter))
	}

	hostname, _ := os.Hostname()

	batcherConfig := notifications.BatcherConfig{
		From:      cfg.Email.From,
		BatchSize: cfg.Dispatch.BatchSize,
		SendDelay: cfg.Dispatch.SendDelay,
		Retention: cfg.Dispatch.Retention,
		LeaseTTL:  cfg.Dispatch.LeaseTTL,
		LockKey:   cfg.Dispatch.LockKey,
		LockTTL:   cfg.Dispatch.LockTTL,
		Owner:     fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		Retry: notifications.RetryConfig{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			MaxBackoff:        cfg.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		},
	}

	slog.Info("dispatch configured",
		"transport", transport.Name(),
		"batch_size", batcherConfig.BatchSize,
		"send_delay", batcherConfig.SendDelay,
		"retention", batcherConfig.Retention,
		"max_attempts", batcherConfig.Retry.MaxAttempts,
		"worker_enabled", cfg.Worker.Enabled,
	)

	return notifications.NewBatcher(batcherConfig, a.repo, renderer, transport, opts...), nil
}

func newTransport(cfg config.EmailConfig) (notifications.Transport, error) {
	var transport notifications.Transport

	switch cfg.Transport {
	case config.TransportSMTP:
		t, err := email.NewSMTPTransport(email.SMTPConfig{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			User:       cfg.SMTP.User,
			Password:   cfg.SMTP.Password,
			DisableTLS: cfg.SMTP.DisableTLS,
		})
		if err != nil {
			return nil, err
		}
		transport = t
	default:
		t, err := email.NewResendTransport(email.ResendConfig{
			APIKey:  cfg.Resend.APIKey,
			BaseURL: cfg.Resend.BaseURL,
			Timeout: cfg.Resend.Timeout,
		})
		if err != nil {
			return nil, err
		}
		transport = t
	}

	if cfg.Breaker.Enabled {
		transport = email.NewBreakerTransport(transport, email.BreakerConfig{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout,
			HalfOpenRequests:    cfg.Breaker.HalfOpenRequests,
		})
	}

	return transport, nil
}

func (a *App) collectQueueStats(ctx context.Context) {
	stats, err := a.repo.GetQueueStats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("failed to get queue stats", "error", err)
		}
		return
	}
	notifications.RecordQueueStats(stats)
}

func (a *App) setupRouter() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(httputil.CORSConfig{
		AllowedOrigins: a.config.CORS.AllowedOrigins,
		AllowedHeaders: a.config.CORS.AllowedHeaders,
	}))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	dispatchHandler := notifications.NewHandler(a.batcher, a.config.Server.RunTimeout)

	var validator *auth.Validator
	if a.config.Auth.JWTSecret != "" {
		var err error
		validator, err = auth.NewValidator(auth.Config{
			Secret: a.config.Auth.JWTSecret,
			Issuer: a.config.Auth.Issuer,
		})
		if err != nil {
			return nil, fmt.Errorf("create token validator: %w", err)
		}
	} else {
		slog.Warn("auth.jwt_secret is empty: the dispatch trigger is not authenticated")
	}

	r.Route("/api/v1", func(r chi.Router) {
		if a.config.Server.TriggerRate > 0 {
			r.Use(httputil.RateLimitMiddleware(rate.NewLimiter(rate.Limit(a.config.Server.TriggerRate), 1)))
		}
		if validator != nil {
			r.Use(httputil.AuthMiddleware(validator))
			r.Use(httputil.RequireRole(a.config.Auth.AllowedRoles...))
		}
		dispatchHandler.RegisterRoutes(r)
	})

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
