// Package billingapi собирает HTTP-приложение биллинга: приём колбэков,
// кабинет провайдера и админский просмотр журнала.
package billingapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/blackbook-billing/internal/cache"
	"github.com/magabrotheeeer/blackbook-billing/internal/config"
	"github.com/magabrotheeeer/blackbook-billing/internal/http/middlewarectx"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/jwt"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/sl"
	"github.com/magabrotheeeer/blackbook-billing/internal/metrics"
	"github.com/magabrotheeeer/blackbook-billing/internal/migrations"
	"github.com/magabrotheeeer/blackbook-billing/internal/services/ledger"
	"github.com/magabrotheeeer/blackbook-billing/internal/services/payment"
	"github.com/magabrotheeeer/blackbook-billing/internal/services/portal"
	"github.com/magabrotheeeer/blackbook-billing/internal/storage/repository"
)

// App HTTP-приложение биллинга.
type App struct {
	server *http.Server
	logger *slog.Logger
	db     *repository.Storage
	cache  *cache.Cache
	conn   *amqp.Connection
	ch     *amqp.Channel
}

// New поднимает зависимости и собирает маршрутизатор.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "billingapi.New"

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err = migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		_ = cacheRedis.Close()
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
	if err != nil {
		_ = conn.Close()
		_ = cacheRedis.Close()
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	m := metrics.New()
	jwtMaker := jwt.NewJWTMaker(cfg.JWTSecretKey, cfg.TokenTTL)
	recorder := ledger.New(db, logger)
	paymentService := payment.New(
		logger,
		payment.NewPolicy(cfg.Payments),
		recorder,
		db,
		cacheRedis,
		rabbitmq.NewPublisher(ch),
		m,
	)
	portalService := portal.New(logger, db, cacheRedis, jwtMaker, cfg.Portal)

	router := chi.NewRouter()
	RegisterRoutes(router, logger, Handlers{
		Health:          db,
		Callback:        paymentService,
		Portal:          portalService,
		Ledger:          recorder,
		JWT:             jwtMaker,
		LoginLimiter:    middlewarectx.NewIPRateLimiter(cfg.LoginRateLimit, cfg.LoginRateBurst),
		Metrics:         m.Handler(),
		CallbackSecret:  cfg.CallbackSecret,
		SignatureHeader: cfg.SignatureHeader,
	})

	srv := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		server: srv,
		logger: logger,
		db:     db,
		cache:  cacheRedis,
		conn:   conn,
		ch:     ch,
	}, nil
}

// Run обслуживает запросы до отмены ctx и затем корректно завершает сервер.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		err = a.server.Shutdown(timeoutCtx)
	}
	a.close()
	return err
}

func (a *App) close() {
	if err := a.ch.Close(); err != nil {
		a.logger.Error("failed to close channel", sl.Err(err))
	}
	if err := a.conn.Close(); err != nil {
		a.logger.Error("failed to close connection", sl.Err(err))
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Error("failed to close redis", sl.Err(err))
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close database", sl.Err(err))
	}
}
