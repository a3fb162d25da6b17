// Package sender собирает процесс доставки уведомлений провайдерам в Telegram.
package sender

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/blackbook-billing/internal/config"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/sl"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/telegram"
	"github.com/magabrotheeeer/blackbook-billing/internal/metrics"
	senderservice "github.com/magabrotheeeer/blackbook-billing/internal/services/sender"
)

// App приложение notification-sender.
type App struct {
	conn          *amqp.Connection
	ch            *amqp.Channel
	senderService *senderservice.SenderService
	metrics       *metrics.Metrics
	metricsAddr   string
	logger        *slog.Logger
}

// New подключается к брокеру и Telegram.
func New(_ context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	bot, err := telegram.New(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	logger.Info("telegram bot authorized", slog.String("username", bot.Username()))

	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, err
	}

	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	m := metrics.New()
	senderService := senderservice.NewSenderService(logger, bot, m)

	return &App{
		conn:          conn,
		ch:            ch,
		senderService: senderService,
		metrics:       m,
		metricsAddr:   cfg.MetricsAddress,
		logger:        logger,
	}, nil
}

// Run слушает очередь уведомлений до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	err := rabbitmq.ConsumerMessage(ctx, a.logger, a.ch, rabbitmq.BillingQueue, a.senderService.Handler(ctx))
	if err != nil {
		a.logger.Error("failed to start notifications consumer", slog.String("queue", rabbitmq.BillingQueue), sl.Err(err))
		return err
	}

	go func() {
		if err := a.metrics.Serve(ctx, a.metricsAddr); err != nil {
			a.logger.Error("metrics server stopped", sl.Err(err))
		}
	}()

	<-ctx.Done()
	a.logger.Info("Sender service shutting down gracefully")

	if err := a.ch.Close(); err != nil {
		a.logger.Error("failed to close channel", sl.Err(err))
	}

	if err := a.conn.Close(); err != nil {
		a.logger.Error("failed to close connection", sl.Err(err))
	}

	return nil
}
