package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/blackbook-billing/internal/lib/sl"
)

// ErrPermanent помечает сообщение, которое нет смысла возвращать в очередь.
var ErrPermanent = errors.New("permanent message failure")

// ConsumerMessage запускает потребителя очереди. Обработчики работают параллельно,
// не больше 10 одновременно. Ошибка обработчика возвращает сообщение в очередь,
// кроме ErrPermanent.
func ConsumerMessage(ctx context.Context, log *slog.Logger, ch *amqp.Channel, queueName string, handler func([]byte) error) error {
	const op = "rabbitmq.ConsumerMessage"
	delivery, err := ch.Consume(
		queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	log = log.With(slog.String("op", op), slog.String("queue", queueName))
	go dispatch(ctx, log, delivery, maxInFlight, handler)
	return nil
}

const maxInFlight = 10

// dispatch раздаёт доставки обработчикам, держа не больше limit одновременно.
// Возвращается при отмене ctx, даже если все обработчики заняты.
func dispatch(ctx context.Context, log *slog.Logger, delivery <-chan amqp.Delivery, limit int, handler func([]byte) error) {
	sem := make(chan struct{}, limit)
	for {
		select {
		case d, ok := <-delivery:
			if !ok {
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// не взятое в работу сообщение брокер вернёт в очередь
				if err := d.Nack(false, true); err != nil {
					log.Warn("failed to requeue message on shutdown", sl.Err(err))
				}
				return
			}
			go func(delivery amqp.Delivery) {
				defer func() { <-sem }()
				if err := handler(delivery.Body); err != nil {
					requeue := !errors.Is(err, ErrPermanent)
					log.Warn("message handling failed", sl.Err(err), slog.Bool("requeue", requeue))
					if nackErr := delivery.Nack(false, requeue); nackErr != nil {
						log.Error("failed to nack message", sl.Err(nackErr))
					}
					return
				}
				if ackErr := delivery.Ack(false); ackErr != nil {
					log.Error("failed to ack message", sl.Err(ackErr))
				}
			}(d)
		case <-ctx.Done():
			return
		}
	}
}
