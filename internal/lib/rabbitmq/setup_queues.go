package rabbitmq

// NotificationsExchange имя exchange, через который идут уведомления.
const NotificationsExchange = "notifications"

// BillingRoutingKey ключ маршрутизации событий биллинга.
const BillingRoutingKey = "billing"

// BillingQueue очередь событий биллинга для notification-sender.
const BillingQueue = "notifications.billing"

// QueueConfig описывает очередь и её ключ маршрутизации.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// GetNotificationQueues возвращает очереди, которые слушает notification-sender.
func GetNotificationQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: BillingQueue, RoutingKey: BillingRoutingKey},
	}
}
