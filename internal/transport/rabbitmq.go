// README: RabbitMQ topic-exchange adapter; publishes engine messages and consumes order offers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"coursier/internal/logging"
	"coursier/internal/types"
)

const (
	deliveryExchangeName = "delivery_topic"
	reconnInterval       = 5 * time.Second
	publishTimeout       = 3 * time.Second
)

// Routing keys. The order or driver id is appended as the last segment.
const (
	RouteLocation = "driver.location"
	RouteStatus   = "order.status"
	RouteOffer    = "order.offer"
)

type RabbitMQ struct {
	ctx          context.Context
	url          string
	log          *slog.Logger
	conn         *amqp.Connection
	ch           *amqp.Channel
	reconnecting bool
	mu           sync.Mutex
}

var _ Publisher = (*RabbitMQ)(nil)

func NewRabbitMQ(ctx context.Context, url string, log *slog.Logger) (*RabbitMQ, error) {
	r := &RabbitMQ{ctx: ctx, url: url, log: logging.OrNop(log)}
	if err := r.connect(); err != nil {
		return nil, fmt.Errorf("rabbit connect: %w", err)
	}
	return r, nil
}

func (r *RabbitMQ) PublishLocation(ctx context.Context, msg LocationMessage) error {
	return r.PublishJSON(ctx, RouteLocation+"."+string(msg.OrderID), msg)
}

func (r *RabbitMQ) PublishStatus(ctx context.Context, msg StatusUpdate) error {
	return r.PublishJSON(ctx, RouteStatus+"."+string(msg.OrderID), msg)
}

func (r *RabbitMQ) PublishJSON(ctx context.Context, routingKey string, msg any) error {
	if !r.IsAlive() {
		go r.reconnect(r.ctx)
		return fmt.Errorf("%w: amqp closed", ErrNetworkUnavailable)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	pubctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	r.mu.Lock()
	ch := r.ch
	r.mu.Unlock()
	return ch.PublishWithContext(pubctx, deliveryExchangeName, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// ConsumeOffers binds a durable queue to the offer routing keys and calls
// handle for every decoded offer until ctx is done. Malformed offers are
// rejected without requeue; handler errors are requeued once.
func (r *RabbitMQ) ConsumeOffers(ctx context.Context, queueName string, handle func(context.Context, OrderOffer) error) error {
	deliveries, err := r.consume(ctx, queueName, RouteOffer+".*")
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("offer consumer closed")
			}
			var offer OrderOffer
			if err := json.Unmarshal(d.Body, &offer); err != nil {
				r.log.Warn("dropping malformed offer", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			if offer.DriverID == "" {
				offer.DriverID = driverFromRoutingKey(d.RoutingKey)
			}
			if err := handle(ctx, offer); err != nil {
				r.log.Error("offer handler failed", "order_id", offer.Order.ID, "error", err)
				_ = d.Nack(false, !d.Redelivered)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (r *RabbitMQ) consume(ctx context.Context, queueName, bindingKey string) (<-chan amqp.Delivery, error) {
	if !r.IsAlive() {
		return nil, fmt.Errorf("%w: amqp closed", ErrNetworkUnavailable)
	}
	r.mu.Lock()
	ch := r.ch
	r.mu.Unlock()

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(queueName, bindingKey, deliveryExchangeName, false, nil); err != nil {
		return nil, fmt.Errorf("queue bind: %w", err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return nil, fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

func (r *RabbitMQ) IsAlive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || r.conn.IsClosed() {
		return false
	}
	return r.ch != nil && !r.ch.IsClosed()
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != nil && !r.ch.IsClosed() {
		if err := r.ch.Close(); err != nil {
			return fmt.Errorf("close channel: %w", err)
		}
	}
	if r.conn != nil && !r.conn.IsClosed() {
		if err := r.conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}
	return nil
}

func (r *RabbitMQ) connect() error {
	conn, err := amqp.Dial(r.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(deliveryExchangeName, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	r.mu.Lock()
	r.conn = conn
	r.ch = ch
	r.mu.Unlock()
	return nil
}

func (r *RabbitMQ) reconnect(ctx context.Context) {
	r.mu.Lock()
	if r.reconnecting {
		r.mu.Unlock()
		return
	}
	r.reconnecting = true
	r.mu.Unlock()

	t := time.NewTicker(reconnInterval)
	defer t.Stop()
	defer func() {
		r.mu.Lock()
		r.reconnecting = false
		r.mu.Unlock()
	}()

	for {
		select {
		case <-t.C:
			if err := r.connect(); err == nil {
				r.log.Info("amqp reconnected")
				return
			}
			r.log.Warn("amqp reconnect failed")
		case <-ctx.Done():
			return
		}
	}
}

func driverFromRoutingKey(key string) types.ID {
	prefix := RouteOffer + "."
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return types.ID(key[len(prefix):])
	}
	return ""
}
