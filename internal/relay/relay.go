// Package relay is the change-notification channel between the engine
// and the kitchen displays. Delivery is at-least-once with best-effort
// ordering; payloads are triggers, never deltas.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"tableflow/internal/config"
	"tableflow/internal/domain"
	"tableflow/internal/logger"
)

const Exchange = "changes_topic"

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	acks <-chan amqp.Confirmation
	mu   sync.Mutex // serializes Publish while waiting for confirms
	lg   *logger.Logger
}

func Dial(cfg config.RabbitMQ, lg *logger.Logger) (*Client, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.VHost)
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}
	acks := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	c := &Client{conn: conn, ch: ch, acks: acks, lg: lg}
	if err := c.declareTopology(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) declareTopology() error {
	return c.ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil)
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) Ping() error {
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// Publish sends a change event and waits for the broker ack.
// Routing key: <restaurant>.<table>.<event>.
func (c *Client) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s.%s.%s", ev.RestaurantID, ev.Table, ev.EventType)

	c.mu.Lock()
	defer c.mu.Unlock()

	err = c.ch.PublishWithContext(ctx, Exchange, key, false, false, amqp.Publishing{
		DeliveryMode:  amqp.Transient, // displays refetch anyway; nothing to replay
		ContentType:   "application/json",
		MessageId:     uuid.NewString(),
		CorrelationId: fmt.Sprintf("%d", ev.OrderID),
		Timestamp:     time.Now().UTC(),
		Body:          body,
	})
	if err != nil {
		return err
	}

	select {
	case conf := <-c.acks:
		if !conf.Ack {
			return errors.New("publish NACK from broker")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe binds an exclusive auto-delete queue on <restaurant>.# and
// drains deliveries into a channel from a background goroutine, so
// consumers see events as plain channel reads instead of AMQP callbacks.
func (c *Client) Subscribe(ctx context.Context, restaurantID string) (<-chan domain.ChangeEvent, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, restaurantID+".#", Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	out := make(chan domain.ChangeEvent, 64)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.ChangeEvent
				if err := json.Unmarshal(d.Body, &ev); err != nil {
					// still a valid "something changed" signal
					c.lg.Debug("relay_bad_payload", map[string]any{"len": len(d.Body)})
					ev = domain.ChangeEvent{RestaurantID: restaurantID}
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
