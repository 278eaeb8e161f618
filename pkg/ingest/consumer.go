// Package ingest consumes WhatsApp webhook notifications published by the
// chat-automation pipeline on RabbitMQ and appends them as raw records to
// the message log. It is the writer side of the log; it never touches a
// conversation view.
package ingest

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/leadwire/wasync/pkg/wasync"
)

const (
	// RoutingKey matches the pipeline's GreenAPI notification publisher.
	RoutingKey = "cp.wa.greenapi"

	prefetchCount = 10
	workerCount   = 4
	appendTimeout = 10 * time.Second
)

type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	store    wasync.Appender
	log      zerolog.Logger

	msgChan chan amqp.Delivery
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewConsumer dials RabbitMQ and declares the topic exchange.
func NewConsumer(url, exchange string, store wasync.Appender, log zerolog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err = ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		store:    store,
		log:      log.With().Str("component", "ingest").Logger(),
		msgChan:  make(chan amqp.Delivery, 64),
		done:     make(chan struct{}),
	}, nil
}

// Start binds the queue and launches the worker pool. Safe to call once.
func (c *Consumer) Start(queueName string) error {
	var startErr error
	c.once.Do(func() {
		if err := c.setupQueue(queueName); err != nil {
			startErr = err
			return
		}
		for i := 0; i < workerCount; i++ {
			c.wg.Add(1)
			go c.workerLoop()
		}
		c.log.Info().Str("queue", queueName).Msg("Ingest consumer started")
	})
	return startErr
}

func (c *Consumer) setupQueue(queueName string) error {
	if err := c.ch.Qos(prefetchCount, 0, false); err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err = c.ch.QueueBind(q.Name, RoutingKey, c.exchange, false, nil); err != nil {
		return err
	}
	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-c.done:
				close(c.msgChan)
				return
			case msg, ok := <-msgs:
				if !ok {
					close(c.msgChan)
					return
				}
				c.msgChan <- msg
			}
		}
	}()
	return nil
}

func (c *Consumer) workerLoop() {
	defer c.wg.Done()
	for msg := range c.msgChan {
		if err := c.handleDelivery(msg); err != nil {
			c.log.Warn().Err(err).Str("routing_key", msg.RoutingKey).Msg("Failed to ingest notification")
			_ = msg.Nack(false, false)
			continue
		}
		_ = msg.Ack(false)
	}
}

func (c *Consumer) handleDelivery(msg amqp.Delivery) error {
	rec, err := RecordFromWebhook(tenantFromHeaders(msg.Headers), msg.Body)
	if err != nil {
		// Unconvertible notifications are dropped, not requeued: the shape
		// is wrong, redelivery won't fix it.
		c.log.Debug().Err(err).Msg("Skipping unconvertible webhook notification")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err = c.store.Append(ctx, rec); err != nil {
		return err
	}
	c.log.Debug().
		Str("tenant_id", rec.TenantID).
		Str("variant", rec.IdentityVariant).
		Str("id", rec.ID).
		Msg("Ingested webhook notification")
	return nil
}

func tenantFromHeaders(headers amqp.Table) string {
	if headers == nil {
		return ""
	}
	if v, ok := headers["tenant_id"].(string); ok {
		return v
	}
	return ""
}

// Close stops the workers and tears down the connection.
func (c *Consumer) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.wg.Wait()
	_ = c.ch.Close()
	return c.conn.Close()
}
