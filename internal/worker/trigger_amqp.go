package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ignite/campaign-delivery/internal/service/delivery"
	amqp "github.com/rabbitmq/amqp091-go"
)

// =============================================================================
// AMQP TRIGGER
// =============================================================================
// Lets the API process hand drain requests to separate worker processes.
// The API publishes to a durable queue; each worker consumes it and calls
// its local processor. Messages carry no work, only a wake-up, so a lost or
// duplicated message costs at most one extra or delayed drain.

// DefaultTriggerQueue is the queue name used when none is configured.
const DefaultTriggerQueue = "campaign.delivery.drain"

// TriggerMessage is the wake-up payload.
type TriggerMessage struct {
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

// AMQPTrigger publishes drain requests. It implements delivery.Trigger.
type AMQPTrigger struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	source string
	mu     sync.Mutex
}

// NewAMQPTrigger dials the broker and declares the queue.
func NewAMQPTrigger(url, queue string) (*AMQPTrigger, error) {
	if queue == "" {
		queue = DefaultTriggerQueue
	}
	conn, ch, err := dialQueue(url, queue)
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	return &AMQPTrigger{conn: conn, ch: ch, queue: queue, source: host}, nil
}

func dialQueue(url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return conn, ch, nil
}

// TriggerProcessing publishes one wake-up. Errors are logged.
func (t *AMQPTrigger) TriggerProcessing() {
	body, _ := json.Marshal(TriggerMessage{Source: t.source, At: time.Now().UTC()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.mu.Lock()
	err := t.ch.PublishWithContext(ctx, "", t.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	t.mu.Unlock()
	if err != nil {
		log.Printf("[AMQPTrigger] Publish to %s failed: %v", t.queue, err)
	}
}

// Close closes the channel and connection.
func (t *AMQPTrigger) Close() error {
	_ = t.ch.Close()
	return t.conn.Close()
}

// TriggerConsumer turns queued wake-ups into local drains.
type TriggerConsumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	target delivery.Trigger
}

// NewTriggerConsumer dials the broker and declares the queue.
func NewTriggerConsumer(url, queue string, target delivery.Trigger) (*TriggerConsumer, error) {
	if queue == "" {
		queue = DefaultTriggerQueue
	}
	conn, ch, err := dialQueue(url, queue)
	if err != nil {
		return nil, err
	}
	_ = ch.Qos(10, 0, false)
	return &TriggerConsumer{conn: conn, ch: ch, queue: queue, target: target}, nil
}

// Run consumes until ctx is cancelled or the channel closes.
func (c *TriggerConsumer) Run(ctx context.Context) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	log.Printf("[TriggerConsumer] Consuming %s", c.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consume %s: channel closed", c.queue)
			}
			c.handle(d)
		}
	}
}

// handle acks every delivery, well-formed or not. The drain itself reads
// the queue table, so the payload is informational.
func (c *TriggerConsumer) handle(d amqp.Delivery) {
	var msg TriggerMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Printf("[TriggerConsumer] Malformed trigger: %v", err)
	}
	c.target.TriggerProcessing()
	if err := d.Ack(false); err != nil {
		log.Printf("[TriggerConsumer] Ack failed: %v", err)
	}
}

// Close closes the channel and connection.
func (c *TriggerConsumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}
