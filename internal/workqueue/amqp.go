package workqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

type AMQPConfig struct {
	URL   string
	Queue string
}

// AMQP is a queue on a durable RabbitMQ queue with manual acknowledgement.
type AMQP struct {
	conn  *amqp.Connection
	queue string

	mu  sync.Mutex
	pub *amqp.Channel
}

var _ Queue = (*AMQP)(nil)

func NewAMQP(c AMQPConfig) (*AMQP, error) {
	conn, err := amqp.Dial(c.URL)
	if err != nil {
		return nil, fmt.Errorf("workqueue: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("workqueue: open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		c.Queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("workqueue: declare queue %s: %w", c.Queue, err)
	}

	return &AMQP{conn: conn, queue: c.Queue, pub: ch}, nil
}

func (q *AMQP) Publish(ctx context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.pub.PublishWithContext(ctx,
		"",      // default exchange
		q.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("workqueue: publish: %w", err)
	}

	return nil
}

func (q *AMQP) Consume(ctx context.Context, h Handler, opts ...ConsumeOption) error {
	o := newConsumeOptions(opts)

	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("workqueue: open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(o.concurrency, 0, false); err != nil {
		return fmt.Errorf("workqueue: qos: %w", err)
	}

	msgs, err := ch.ConsumeWithContext(ctx,
		q.queue, // queue
		"",      // consumer
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("workqueue: consume %s: %w", q.queue, err)
	}

	eg, ectx := errgroup.WithContext(context.WithoutCancel(ctx))
	eg.SetLimit(o.concurrency)

loop:
	for {
		if err := o.ready(ctx); err != nil {
			break
		}

		select {
		case <-ctx.Done():
			break loop

		case msg, ok := <-msgs:
			if !ok {
				slog.ErrorContext(ctx, "workqueue: deliveries channel closed", "queue", q.queue)
				break loop
			}

			eg.Go(func() error {
				q.handle(ectx, h, msg)
				return nil
			})
		}
	}

	return eg.Wait()
}

func (q *AMQP) handle(ctx context.Context, h Handler, msg amqp.Delivery) {
	if err := h(ctx, msg.Body); err != nil {
		slog.WarnContext(ctx, "workqueue: handle job failed, requeue", "queue", q.queue, "error", err)
		if err := msg.Nack(false, true); err != nil {
			slog.ErrorContext(ctx, "workqueue: nack failed", "queue", q.queue, "error", err)
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		slog.ErrorContext(ctx, "workqueue: ack failed", "queue", q.queue, "error", err)
	}
}

func (q *AMQP) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.pub.Close(); err != nil && !q.conn.IsClosed() {
		return fmt.Errorf("workqueue: close channel: %w", err)
	}

	return q.conn.Close()
}
