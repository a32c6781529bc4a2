package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/arbor"
	"maragu.dev/goqite"
)

// Delivery is one received message. The handler must finish with exactly
// one of Ack or Nack; an unacked delivery reappears after the visibility
// timeout.
type Delivery struct {
	RoutingKey string
	Body       []byte

	queue *goqite.Queue
	id    goqite.ID
}

// Ack removes the message permanently.
func (d *Delivery) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.queue.Delete(ctx, d.id)
}

// Nack makes the message immediately visible for redelivery.
func (d *Delivery) Nack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.queue.Extend(ctx, d.id, 0)
}

// HandlerFunc processes one delivery and is responsible for ack/nack.
type HandlerFunc func(ctx context.Context, d *Delivery)

// Consumer polls one queue with a pool of workers and dispatches
// deliveries to a handler.
type Consumer struct {
	broker       *Broker
	queueName    string
	handler      HandlerFunc
	concurrency  int
	pollInterval time.Duration
	logger       arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	fatal  chan error
}

// consecutiveErrorLimit is how many receive failures in a row mark the
// broker connection as lost.
const consecutiveErrorLimit = 10

// NewConsumer creates a consumer for queueName. concurrency controls the
// worker pool size.
func NewConsumer(b *Broker, queueName string, concurrency int, handler HandlerFunc, logger arbor.ILogger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		broker:       b,
		queueName:    queueName,
		handler:      handler,
		concurrency:  concurrency,
		pollInterval: time.Second,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		fatal:        make(chan error, 1),
	}
}

// Start launches the worker goroutines.
func (c *Consumer) Start() {
	c.logger.Info().
		Str("queue", c.queueName).
		Int("concurrency", c.concurrency).
		Msg("Starting consumer")

	for i := 0; i < c.concurrency; i++ {
		go c.worker(i)
	}
}

// Stop halts polling. Running handlers finish; their acks still land.
func (c *Consumer) Stop() {
	c.logger.Info().Str("queue", c.queueName).Msg("Stopping consumer")
	c.cancel()
}

// Fatal signals an unrecoverable broker failure. The process should exit
// nonzero so the supervisor restarts it against a healthy broker.
func (c *Consumer) Fatal() <-chan error {
	return c.fatal
}

func (c *Consumer) worker(workerID int) {
	// Stagger worker starts to reduce database lock contention
	staggerDelay := (c.pollInterval / time.Duration(c.concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		time.Sleep(staggerDelay)
	}

	queue := c.broker.queue(c.queueName)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	errorStreak := 0
	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug().
				Str("queue", c.queueName).
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return
		case <-ticker.C:
			for {
				msg, err := c.receive(queue)
				if err != nil {
					errorStreak++
					c.logger.Warn().Err(err).
						Str("queue", c.queueName).
						Int("streak", errorStreak).
						Msg("Failed to receive message")
					if errorStreak >= consecutiveErrorLimit {
						select {
						case c.fatal <- err:
						default:
						}
						return
					}
					break
				}
				errorStreak = 0
				if msg == nil {
					break
				}

				var env envelope
				if err := json.Unmarshal(msg.Body, &env); err != nil {
					// Malformed envelope, cannot be retried usefully.
					c.logger.Error().Err(err).
						Str("queue", c.queueName).
						Msg("Discarding malformed message")
					d := &Delivery{queue: queue, id: msg.ID}
					if err := d.Ack(); err != nil {
						c.logger.Warn().Err(err).Msg("Failed to discard malformed message")
					}
					continue
				}

				c.handler(c.ctx, &Delivery{
					RoutingKey: env.RoutingKey,
					Body:       env.Body,
					queue:      queue,
					id:         msg.ID,
				})
			}
		}
	}
}

func (c *Consumer) receive(queue *goqite.Queue) (*goqite.Message, error) {
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	return queue.Receive(ctx)
}
