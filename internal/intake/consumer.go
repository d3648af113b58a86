package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler processes one raw message. Returning nil commits the offset.
type Handler func(ctx context.Context, raw []byte) error

// Consumer reads processor events from Kafka and hands each one to the
// pipeline. Offsets are committed only after successful handling, so
// delivery is at-least-once and the pipeline's marker absorbs replays.
type Consumer struct {
	reader  *kafka.Reader
	config  *KafkaConfig
	handler Handler
	logger  *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	cancel   context.CancelFunc

	processed uint64
	rejected  uint64
	failed    uint64
}

// NewConsumer creates a consumer for the configured topic.
func NewConsumer(cfg *KafkaConfig, handler Handler, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("intake: handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := cfg.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		Topic:             cfg.Topic,
		GroupID:           cfg.ConsumerGroup,
		Dialer:            dialer,
		MinBytes:          cfg.ConsumerMinBytes,
		MaxBytes:          cfg.ConsumerMaxBytes,
		MaxWait:           cfg.ConsumerMaxWait,
		CommitInterval:    cfg.CommitInterval,
		StartOffset:       cfg.StartOffset,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionTimeout:    cfg.SessionTimeout,
		RebalanceTimeout:  cfg.RebalanceTimeout,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka")
		}),
	})

	return &Consumer{
		reader:  reader,
		config:  cfg,
		handler: handler,
		logger:  logger,
	}, nil
}

// Start launches the consume loop. It returns immediately.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("intake consumer started",
		"topic", c.config.Topic,
		"group", c.config.ConsumerGroup,
		"brokers", c.config.Brokers,
	)
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			c.logger.Error("failed to fetch message", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.processMessage(ctx, msg); err != nil {
			var reject *RejectError
			if errors.As(err, &reject) {
				// Never going to succeed; commit past it.
				atomic.AddUint64(&c.rejected, 1)
				c.logger.Warn("rejecting message",
					"partition", msg.Partition,
					"offset", msg.Offset,
					"error", err,
				)
			} else {
				atomic.AddUint64(&c.failed, 1)
				c.logger.Error("failed to process message, leaving uncommitted",
					"partition", msg.Partition,
					"offset", msg.Offset,
					"error", err,
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
		} else {
			atomic.AddUint64(&c.processed, 1)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit offset", "error", err)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) error {
	handleCtx, cancel := context.WithTimeout(ctx, c.config.ProcessTimeout)
	defer cancel()
	return c.handler(handleCtx, msg.Value)
}

// Stop cancels the consume loop, waits for it to drain, and closes the
// reader.
func (c *Consumer) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		err = c.reader.Close()
		c.logger.Info("intake consumer stopped",
			"processed", atomic.LoadUint64(&c.processed),
			"rejected", atomic.LoadUint64(&c.rejected),
			"failed", atomic.LoadUint64(&c.failed),
		)
	})
	return err
}

// Metrics returns processed, rejected, and failed message counts.
func (c *Consumer) Metrics() (processed, rejected, failed uint64) {
	return atomic.LoadUint64(&c.processed),
		atomic.LoadUint64(&c.rejected),
		atomic.LoadUint64(&c.failed)
}

// HealthCheck verifies the first broker is reachable.
func (c *Consumer) HealthCheck(ctx context.Context) error {
	dialer, err := c.config.GetDialer()
	if err != nil {
		return err
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka broker unreachable: %w", err)
	}
	return conn.Close()
}
