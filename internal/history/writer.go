package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"payout-guardian/internal/schema"
)

// WriterConfig holds configuration for the batched event writer.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultWriterConfig returns the default writer configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: 2 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// Writer handles batched event inserts into the history tables.
// Account updates bypass the batch so the meta table stays current for
// the very next context load.
type Writer struct {
	client *Client
	config WriterConfig

	buffer []*schema.Event
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
}

// NewWriter creates a new Writer.
func NewWriter(client *Client, cfg WriterConfig) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	w := &Writer{
		client: client,
		config: cfg,
		buffer: make([]*schema.Event, 0, cfg.BatchSize),
	}
	w.flushTimer = time.AfterFunc(cfg.FlushInterval, w.timerFlush)
	return w
}

// Write records an event in the history store.
func (w *Writer) Write(ctx context.Context, event *schema.Event) error {
	if event.Type == schema.TypeAccountUpdated {
		if err := w.upsertAccountMeta(ctx, event); err != nil {
			return err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("history writer is closed")
	}

	w.buffer = append(w.buffer, event)
	if len(w.buffer) >= w.config.BatchSize {
		return w.flushLocked()
	}
	return nil
}

func (w *Writer) upsertAccountMeta(ctx context.Context, event *schema.Event) error {
	country := event.PayloadString("country")
	enabled, ok := event.PayloadBool("payouts_enabled")
	if !ok {
		enabled = true
	}
	err := w.client.Exec(ctx, `
		INSERT INTO account_meta (account_id, country, payouts_enabled, updated_at)
		VALUES (?, ?, ?, ?)
	`, event.AccountID, country, enabled, event.Time())
	if err != nil {
		return fmt.Errorf("account meta upsert: %w", err)
	}
	return nil
}

func (w *Writer) timerFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if len(w.buffer) > 0 {
		if err := w.flushLocked(); err != nil {
			slog.Error("history flush failed", "error", err)
		}
	}
	w.flushTimer.Reset(w.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (w *Writer) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	events := w.buffer
	w.buffer = make([]*schema.Event, 0, w.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.config.RetryDelay * time.Duration(attempt))
		}

		if err := w.insertBatch(events); err != nil {
			lastErr = err
			slog.Warn("history batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", w.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&w.totalWritten, uint64(len(events)))
		return nil
	}

	atomic.AddUint64(&w.totalFailed, uint64(len(events)))
	return fmt.Errorf("history batch insert failed after %d retries: %w", w.config.MaxRetries, lastErr)
}

func (w *Writer) insertBatch(events []*schema.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := w.client.PrepareBatch(ctx, `
		INSERT INTO events (
			event_id, event_type, account_id, object_id,
			amount_cents, country, failed, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, event := range events {
		amountCents := int64(0)
		if amount, ok := event.PayloadNumber("amount"); ok {
			amountCents = int64(amount)
		}
		err := batch.Append(
			event.ID,
			event.Type,
			event.AccountID,
			event.ObjectID(),
			amountCents,
			event.PayloadString("country"),
			event.Type == schema.TypeChargeFailed,
			event.Time(),
		)
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// Flush forces a flush of the current buffer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Close stops the timer and flushes what is left.
func (w *Writer) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.flushTimer.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Metrics returns writer statistics.
func (w *Writer) Metrics() (written, failed uint64) {
	return atomic.LoadUint64(&w.totalWritten), atomic.LoadUint64(&w.totalFailed)
}
