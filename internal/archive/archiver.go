package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"payout-guardian/internal/store"
)

// Uploader is the slice of the S3 client the archiver needs.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) error
}

// Record is one archived alert with its notification history.
type Record struct {
	Alert *store.Alert             `json:"alert"`
	Jobs  []*store.NotificationJob `json:"jobs,omitempty"`
}

// Archiver bundles expired alerts into gzipped JSONL objects.
type Archiver struct {
	uploader Uploader
	logger   *slog.Logger
	now      func() time.Time
}

// NewArchiver creates an archiver writing through the given uploader.
func NewArchiver(uploader Uploader, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{uploader: uploader, logger: logger, now: time.Now}
}

// Archive uploads the records as one object. The key is derived from
// the upload time so repeated retention runs never collide.
func (a *Archiver) Archive(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	body, err := encodeRecords(records)
	if err != nil {
		return err
	}

	at := a.now().UTC()
	key := fmt.Sprintf("%04d/%02d/%02d/alerts-%d.jsonl.gz",
		at.Year(), at.Month(), at.Day(), at.UnixNano())

	if err := a.uploader.Upload(ctx, key, body, "application/gzip"); err != nil {
		return fmt.Errorf("archive upload: %w", err)
	}

	a.logger.Info("archived alerts", "count", len(records), "key", key)
	return nil
}

func encodeRecords(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode archive record: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close archive gzip: %w", err)
	}
	return buf.Bytes(), nil
}
