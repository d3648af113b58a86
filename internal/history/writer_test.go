package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"payout-guardian/internal/schema"
)

// ---------------------------------------------------------------------------
// Mock implementations of driver.Conn and driver.Batch for unit testing
// without a real ClickHouse connection.
// ---------------------------------------------------------------------------

type mockConn struct {
	mu        sync.Mutex
	execQuery []string
	batch     *mockBatch
}

func (m *mockConn) Contributors() []string                                           { return nil }
func (m *mockConn) ServerVersion() (*driver.ServerVersion, error)                    { return nil, nil }
func (m *mockConn) Select(_ context.Context, _ any, _ string, _ ...any) error        { return nil }
func (m *mockConn) Query(_ context.Context, _ string, _ ...any) (driver.Rows, error) { return nil, nil }
func (m *mockConn) QueryRow(_ context.Context, _ string, _ ...any) driver.Row        { return nil }
func (m *mockConn) AsyncInsert(_ context.Context, _ string, _ bool, _ ...any) error  { return nil }
func (m *mockConn) Ping(_ context.Context) error                                     { return nil }
func (m *mockConn) Stats() driver.Stats                                              { return driver.Stats{} }
func (m *mockConn) Close() error                                                     { return nil }

func (m *mockConn) Exec(_ context.Context, query string, _ ...any) error {
	m.mu.Lock()
	m.execQuery = append(m.execQuery, query)
	m.mu.Unlock()
	return nil
}

func (m *mockConn) PrepareBatch(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batch == nil {
		m.batch = &mockBatch{}
	}
	return m.batch, nil
}

type mockBatch struct {
	mu          sync.Mutex
	appendCount int
	sendCount   int
}

func (m *mockBatch) Abort() error { return nil }
func (m *mockBatch) Append(_ ...any) error {
	m.mu.Lock()
	m.appendCount++
	m.mu.Unlock()
	return nil
}
func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Columns() []column.Interface     { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) IsSent() bool                    { return false }
func (m *mockBatch) Rows() int                       { return m.appendCount }
func (m *mockBatch) Close() error                    { return nil }
func (m *mockBatch) Send() error {
	m.mu.Lock()
	m.sendCount++
	m.mu.Unlock()
	return nil
}

func payoutEvent(id string) *schema.Event {
	return &schema.Event{
		ID:        id,
		Type:      schema.TypePayoutCreated,
		AccountID: "acct_001",
		CreatedAt: time.Now().UnixMilli(),
		Payload: map[string]any{
			"object_id": "po_" + id,
			"amount":    float64(5000),
		},
	}
}

func TestWriterFlushesAtBatchSize(t *testing.T) {
	conn := &mockConn{}
	client := &Client{conn: conn}
	w := NewWriter(client, WriterConfig{BatchSize: 3, FlushInterval: time.Hour, MaxRetries: 0})
	defer w.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := w.Write(ctx, payoutEvent(string(rune('a'+i)))); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	conn.mu.Lock()
	batch := conn.batch
	conn.mu.Unlock()
	if batch == nil {
		t.Fatal("expected a batch to be prepared at the size threshold")
	}
	batch.mu.Lock()
	defer batch.mu.Unlock()
	if batch.appendCount != 3 || batch.sendCount != 1 {
		t.Errorf("batch = %d appends / %d sends, want 3 / 1", batch.appendCount, batch.sendCount)
	}
}

func TestWriterCloseFlushesRemainder(t *testing.T) {
	conn := &mockConn{}
	client := &Client{conn: conn}
	w := NewWriter(client, WriterConfig{BatchSize: 100, FlushInterval: time.Hour, MaxRetries: 0})

	if err := w.Write(context.Background(), payoutEvent("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if conn.batch == nil || conn.batch.sendCount != 1 {
		t.Error("expected close to flush the buffered event")
	}

	if err := w.Write(context.Background(), payoutEvent("y")); err == nil {
		t.Error("expected write after close to fail")
	}
}

func TestWriterUpsertsAccountMetaImmediately(t *testing.T) {
	conn := &mockConn{}
	client := &Client{conn: conn}
	w := NewWriter(client, WriterConfig{BatchSize: 100, FlushInterval: time.Hour})
	defer w.Close()

	event := &schema.Event{
		ID:        "evt_meta",
		Type:      schema.TypeAccountUpdated,
		AccountID: "acct_001",
		CreatedAt: time.Now().UnixMilli(),
		Payload: map[string]any{
			"country":         "US",
			"payouts_enabled": true,
		},
	}
	if err := w.Write(context.Background(), event); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.execQuery) != 1 {
		t.Fatalf("exec calls = %d, want 1 account_meta insert", len(conn.execQuery))
	}
}
