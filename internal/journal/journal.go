package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config configures the journal writer.
type Config struct {
	Table         string        // destination table name
	BatchSize     int           // rows per insert batch
	FlushInterval time.Duration // max time a row waits before flush
	BufferSize    int           // initial input buffer capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Table:         "messages",
		BatchSize:     500,
		FlushInterval: 1 * time.Second,
		BufferSize:    10000,
	}
}

// Metrics counts journal activity.
type Metrics struct {
	Enqueued  int64
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64
}

// Record is one received message bound for the journal table.
type Record struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	ReceivedAt time.Time
	Payload    []byte
}

// Journal consumes Records from its input buffer and writes them to the
// database in batches.
type Journal struct {
	cfg    Config
	logger *slog.Logger

	// session identifies one manager lifetime across reconnects.
	session uuid.UUID

	input *Buffer[Record]
	db    *pgxpool.Pool

	insertSQL string

	// Batching
	batch       []Record
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// New creates a journal writing to db. Zero config fields take defaults.
func New(cfg Config, db *pgxpool.Pool, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Table == "" {
		cfg.Table = def.Table
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = def.BufferSize
	}

	return &Journal{
		cfg:     cfg,
		logger:  logger,
		session: uuid.New(),
		input:   NewBuffer[Record](cfg.BufferSize),
		db:      db,
		insertSQL: fmt.Sprintf(`
			INSERT INTO %s (id, session_id, received_at, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING
		`, cfg.Table),
		batch: make([]Record, 0, cfg.BatchSize),
	}
}

// SessionID returns the journal's session identifier.
func (j *Journal) SessionID() uuid.UUID {
	return j.session
}

// Record enqueues one received payload. Safe to call from connection
// manager listeners; it never blocks.
func (j *Journal) Record(payload []byte, receivedAt time.Time) {
	rec := Record{
		ID:         uuid.New(),
		SessionID:  j.session,
		ReceivedAt: receivedAt,
		Payload:    append([]byte(nil), payload...),
	}

	if !j.input.Send(rec) {
		j.batchMu.Lock()
		j.metrics.Dropped++
		j.batchMu.Unlock()
		return
	}

	j.batchMu.Lock()
	j.metrics.Enqueued++
	j.batchMu.Unlock()
}

// Start begins consuming records and writing to the database.
func (j *Journal) Start(ctx context.Context) error {
	j.ctx, j.cancel = context.WithCancel(ctx)
	j.flushTicker = time.NewTicker(j.cfg.FlushInterval)

	j.wg.Add(2)
	go j.consumeLoop()
	go j.flushLoop()

	// Context cancellation unblocks the consume loop's Receive.
	go func() {
		<-j.ctx.Done()
		j.input.Close()
	}()

	j.logger.Info("journal started",
		"table", j.cfg.Table,
		"session", j.session,
		"batch_size", j.cfg.BatchSize,
		"flush_interval", j.cfg.FlushInterval,
	)
	return nil
}

// Stop drains and flushes, waiting up to ctx's deadline.
func (j *Journal) Stop(ctx context.Context) error {
	if j.cancel != nil {
		j.cancel()
	}
	if j.flushTicker != nil {
		j.flushTicker.Stop()
	}
	j.input.Close()

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		j.logger.Warn("journal stop timed out")
	}

	// Drain whatever is left and flush once more.
	for _, rec := range j.input.DrainTo(0) {
		j.appendRecord(rec)
	}
	j.flush(ctx)

	j.logger.Info("journal stopped")
	return nil
}

// Stats returns current metrics.
func (j *Journal) Stats() Metrics {
	j.batchMu.Lock()
	defer j.batchMu.Unlock()
	return j.metrics
}

// consumeLoop moves records from the input buffer into the batch. It
// exits once the buffer is closed and drained.
func (j *Journal) consumeLoop() {
	defer j.wg.Done()

	for {
		rec, ok := j.input.Receive()
		if !ok {
			return
		}
		j.appendRecord(rec)
	}
}

// flushLoop periodically flushes the batch.
func (j *Journal) flushLoop() {
	defer j.wg.Done()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-j.flushTicker.C:
			j.flush(j.ctx)
		}
	}
}

func (j *Journal) appendRecord(rec Record) {
	j.batchMu.Lock()
	j.batch = append(j.batch, rec)
	shouldFlush := len(j.batch) >= j.cfg.BatchSize
	j.batchMu.Unlock()

	if shouldFlush {
		j.flush(j.ctx)
	}
}

// flush writes the current batch to the database.
func (j *Journal) flush(ctx context.Context) {
	j.batchMu.Lock()
	if len(j.batch) == 0 {
		j.batchMu.Unlock()
		return
	}
	batch := j.batch
	j.batch = make([]Record, 0, j.cfg.BatchSize)
	j.batchMu.Unlock()

	if j.db == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()

	conflicts, err := j.batchInsert(ctx, batch)
	if err != nil {
		j.logger.Error("batch insert failed", "error", err, "count", len(batch))
		j.batchMu.Lock()
		j.metrics.Errors++
		j.batchMu.Unlock()
		return
	}

	j.batchMu.Lock()
	j.metrics.Inserts += int64(len(batch) - conflicts)
	j.metrics.Conflicts += int64(conflicts)
	j.metrics.Flushes++
	j.batchMu.Unlock()

	j.logger.Debug("flushed records",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (j *Journal) batchInsert(ctx context.Context, rows []Record) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(j.insertSQL, r.ID, r.SessionID, r.ReceivedAt, r.Payload)
	}

	results := j.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
