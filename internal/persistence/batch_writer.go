// Package persistence buffers append-only audit records and writes them to
// storage in batches.
package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"cex-order-core/internal/events"
	"cex-order-core/pkg/db"
)

// BatchWriter batches reconciliation_audit inserts.
type BatchWriter struct {
	db          *db.Database
	buffer      []db.AuditRecord
	mu          sync.Mutex
	flushMu     sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     BatchWriterMetrics
	log         *zap.Logger
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter creates a batch writer and starts its flush loop.
// maxSize: max records before auto-flush
// interval: time-based flush interval
func NewBatchWriter(database *db.Database, maxSize int, interval time.Duration, log *zap.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	bw := &BatchWriter{
		db:          database,
		buffer:      make([]db.AuditRecord, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
		log:         log.Named("audit"),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write buffers records, flushing when the buffer is full. Timestamps are
// taken here so batching does not skew them.
func (bw *BatchWriter) Write(records ...db.AuditRecord) {
	if bw == nil || len(records) == 0 {
		return
	}
	now := time.Now().UTC()
	bw.mu.Lock()
	for _, r := range records {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		bw.buffer = append(bw.buffer, r)
	}
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		if err := bw.Flush(context.Background()); err != nil {
			bw.log.Warn("size-triggered flush failed", zap.Error(err))
		}
	}
}

// Flush immediately writes all buffered records in one transaction. Records
// of a failed batch are put back at the head of the buffer.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	batch := bw.buffer
	bw.buffer = make([]db.AuditRecord, 0, bw.maxSize)
	bw.mu.Unlock()

	if err := bw.executeBatch(ctx, batch); err != nil {
		bw.mu.Lock()
		bw.buffer = append(batch, bw.buffer...)
		bw.mu.Unlock()
		return err
	}
	return nil
}

func (bw *BatchWriter) executeBatch(ctx context.Context, batch []db.AuditRecord) error {
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)

	err := bw.db.WithTx(ctx, func(q *db.Queries) error {
		return q.InsertAuditRecords(ctx, batch)
	})
	if err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		bw.log.Error("batch insert failed", zap.Int("records", len(batch)), zap.Error(err))
		return err
	}

	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(batch)))
	bw.mu.Lock()
	bw.metrics.LastBatchSize = len(batch)
	bw.metrics.LastFlushTime = time.Now()
	bw.mu.Unlock()
	bw.log.Debug("flushed audit records", zap.Int("records", len(batch)))
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				bw.log.Warn("background flush error", zap.Error(err))
			}
		case <-bw.done:
			// Final flush before shutdown
			if err := bw.Flush(context.Background()); err != nil {
				bw.log.Warn("final flush error", zap.Error(err))
			}
			return
		}
	}
}

// Pending returns the number of buffered records.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		LastBatchSize: bw.metrics.LastBatchSize,
		LastFlushTime: bw.metrics.LastFlushTime,
	}
}

// Close stops the flush loop after a final flush.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}

// RecordTransitions writes an audit record for every order update published
// on bus until ctx is done.
func (bw *BatchWriter) RecordTransitions(ctx context.Context, bus *events.Bus) {
	ch, unsub := bus.Subscribe(events.EventOrderUpdate, 256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, open := <-ch:
				if !open {
					return
				}
				upd, ok := msg.(events.OrderUpdate)
				if !ok {
					continue
				}
				from := upd.PrevStatus
				if from == "" {
					from = "NEW"
				}
				detail := from + " -> " + upd.Status
				if upd.Reason != "" {
					detail += ": " + upd.Reason
				}
				bw.Write(db.AuditRecord{
					OrderID:   upd.OrderID,
					Kind:      "order_transition",
					Detail:    detail,
					CreatedAt: upd.At,
				})
			}
		}
	}()
}
