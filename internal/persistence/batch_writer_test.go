package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cex-order-core/internal/events"
	"cex-order-core/pkg/db"
)

func newDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

func TestBatchWriter_FlushOnSize(t *testing.T) {
	database := newDB(t)
	bw := NewBatchWriter(database, 3, time.Hour, nil)
	defer bw.Close()

	bw.Write(db.AuditRecord{RunID: "r1", Kind: "run", Detail: "a"})
	bw.Write(db.AuditRecord{RunID: "r1", Kind: "run", Detail: "b"})
	assert.Equal(t, 2, bw.Pending())

	bw.Write(db.AuditRecord{RunID: "r1", OrderID: 7, Kind: "order_transition", Detail: "c"})
	assert.Equal(t, 0, bw.Pending())

	recs, err := database.Queries().ListAuditRecords(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "c", recs[0].Detail)
	assert.Equal(t, int64(7), recs[0].OrderID)
	assert.False(t, recs[0].CreatedAt.IsZero())

	m := bw.GetMetrics()
	assert.Equal(t, uint64(3), m.TotalWrites)
	assert.Equal(t, uint64(1), m.TotalBatches)
	assert.Equal(t, 3, m.LastBatchSize)
}

func TestBatchWriter_CloseFlushesRemainder(t *testing.T) {
	database := newDB(t)
	bw := NewBatchWriter(database, 100, time.Hour, nil)

	bw.Write(db.AuditRecord{RunID: "r2", Kind: "run", Detail: "pending"})
	require.NoError(t, bw.Close())
	require.NoError(t, bw.Close())

	recs, err := database.Queries().ListAuditRecords(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "r2", recs[0].RunID)
}

func TestBatchWriter_FailedBatchIsRetained(t *testing.T) {
	database := newDB(t)
	bw := NewBatchWriter(database, 100, time.Hour, nil)
	defer bw.Close()

	bw.Write(db.AuditRecord{RunID: "r3", Kind: "run", Detail: "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, bw.Flush(ctx))
	assert.Equal(t, 1, bw.Pending())
	assert.Equal(t, uint64(1), bw.GetMetrics().TotalErrors)

	require.NoError(t, bw.Flush(context.Background()))
	assert.Equal(t, 0, bw.Pending())
}

func TestBatchWriter_RecordTransitions(t *testing.T) {
	database := newDB(t)
	bw := NewBatchWriter(database, 100, time.Hour, nil)
	defer bw.Close()
	bus := events.NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bw.RecordTransitions(ctx, bus)

	bus.Publish(events.EventOrderUpdate, events.OrderUpdate{OrderID: 5, Status: "PENDING", Reason: "created"})
	bus.Publish(events.EventOrderUpdate, events.OrderUpdate{OrderID: 5, PrevStatus: "PENDING", Status: "PLACED"})

	require.Eventually(t, func() bool { return bw.Pending() == 2 }, time.Second, 10*time.Millisecond)
	require.NoError(t, bw.Flush(context.Background()))

	recs, err := database.Queries().ListAuditRecords(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "PENDING -> PLACED", recs[0].Detail)
	assert.Equal(t, "NEW -> PENDING: created", recs[1].Detail)
	assert.Equal(t, "order_transition", recs[1].Kind)
}
