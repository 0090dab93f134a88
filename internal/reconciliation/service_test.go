package reconciliation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cex-order-core/internal/apperr"
	"cex-order-core/internal/balance"
	"cex-order-core/internal/events"
	"cex-order-core/internal/order"
	"cex-order-core/internal/persistence"
	"cex-order-core/pkg/db"
	exchange "cex-order-core/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeOrders struct {
	open    []db.Order
	byUser  map[int64][]db.Order
	results map[int64]order.Status
	fail    map[int64]error
	delay   time.Duration

	inFlight    int32
	maxInFlight int32
	grace       time.Duration
	pages       int
	mu          sync.Mutex
}

func (f *fakeOrders) OpenOrders(_ context.Context, afterID int64, limit int) ([]db.Order, error) {
	f.mu.Lock()
	f.pages++
	f.mu.Unlock()
	var out []db.Order
	for _, o := range f.open {
		if o.ID > afterID && len(out) < limit {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeOrders) OrdersByID(_ context.Context, userID int64, ids []int64) ([]db.Order, error) {
	all := append([]db.Order{}, f.open...)
	for _, rows := range f.byUser {
		all = append(all, rows...)
	}
	var out []db.Order
	for _, id := range ids {
		found := false
		for _, o := range all {
			if o.ID == id && (userID == 0 || o.UserID == userID) {
				out = append(out, o)
				found = true
				break
			}
		}
		if !found {
			return nil, apperr.OrderNotFound("order %d not found", id)
		}
	}
	return out, nil
}

func (f *fakeOrders) OpenOrdersForUser(_ context.Context, userID int64) ([]db.Order, error) {
	return f.byUser[userID], nil
}

func (f *fakeOrders) Reconcile(_ context.Context, row db.Order, grace time.Duration) (order.Outcome, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&f.maxInFlight)
		if n <= peak || atomic.CompareAndSwapInt32(&f.maxInFlight, peak, n) {
			break
		}
	}
	f.mu.Lock()
	f.grace = grace
	f.mu.Unlock()
	time.Sleep(f.delay)

	from := order.Status(row.Status)
	if err := f.fail[row.ID]; err != nil {
		return order.Outcome{}, err
	}
	to, ok := f.results[row.ID]
	if !ok {
		to = from
	}
	return order.Outcome{Order: order.Order{ID: row.ID, Status: to}, From: from, Changed: to != from}, nil
}

type fakeLedger map[string]balance.Totals

func (f fakeLedger) TotalsByAsset(context.Context) (map[string]balance.Totals, error) { return f, nil }

type fakeAccount []exchange.AssetBalance

func (f fakeAccount) AccountBalances(context.Context) ([]exchange.AssetBalance, error) { return f, nil }

func openRows(n int) []db.Order {
	rows := make([]db.Order, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, db.Order{ID: int64(i), UserID: 1, Status: string(order.StatusPlaced)})
	}
	return rows
}

func TestSyncOrderStatuses_AppliesAndCounts(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))
	audit := persistence.NewBatchWriter(database, 100, time.Hour, nil)
	defer audit.Close()

	orders := &fakeOrders{
		open: openRows(5),
		results: map[int64]order.Status{
			2: order.StatusFilled,
			4: order.StatusCancelled,
		},
		fail: map[int64]error{3: errors.New("exchange unavailable")},
	}
	svc := NewService(Deps{Orders: orders, Audit: audit}, Config{Workers: 2, PendingGrace: time.Minute})

	report, err := svc.SyncOrderStatuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Checked)
	assert.Equal(t, 2, report.Updated)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []Transition{
		{OrderID: 2, From: order.StatusPlaced, To: order.StatusFilled},
		{OrderID: 4, From: order.StatusPlaced, To: order.StatusCancelled},
	}, report.Transitions)
	assert.Equal(t, time.Minute, orders.grace)

	require.NoError(t, audit.Flush(context.Background()))
	recs, err := database.Queries().ListAuditRecords(context.Background(), 10)
	require.NoError(t, err)
	kinds := map[string]int{}
	for _, r := range recs {
		assert.Equal(t, report.RunID, r.RunID)
		kinds[r.Kind]++
	}
	assert.Equal(t, map[string]int{"order_reconciled": 2, "order_error": 1, "run": 1}, kinds)
}

func TestSyncOrderStatuses_BoundedParallelism(t *testing.T) {
	orders := &fakeOrders{open: openRows(12), delay: 20 * time.Millisecond}
	svc := NewService(Deps{Orders: orders}, Config{Workers: 3})

	report, err := svc.SyncOrderStatuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, report.Checked)
	assert.Zero(t, report.Updated)
	assert.LessOrEqual(t, atomic.LoadInt32(&orders.maxInFlight), int32(3))
	assert.Greater(t, atomic.LoadInt32(&orders.maxInFlight), int32(1))
}

func TestSyncOrderStatuses_PagesPastBatchLimit(t *testing.T) {
	orders := &fakeOrders{
		open:    openRows(7),
		results: map[int64]order.Status{7: order.StatusFilled},
	}
	svc := NewService(Deps{Orders: orders}, Config{Workers: 2, BatchLimit: 3})

	report, err := svc.SyncOrderStatuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, report.Checked)
	assert.Equal(t, []Transition{{OrderID: 7, From: order.StatusPlaced, To: order.StatusFilled}}, report.Transitions)
	assert.Equal(t, 4, orders.pages, "three full or partial pages and one empty")
}

func TestSyncOrders_ByID(t *testing.T) {
	orders := &fakeOrders{
		open:    openRows(3),
		byUser:  map[int64][]db.Order{7: {{ID: 9, UserID: 7, Status: string(order.StatusPending)}}},
		results: map[int64]order.Status{9: order.StatusPlaced, 2: order.StatusCancelled},
	}
	svc := NewService(Deps{Orders: orders}, Config{})

	report, err := svc.SyncOrders(context.Background(), 0, []int64{2, 9})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 2, report.Updated)
	assert.Zero(t, orders.pages, "listed ids skip the open-order scan")

	report, err = svc.SyncOrders(context.Background(), 7, []int64{9})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)

	_, err = svc.SyncOrders(context.Background(), 7, []int64{9, 2})
	assert.Equal(t, apperr.KindOrderNotFound, apperr.KindOf(err))
}

func TestSyncOrders_UserWithoutIDs(t *testing.T) {
	orders := &fakeOrders{
		open:   openRows(3),
		byUser: map[int64][]db.Order{7: {{ID: 9, UserID: 7, Status: string(order.StatusPending)}}},
	}
	svc := NewService(Deps{Orders: orders}, Config{})

	report, err := svc.SyncOrders(context.Background(), 7, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Zero(t, orders.pages)

	report, err = svc.SyncOrders(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
}

func TestSyncUserOrders_OnlyThatUser(t *testing.T) {
	orders := &fakeOrders{
		open:    openRows(3),
		byUser:  map[int64][]db.Order{7: {{ID: 9, UserID: 7, Status: string(order.StatusPending)}}},
		results: map[int64]order.Status{9: order.StatusPlaced, 1: order.StatusFilled},
	}
	svc := NewService(Deps{Orders: orders}, Config{})

	report, err := svc.SyncUserOrders(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	require.Len(t, report.Transitions, 1)
	assert.Equal(t, int64(9), report.Transitions[0].OrderID)
	assert.Equal(t, order.StatusPlaced, report.Transitions[0].To)
}

func TestCompareBalances_ReportsDriftOnly(t *testing.T) {
	bus := events.NewBus()
	drifts, unsub := bus.Subscribe(events.EventBalanceDrift, 8)
	defer unsub()

	ledger := fakeLedger{
		"USDT": {Available: d("900"), Reserved: d("100")},
		"BTC":  {Available: d("1"), Reserved: d("0")},
		"ETH":  {Available: d("2"), Reserved: d("0")},
	}
	account := fakeAccount{
		{Asset: "USDT", Free: d("950"), Locked: d("50")},
		{Asset: "BTC", Free: d("0.9"), Locked: d("0")},
		{Asset: "BNB", Free: d("0.5"), Locked: d("0")},
	}
	svc := NewService(Deps{Orders: &fakeOrders{}, Ledger: ledger, Account: account, Bus: bus}, Config{})

	out, err := svc.CompareBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "BNB", out[0].Asset)
	assert.True(t, out[0].Diff.Equal(d("0.5")))
	assert.Equal(t, "BTC", out[1].Asset)
	assert.True(t, out[1].Diff.Equal(d("-0.1")))
	assert.Equal(t, "ETH", out[2].Asset)
	assert.True(t, out[2].Exchange.IsZero())

	got := (<-drifts).(events.BalanceDrift)
	assert.Equal(t, "BNB", got.Asset)
	assert.Equal(t, uint64(3), svc.metrics.GetSnapshot().BalanceDrifts)

	// Ledger is untouched.
	assert.True(t, ledger["BTC"].Total().Equal(d("1")))
}

func TestRunOnce_PublishesSummary(t *testing.T) {
	bus := events.NewBus()
	runs, unsub := bus.Subscribe(events.EventReconcileRun, 1)
	defer unsub()

	orders := &fakeOrders{open: openRows(2), results: map[int64]order.Status{1: order.StatusFilled}}
	svc := NewService(Deps{
		Orders:  orders,
		Ledger:  fakeLedger{"USDT": {Available: d("10")}},
		Account: fakeAccount{{Asset: "USDT", Free: d("10")}},
		Bus:     bus,
	}, Config{})

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Drifts)

	run := (<-runs).(events.ReconcileRun)
	assert.Equal(t, report.RunID, run.RunID)
	assert.Equal(t, 2, run.Checked)
	assert.Equal(t, 1, run.Updated)
	assert.Equal(t, uint64(1), svc.metrics.GetSnapshot().ReconcileRuns)
}
