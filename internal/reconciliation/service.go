// Package reconciliation periodically brings non-terminal orders in line with
// the exchange and reports ledger drift against the exchange account.
package reconciliation

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cex-order-core/internal/balance"
	"cex-order-core/internal/events"
	"cex-order-core/internal/monitor"
	"cex-order-core/internal/order"
	"cex-order-core/internal/persistence"
	"cex-order-core/pkg/db"
	exchange "cex-order-core/pkg/exchanges/common"
)

// Orders is the part of the order manager reconciliation drives.
type Orders interface {
	OpenOrders(ctx context.Context, afterID int64, limit int) ([]db.Order, error)
	OpenOrdersForUser(ctx context.Context, userID int64) ([]db.Order, error)
	OrdersByID(ctx context.Context, userID int64, ids []int64) ([]db.Order, error)
	Reconcile(ctx context.Context, row db.Order, pendingGrace time.Duration) (order.Outcome, error)
}

// Ledger exposes per-asset totals across all users.
type Ledger interface {
	TotalsByAsset(ctx context.Context) (map[string]balance.Totals, error)
}

// Account reads the exchange account.
type Account interface {
	AccountBalances(ctx context.Context) ([]exchange.AssetBalance, error)
}

// Config tunes a Service.
type Config struct {
	Interval     time.Duration
	Workers      int
	PendingGrace time.Duration
	BatchLimit   int
}

// Service handles periodic reconciliation.
type Service struct {
	orders  Orders
	ledger  Ledger
	account Account
	audit   *persistence.BatchWriter
	bus     *events.Bus
	metrics *monitor.SystemMetrics
	cfg     Config
	log     *zap.Logger
	mu      sync.Mutex
}

// Deps wires a Service. Ledger, Account, Audit, Bus and Metrics are optional.
type Deps struct {
	Orders  Orders
	Ledger  Ledger
	Account Account
	Audit   *persistence.BatchWriter
	Bus     *events.Bus
	Metrics *monitor.SystemMetrics
	Log     *zap.Logger
}

// Report summarizes one reconciliation pass.
type Report struct {
	RunID       string
	StartedAt   time.Time
	Checked     int
	Updated     int
	Failed      int
	Transitions []Transition
	Drifts      []Drift
	Duration    time.Duration
}

// Transition is one order moved by reconciliation.
type Transition struct {
	OrderID int64        `json:"order_id"`
	From    order.Status `json:"from"`
	To      order.Status `json:"to"`
}

// Drift is a per-asset difference between the ledger and the exchange.
type Drift struct {
	Asset    string          `json:"asset"`
	Ledger   decimal.Decimal `json:"ledger"`
	Exchange decimal.Decimal `json:"exchange"`
	Diff     decimal.Decimal `json:"diff"`
}

// NewService creates a reconciliation service.
func NewService(d Deps, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = monitor.NewSystemMetrics()
	}
	return &Service{
		orders:  d.Orders,
		ledger:  d.Ledger,
		account: d.Account,
		audit:   d.Audit,
		bus:     d.Bus,
		metrics: metrics,
		cfg:     cfg,
		log:     log.Named("reconcile"),
	}
}

// Start begins periodic reconciliation.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
					s.log.Error("reconciliation run failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	s.log.Info("reconciliation service started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("workers", s.cfg.Workers),
		zap.Duration("pending_grace", s.cfg.PendingGrace),
	)
}

// RunOnce syncs open orders and, when an account source is configured,
// compares balances. Passes never overlap.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, err := s.syncOrders(ctx, s.allOpen())
	if err != nil {
		return report, err
	}

	if s.account != nil && s.ledger != nil {
		drifts, err := s.compareBalances(ctx, report.RunID)
		if err != nil {
			s.log.Warn("balance comparison failed", zap.Error(err))
		}
		report.Drifts = drifts
	}

	s.finish(&report)
	return report, nil
}

// SyncOrderStatuses reconciles every non-terminal order once.
func (s *Service) SyncOrderStatuses(ctx context.Context) (Report, error) {
	return s.SyncOrders(ctx, 0, nil)
}

// SyncUserOrders reconciles one user's non-terminal orders.
func (s *Service) SyncUserOrders(ctx context.Context, userID int64) (Report, error) {
	return s.SyncOrders(ctx, userID, nil)
}

// SyncOrders reconciles the listed orders, or every non-terminal order when
// orderIDs is empty. A non-zero userID restricts either set to that user's
// orders; listing an order the user does not own fails the call.
func (s *Service) SyncOrders(ctx context.Context, userID int64, orderIDs []int64) (Report, error) {
	var next pageFunc
	switch {
	case len(orderIDs) > 0:
		next = once(func(ctx context.Context) ([]db.Order, error) {
			return s.orders.OrdersByID(ctx, userID, orderIDs)
		})
	case userID != 0:
		next = once(func(ctx context.Context) ([]db.Order, error) {
			return s.orders.OpenOrdersForUser(ctx, userID)
		})
	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		next = s.allOpen()
	}

	report, err := s.syncOrders(ctx, next)
	if err != nil {
		return report, err
	}
	s.finish(&report)
	return report, nil
}

// pageFunc returns the next batch of orders to reconcile, or none when the
// pass is complete.
type pageFunc func(ctx context.Context) ([]db.Order, error)

// allOpen pages through every non-terminal order by id, BatchLimit at a time.
func (s *Service) allOpen() pageFunc {
	var after int64
	return func(ctx context.Context) ([]db.Order, error) {
		rows, err := s.orders.OpenOrders(ctx, after, s.cfg.BatchLimit)
		if len(rows) > 0 {
			after = rows[len(rows)-1].ID
		}
		return rows, err
	}
}

func once(load func(context.Context) ([]db.Order, error)) pageFunc {
	done := false
	return func(ctx context.Context) ([]db.Order, error) {
		if done {
			return nil, nil
		}
		done = true
		return load(ctx)
	}
}

// CompareBalances reports per-asset drift between ledger totals and the
// exchange account. It never changes the ledger.
func (s *Service) CompareBalances(ctx context.Context) ([]Drift, error) {
	return s.compareBalances(ctx, uuid.NewString())
}

func (s *Service) syncOrders(ctx context.Context, next pageFunc) (Report, error) {
	report := Report{RunID: uuid.NewString(), StartedAt: time.Now()}

	var mu sync.Mutex
	var audit []db.AuditRecord
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	reconcile := func(row db.Order) {
		g.Go(func() error {
			out, err := s.orders.Reconcile(gctx, row, s.cfg.PendingGrace)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				audit = append(audit, db.AuditRecord{
					RunID:   report.RunID,
					OrderID: row.ID,
					Kind:    "order_error",
					Detail:  err.Error(),
				})
				// One order failing must not stop the others.
				return nil
			}
			if out.Changed {
				report.Updated++
				report.Transitions = append(report.Transitions, Transition{
					OrderID: row.ID, From: out.From, To: out.Order.Status,
				})
				audit = append(audit, db.AuditRecord{
					RunID:   report.RunID,
					OrderID: row.ID,
					Kind:    "order_reconciled",
					Detail:  string(out.From) + " -> " + string(out.Order.Status),
				})
			}
			return nil
		})
	}

	var listErr error
	for {
		rows, err := next(gctx)
		if err != nil {
			listErr = err
			break
		}
		if len(rows) == 0 {
			break
		}
		report.Checked += len(rows)
		for _, row := range rows {
			reconcile(row)
		}
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if listErr != nil {
		return report, listErr
	}

	sort.Slice(report.Transitions, func(i, j int) bool {
		return report.Transitions[i].OrderID < report.Transitions[j].OrderID
	})
	s.audit.Write(audit...)
	return report, nil
}

func (s *Service) compareBalances(ctx context.Context, runID string) ([]Drift, error) {
	totals, err := s.ledger.TotalsByAsset(ctx)
	if err != nil {
		return nil, err
	}
	remote, err := s.account.AccountBalances(ctx)
	if err != nil {
		return nil, err
	}

	onExchange := make(map[string]decimal.Decimal, len(remote))
	for _, b := range remote {
		onExchange[b.Asset] = b.Free.Add(b.Locked)
	}
	assets := make(map[string]struct{}, len(totals)+len(onExchange))
	for a := range totals {
		assets[a] = struct{}{}
	}
	for a := range onExchange {
		assets[a] = struct{}{}
	}

	var drifts []Drift
	for asset := range assets {
		local := totals[asset].Total()
		ex := onExchange[asset]
		if local.Equal(ex) {
			continue
		}
		drifts = append(drifts, Drift{Asset: asset, Ledger: local, Exchange: ex, Diff: ex.Sub(local)})
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].Asset < drifts[j].Asset })

	now := time.Now().UTC()
	for _, d := range drifts {
		s.metrics.IncBalanceDrifts()
		s.bus.Publish(events.EventBalanceDrift, events.BalanceDrift{
			Asset:    d.Asset,
			Ledger:   d.Ledger.String(),
			Exchange: d.Exchange.String(),
			Diff:     d.Diff.String(),
			At:       now,
		})
		s.audit.Write(db.AuditRecord{
			RunID:  runID,
			Kind:   "balance_drift",
			Detail: d.Asset + " ledger=" + d.Ledger.String() + " exchange=" + d.Exchange.String(),
		})
	}
	return drifts, nil
}

func (s *Service) finish(r *Report) {
	r.Duration = time.Since(r.StartedAt)
	s.metrics.IncReconcileRuns()
	s.metrics.ReconcileLatency.RecordDuration(r.Duration)
	s.bus.Publish(events.EventReconcileRun, events.ReconcileRun{
		RunID:    r.RunID,
		Checked:  r.Checked,
		Updated:  r.Updated,
		Failed:   r.Failed,
		Duration: r.Duration,
	})
	s.audit.Write(db.AuditRecord{
		RunID: r.RunID,
		Kind:  "run",
		Detail: "checked=" + strconv.Itoa(r.Checked) +
			" updated=" + strconv.Itoa(r.Updated) +
			" failed=" + strconv.Itoa(r.Failed) +
			" drifts=" + strconv.Itoa(len(r.Drifts)),
	})

	if r.Updated > 0 || r.Failed > 0 || len(r.Drifts) > 0 {
		s.log.Info("reconciliation pass",
			zap.String("run_id", r.RunID),
			zap.Int("checked", r.Checked),
			zap.Int("updated", r.Updated),
			zap.Int("failed", r.Failed),
			zap.Int("drifts", len(r.Drifts)),
			zap.Duration("took", r.Duration),
		)
	} else {
		s.log.Debug("reconciliation pass clean", zap.String("run_id", r.RunID), zap.Int("checked", r.Checked))
	}
}
