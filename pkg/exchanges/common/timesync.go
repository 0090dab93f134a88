package common

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeSync keeps request timestamps aligned with the exchange clock and
// never hands out a timestamp lower than one it already issued.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	log           *zap.Logger
	syncInterval  time.Duration
	now           func() time.Time

	mu       sync.Mutex
	offset   int64 // milliseconds, server - local
	last     int64
	lastSync time.Time
}

// NewTimeSync creates a time synchronization manager.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error), log *zap.Logger) *TimeSync {
	if log == nil {
		log = zap.NewNop()
	}
	return &TimeSync{
		getServerTime: getServerTime,
		log:           log,
		syncInterval:  30 * time.Minute,
		now:           time.Now,
	}
}

// Start runs an initial sync and then re-syncs periodically until ctx is done.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		ts.log.Warn("initial time sync failed", zap.Error(err))
	}

	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					ts.log.Warn("time sync failed", zap.Error(err))
				}
			}
		}
	}()
}

// Sync measures the offset between exchange and local clocks.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := ts.now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := ts.now().UnixMilli()

	// Assume symmetric latency.
	localTime := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	ts.lastSync = ts.now()
	offset := ts.offset
	ts.mu.Unlock()

	ts.log.Debug("time sync", zap.Int64("offset_ms", offset), zap.Int64("server_ms", serverTime))
	return nil
}

// Now returns the offset-adjusted time in milliseconds, monotonically non-decreasing.
func (ts *TimeSync) Now() int64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := ts.now().UnixMilli() + ts.offset
	if t < ts.last {
		t = ts.last
	}
	ts.last = t
	return t
}

// Offset returns the current time offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.offset
}
