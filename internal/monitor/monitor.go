package monitor

import (
	"context"

	"go.uber.org/zap"

	"cex-order-core/internal/events"
)

// AlertSink delivers operator alerts.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the logger at error level.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Send(message string) error {
	s.Log.Error("ALERT", zap.String("message", message))
	return nil
}

// Monitor watches the bus for balance drift and raises alerts.
type Monitor struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
	Sink    AlertSink
	Log     *zap.Logger
}

// Start subscribes and returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	log := m.Log
	if log == nil {
		log = zap.NewNop()
	}
	if m.Bus == nil || m.Sink == nil {
		log.Info("monitor not fully configured; skipping")
		return
	}
	drift, unsub := m.Bus.Subscribe(events.EventBalanceDrift, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-drift:
				if !ok {
					return
				}
				d, ok := msg.(events.BalanceDrift)
				if !ok {
					continue
				}
				if m.Metrics != nil {
					m.Metrics.IncBalanceDrifts()
				}
				if err := m.Sink.Send(formatDrift(d)); err != nil {
					log.Warn("alert delivery failed", zap.Error(err))
				}
			}
		}
	}()
}

func formatDrift(d events.BalanceDrift) string {
	return "[" + d.At.Format("2006-01-02T15:04:05Z07:00") + "] balance drift " + d.Asset +
		": ledger " + d.Ledger + ", exchange " + d.Exchange + ", diff " + d.Diff
}
