package bridge

import (
	"context"
	"log/slog"
	"time"

	"nest-protect-bridge/internal/platform/metrics"
)

// DefaultEventInterval is the event polling period.
const DefaultEventInterval = 30 * time.Second

// EventPoller watches the device state endpoint for a changed update marker
// and logs the named events in each delta. It is best-effort by design:
// transient failures are logged and polling continues, and it shares nothing
// with the supervisor beyond the read-only device identity inside Client.
type EventPoller struct {
	client   *Client
	interval time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewEventPoller returns a poller over the given client. A non-positive
// interval falls back to the default. Metrics may be nil.
func NewEventPoller(client *Client, interval time.Duration, log *slog.Logger, m *metrics.Metrics) *EventPoller {
	if interval <= 0 {
		interval = DefaultEventInterval
	}
	return &EventPoller{client: client, interval: interval, log: log, metrics: m}
}

// Run polls until ctx is cancelled.
func (p *EventPoller) Run(ctx context.Context) error {
	p.log.Info("event polling started", slog.Duration("interval", p.interval))

	var lastUpdate string
	for {
		next, err := p.pollOnce(ctx, lastUpdate)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Error("event poll failed", slog.String("error", err.Error()))
		} else {
			lastUpdate = next
		}

		select {
		case <-ctx.Done():
			p.log.Info("event polling stopped")
			return nil
		case <-time.After(p.interval):
		}
	}
}

// pollOnce reads the device state and logs events when the update marker
// moved. It returns the marker to carry into the next poll.
func (p *EventPoller) pollOnce(ctx context.Context, lastUpdate string) (string, error) {
	state, err := p.client.device(ctx)
	if err != nil {
		return lastUpdate, err
	}

	if state.UpdateTime == "" || state.UpdateTime == lastUpdate {
		return lastUpdate, nil
	}

	for name, payload := range state.Events {
		p.log.Info("device event",
			slog.String("event", name),
			slog.String("payload", string(payload)))
		if p.metrics != nil {
			p.metrics.IncEventsObserved()
		}
	}
	return state.UpdateTime, nil
}
