package bridge

import (
	"context"
	"log/slog"
	"time"

	"nest-protect-bridge/internal/platform/metrics"
)

const (
	// DefaultRenewMargin is how far ahead of expiry renewal is attempted.
	DefaultRenewMargin = 120 * time.Second
	// DefaultTickInterval is the reconcile loop period.
	DefaultTickInterval = 60 * time.Second
)

// SessionSource provides fresh stream sessions. *Client is the production
// implementation.
type SessionSource interface {
	EnsureFresh(ctx context.Context, current *StreamSession, renewMargin time.Duration) (*StreamSession, error)
}

// Consumer owns the external process that republishes a stream locator.
// *Proxy is the production implementation.
type Consumer interface {
	Start(locator string, transport Transport) error
	Stop()
	Alive() bool
	BoundLocator() string
}

// Supervisor keeps one stream session fresh and reconciles the consumer
// process against it: the consumer is restarted exactly when it is dead or
// bound to a stale locator, never on a renewal that preserves the locator.
type Supervisor struct {
	sessions SessionSource
	consumer Consumer
	log      *slog.Logger
	metrics  *metrics.Metrics

	renewMargin  time.Duration
	tickInterval time.Duration

	// current is owned exclusively by the Run goroutine.
	current *StreamSession
}

// NewSupervisor wires a supervisor over the given session source and
// consumer. Non-positive durations fall back to the defaults. Metrics may be
// nil to disable metric recording (e.g. in tests).
func NewSupervisor(sessions SessionSource, consumer Consumer, log *slog.Logger, m *metrics.Metrics, renewMargin, tickInterval time.Duration) *Supervisor {
	if renewMargin <= 0 {
		renewMargin = DefaultRenewMargin
	}
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	return &Supervisor{
		sessions:     sessions,
		consumer:     consumer,
		log:          log,
		metrics:      m,
		renewMargin:  renewMargin,
		tickInterval: tickInterval,
	}
}

// Run executes the reconcile loop until ctx is cancelled: the first tick
// runs immediately, later ticks after each interval. Tick failures are
// logged and retried next tick; nothing inside a tick terminates the loop.
// On return the consumer is unconditionally stopped, so no orphaned process
// survives shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.consumer.Stop()

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			s.log.Info("shutdown signal observed, stopping supervisor")
			return nil
		case <-time.After(s.tickInterval):
		}
	}
}

// tick refreshes the session and reconciles the consumer against it.
func (s *Supervisor) tick(ctx context.Context) {
	session, err := s.sessions.EnsureFresh(ctx, s.current, s.renewMargin)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("session refresh failed, retrying next tick", slog.String("error", err.Error()))
		if s.metrics != nil {
			s.metrics.IncTickFailures()
		}
		return
	}

	switch {
	case !s.consumer.Alive():
		if s.current == nil {
			s.log.Info("starting consumer for initial session")
		} else {
			s.log.Warn("consumer not running, restarting")
		}
		s.startConsumer(session)
	case s.consumer.BoundLocator() != session.Locator:
		s.log.Info("stream locator changed, restarting consumer")
		s.startConsumer(session)
	}

	s.current = session

	if s.metrics != nil {
		s.metrics.SetSessionTTL(time.Until(session.ExpiresAt).Seconds())
		s.metrics.SetConsumerUp(s.consumer.Alive())
	}
}

// startConsumer (re)starts the consumer with the session's locator. A launch
// failure only logs; the next tick sees a dead consumer and tries again.
func (s *Supervisor) startConsumer(session *StreamSession) {
	if err := s.consumer.Start(session.Locator, session.Transport); err != nil {
		s.log.Error("consumer start failed, retrying next tick", slog.String("error", err.Error()))
		return
	}
	if s.metrics != nil {
		s.metrics.IncConsumerRestarts()
	}
}
