package bridge

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"
)

// stubSource scripts EnsureFresh results for the supervisor.
type stubSource struct {
	fn    func(current *StreamSession) (*StreamSession, error)
	calls int
}

func (s *stubSource) EnsureFresh(_ context.Context, current *StreamSession, _ time.Duration) (*StreamSession, error) {
	s.calls++
	return s.fn(current)
}

// stubConsumer records starts and stops; Start honors the stop-then-start
// contract the way the real Proxy does.
type stubConsumer struct {
	alive    bool
	locator  string
	starts   []string
	stops    int
	startErr error
}

func (c *stubConsumer) Start(locator string, _ Transport) error {
	if c.alive {
		c.Stop()
	}
	if c.startErr != nil {
		return c.startErr
	}
	c.alive = true
	c.locator = locator
	c.starts = append(c.starts, locator)
	return nil
}

func (c *stubConsumer) Stop() {
	if c.alive {
		c.stops++
	}
	c.alive = false
	c.locator = ""
}

func (c *stubConsumer) Alive() bool { return c.alive }

func (c *stubConsumer) BoundLocator() string { return c.locator }

func session(locator string, ttl time.Duration) *StreamSession {
	return &StreamSession{
		Locator:   locator,
		ExpiresAt: time.Now().Add(ttl),
		Transport: TransportRTSP,
	}
}

func newTestSupervisor(src SessionSource, con Consumer) *Supervisor {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewSupervisor(src, con, log, nil, 2*time.Minute, 10*time.Millisecond)
}

func TestSupervisor_first_tick_starts_consumer(t *testing.T) {
	sess := session("rtsps://host/stream1", 5*time.Minute)
	src := &stubSource{fn: func(*StreamSession) (*StreamSession, error) { return sess, nil }}
	con := &stubConsumer{}
	s := newTestSupervisor(src, con)

	s.tick(context.Background())

	if len(con.starts) != 1 || con.starts[0] != "rtsps://host/stream1" {
		t.Errorf("starts = %v", con.starts)
	}
	if s.current != sess {
		t.Error("current session not updated")
	}
}

func TestSupervisor_steady_state_no_restart(t *testing.T) {
	sess := session("rtsps://host/stream1", 5*time.Minute)
	src := &stubSource{fn: func(cur *StreamSession) (*StreamSession, error) {
		if cur == nil {
			return sess, nil
		}
		return cur, nil
	}}
	con := &stubConsumer{}
	s := newTestSupervisor(src, con)

	for i := 0; i < 5; i++ {
		s.tick(context.Background())
	}

	if len(con.starts) != 1 {
		t.Errorf("steady state restarted the consumer: starts = %v", con.starts)
	}
}

func TestSupervisor_renewal_same_locator_no_restart(t *testing.T) {
	src := &stubSource{fn: func(cur *StreamSession) (*StreamSession, error) {
		// Every tick returns a new session value with the same locator,
		// as a renewal that preserves the URL does.
		return session("rtsps://host/stream1", 5*time.Minute), nil
	}}
	con := &stubConsumer{}
	s := newTestSupervisor(src, con)

	s.tick(context.Background())
	s.tick(context.Background())
	s.tick(context.Background())

	if len(con.starts) != 1 {
		t.Errorf("locator-preserving renewal restarted the consumer: starts = %v", con.starts)
	}
}

func TestSupervisor_locator_change_restarts_once(t *testing.T) {
	locators := []string{"rtsps://host/stream1", "rtsps://host/stream2", "rtsps://host/stream2"}
	src := &stubSource{}
	src.fn = func(*StreamSession) (*StreamSession, error) {
		return session(locators[src.calls-1], 5*time.Minute), nil
	}
	con := &stubConsumer{}
	s := newTestSupervisor(src, con)

	for range locators {
		s.tick(context.Background())
	}

	want := []string{"rtsps://host/stream1", "rtsps://host/stream2"}
	if len(con.starts) != len(want) {
		t.Fatalf("starts = %v, want %v", con.starts, want)
	}
	for i := range want {
		if con.starts[i] != want[i] {
			t.Errorf("starts[%d] = %q, want %q", i, con.starts[i], want[i])
		}
	}
}

func TestSupervisor_dead_consumer_restarts_with_current_locator(t *testing.T) {
	src := &stubSource{fn: func(cur *StreamSession) (*StreamSession, error) {
		if cur == nil {
			return session("rtsps://host/stream1", 5*time.Minute), nil
		}
		return cur, nil
	}}
	con := &stubConsumer{}
	s := newTestSupervisor(src, con)

	s.tick(context.Background())
	// The consumer dies externally between ticks.
	con.alive = false
	con.locator = ""
	s.tick(context.Background())

	if len(con.starts) != 2 {
		t.Fatalf("starts = %v", con.starts)
	}
	if con.starts[1] != "rtsps://host/stream1" {
		t.Errorf("restart used locator %q", con.starts[1])
	}
}

func TestSupervisor_refresh_failure_keeps_state(t *testing.T) {
	sess := session("rtsps://host/stream1", 5*time.Minute)
	fail := false
	src := &stubSource{fn: func(cur *StreamSession) (*StreamSession, error) {
		if fail {
			return nil, errors.New("api down")
		}
		if cur == nil {
			return sess, nil
		}
		return cur, nil
	}}
	con := &stubConsumer{}
	s := newTestSupervisor(src, con)

	s.tick(context.Background())
	fail = true
	s.tick(context.Background())

	if s.current != sess {
		t.Error("failed tick must not clear the current session")
	}
	if !con.alive || len(con.starts) != 1 {
		t.Errorf("failed tick disturbed the consumer: alive=%v starts=%v", con.alive, con.starts)
	}

	// Recovery on a later tick, no restart needed.
	fail = false
	s.tick(context.Background())
	if len(con.starts) != 1 {
		t.Errorf("recovered tick restarted a healthy consumer: starts = %v", con.starts)
	}
}

func TestSupervisor_launch_failure_retries_next_tick(t *testing.T) {
	src := &stubSource{fn: func(cur *StreamSession) (*StreamSession, error) {
		if cur == nil {
			return session("rtsps://host/stream1", 5*time.Minute), nil
		}
		return cur, nil
	}}
	con := &stubConsumer{startErr: ErrLaunchFailed}
	s := newTestSupervisor(src, con)

	s.tick(context.Background())
	if con.alive {
		t.Fatal("consumer alive despite launch failure")
	}

	con.startErr = nil
	s.tick(context.Background())
	if !con.alive || len(con.starts) != 1 {
		t.Errorf("expected successful retry: alive=%v starts=%v", con.alive, con.starts)
	}
}

func TestSupervisor_Run_stops_consumer_on_shutdown(t *testing.T) {
	src := &stubSource{fn: func(cur *StreamSession) (*StreamSession, error) {
		return session("rtsps://host/stream1", 5*time.Minute), nil
	}}
	con := &stubConsumer{}
	s := newTestSupervisor(src, con)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// One immediate tick happens, then the cancelled wait exits the loop
	// and the deferred stop reaps the consumer.
	if len(con.starts) != 1 {
		t.Errorf("starts = %v", con.starts)
	}
	if con.alive {
		t.Error("consumer still alive after shutdown")
	}
	if con.stops == 0 {
		t.Error("consumer was not stopped on shutdown")
	}
}
