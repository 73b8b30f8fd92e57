package controlplane

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/pkg/engine/errs"
)

type scriptedConn struct {
	events []Event
	err    error
	closed bool
}

func (c *scriptedConn) Next(ctx context.Context) (Event, error) {
	if len(c.events) == 0 {
		return Event{}, c.err
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev, nil
}

func (c *scriptedConn) Close() error {
	c.closed = true
	return nil
}

func newTestSupervisor(connect ConnectFunc) *Supervisor {
	s := NewSupervisor(connect, nil)
	s.initialBackoff = time.Millisecond
	s.maxBackoff = 8 * time.Millisecond
	return s
}

func TestSupervisorBackoffDoublesAndCaps(t *testing.T) {
	attempts := 0
	connect := func(ctx context.Context) (EventConn, error) {
		attempts++
		return nil, errs.Newf(errs.KindTransport, "test", "connection refused")
	}

	s := newTestSupervisor(connect)
	var backoffs []time.Duration
	ctx, cancel := context.WithCancel(context.Background())
	s.SetReconnectHook(func(consecutive int, backoff time.Duration) {
		backoffs = append(backoffs, backoff)
		if consecutive != len(backoffs) {
			t.Errorf("consecutive = %d, want %d", consecutive, len(backoffs))
		}
		if len(backoffs) >= 6 {
			cancel()
		}
	})

	err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}

	want := []time.Duration{
		time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		8 * time.Millisecond,
		8 * time.Millisecond,
		8 * time.Millisecond,
	}
	if len(backoffs) < len(want) {
		t.Fatalf("got %d backoff waits, want at least %d", len(backoffs), len(want))
	}
	for i, w := range want {
		if backoffs[i] != w {
			t.Errorf("backoff[%d] = %v, want %v", i, backoffs[i], w)
		}
	}
}

func TestSupervisorBackoffResetsAfterConnect(t *testing.T) {
	attempt := 0
	connect := func(ctx context.Context) (EventConn, error) {
		attempt++
		switch attempt {
		case 1, 2:
			return nil, errs.Newf(errs.KindTransport, "test", "refused")
		case 3:
			// Successful connect that immediately drops.
			return &scriptedConn{err: errs.Newf(errs.KindTransport, "test", "reset")}, nil
		default:
			return nil, errs.Newf(errs.KindTransport, "test", "refused again")
		}
	}

	s := newTestSupervisor(connect)
	var backoffs []time.Duration
	ctx, cancel := context.WithCancel(context.Background())
	s.SetReconnectHook(func(consecutive int, backoff time.Duration) {
		backoffs = append(backoffs, backoff)
		if len(backoffs) == 4 {
			cancel()
		}
	})

	_ = s.Run(ctx)

	// Two pre-connect failures escalate, then the post-connect failure
	// starts over at the initial backoff.
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, time.Millisecond, 2 * time.Millisecond}
	if len(backoffs) < len(want) {
		t.Fatalf("got %d backoff waits, want %d", len(backoffs), len(want))
	}
	for i, w := range want {
		if backoffs[i] != w {
			t.Errorf("backoff[%d] = %v, want %v", i, backoffs[i], w)
		}
	}
}

func TestSupervisorAuthFailuresAreFatal(t *testing.T) {
	attempts := 0
	authErr := errs.Newf(errs.KindAuth, "test", "credentials rejected")
	connect := func(ctx context.Context) (EventConn, error) {
		attempts++
		return nil, authErr
	}

	s := newTestSupervisor(connect)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errs.IsAuth(err) {
			t.Fatalf("Run error = %v, want auth kind", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not give up on repeated auth failures")
	}
	if attempts != 3 {
		t.Errorf("connect attempts = %d, want 3", attempts)
	}
}

func TestSupervisorTransportFailureResetsAuthCount(t *testing.T) {
	attempt := 0
	connect := func(ctx context.Context) (EventConn, error) {
		attempt++
		// Alternating auth and transport failures never accumulate to the
		// fatal auth threshold.
		if attempt%2 == 1 {
			return nil, errs.Newf(errs.KindAuth, "test", "rejected")
		}
		return nil, errs.Newf(errs.KindTransport, "test", "refused")
	}

	s := newTestSupervisor(connect)
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	s.SetReconnectHook(func(consecutive int, backoff time.Duration) {
		count++
		if count >= 10 {
			cancel()
		}
	})

	err := s.Run(ctx)
	if errs.IsAuth(err) {
		t.Fatalf("Run gave up on auth after interleaved transport failures: %v", err)
	}
}

func TestSupervisorDeliversEventsAndTracksConnection(t *testing.T) {
	conn := &scriptedConn{
		events: []Event{
			{Type: EventChannelEnteredApp, ChannelID: "chan-1"},
			{Type: EventDTMFReceived, ChannelID: "chan-1", Digit: "5"},
		},
		err: errs.Newf(errs.KindTransport, "test", "reset"),
	}
	connected := make(chan struct{})
	first := true
	connect := func(ctx context.Context) (EventConn, error) {
		if first {
			first = false
			close(connected)
			return conn, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s := newTestSupervisor(connect)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-connected

	ev := <-s.Events()
	if ev.Type != EventChannelEnteredApp || ev.ChannelID != "chan-1" {
		t.Fatalf("first event = %+v", ev)
	}
	ev = <-s.Events()
	if ev.Type != EventDTMFReceived || ev.Digit != "5" {
		t.Fatalf("second event = %+v", ev)
	}

	cancel()
	<-done
	if s.IsConnected() {
		t.Error("IsConnected true after Run returned")
	}
	if !conn.closed {
		t.Error("connection not closed after pump failure")
	}

	// Events channel closes with Run.
	if _, ok := <-s.Events(); ok {
		t.Error("events channel still open after Run returned")
	}
}
