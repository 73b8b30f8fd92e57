package controlplane

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voicebridge/voicebridge/pkg/engine/errs"
)

const (
	backoffInitial = 2 * time.Second
	backoffCeiling = 60 * time.Second

	// Consecutive failures before reconnect logging escalates to ERROR.
	failuresBeforeError = 5

	// Credential failures tolerated before the supervisor gives up. A bad
	// API key never heals by retrying; transport failures retry forever.
	maxAuthFailures = 3
)

// ConnectFunc establishes one event-stream session.
type ConnectFunc func(ctx context.Context) (EventConn, error)

// Supervisor owns the persistent control-plane event stream. It reconnects
// with exponential backoff on transport failure, reflects true connection
// state for the readiness signal, and delivers events on a single channel
// for the lifetime of the process.
type Supervisor struct {
	connect ConnectFunc
	logger  *slog.Logger

	events    chan Event
	connected atomic.Bool

	initialBackoff time.Duration
	maxBackoff     time.Duration

	// observability hooks, optional
	onReconnectAttempt func(consecutiveFailures int, backoff time.Duration)
}

// NewSupervisor creates a supervisor over the given connect function.
func NewSupervisor(connect ConnectFunc, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		connect:        connect,
		logger:         logger,
		events:         make(chan Event, 64),
		initialBackoff: backoffInitial,
		maxBackoff:     backoffCeiling,
	}
}

// SetReconnectHook installs a metrics hook invoked before each reconnect
// wait. Must be called before Run.
func (s *Supervisor) SetReconnectHook(fn func(consecutiveFailures int, backoff time.Duration)) {
	s.onReconnectAttempt = fn
}

// Events returns the lazy, infinite event sequence. It is closed only when
// Run returns.
func (s *Supervisor) Events() <-chan Event { return s.events }

// IsConnected reports true transport state, not intent. While false, global
// readiness must report "not ready for new calls".
func (s *Supervisor) IsConnected() bool { return s.connected.Load() }

// Run connects and pumps events until ctx is canceled or a fatal credential
// error is established. Transport errors are retried indefinitely.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.events)

	backoff := s.initialBackoff
	consecutive := 0
	authFailures := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := s.connect(ctx)
		if err != nil {
			if errs.IsAuth(err) {
				authFailures++
				s.logger.Error("control plane rejected credentials",
					"attempt", authFailures, "max", maxAuthFailures, "error", err)
				if authFailures >= maxAuthFailures {
					return err
				}
			} else {
				authFailures = 0
			}
			consecutive++
			s.waitBackoff(ctx, consecutive, backoff, err)
			backoff = s.nextBackoff(backoff)
			continue
		}

		authFailures = 0
		consecutive = 0
		backoff = s.initialBackoff
		s.connected.Store(true)
		s.logger.Info("control plane connected")

		err = s.pump(ctx, conn)
		s.connected.Store(false)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("control plane disconnected", "error", err)
	}
}

func (s *Supervisor) pump(ctx context.Context, conn EventConn) error {
	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			return err
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) waitBackoff(ctx context.Context, consecutive int, backoff time.Duration, cause error) {
	if s.onReconnectAttempt != nil {
		s.onReconnectAttempt(consecutive, backoff)
	}
	attrs := []any{"consecutive_failures", consecutive, "backoff", backoff, "error", cause}
	if consecutive >= failuresBeforeError {
		s.logger.Error("control plane reconnect failed", attrs...)
	} else {
		s.logger.Warn("control plane reconnect failed", attrs...)
	}
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
}

func (s *Supervisor) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > s.maxBackoff {
		return s.maxBackoff
	}
	return next
}
