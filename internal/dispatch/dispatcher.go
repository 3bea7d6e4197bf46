// Package dispatch fans payloads out to the live sessions subscribed to
// a (userId, conversationId) pair and self-heals the session registry
// by evicting connections that are gone.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voice-assistant/internal/domain"
)

const defaultDeliveryTimeout = 10 * time.Second

// ErrGone marks a delivery failure caused by the connection no longer
// existing, as opposed to a transient push error.
var ErrGone = errors.New("dispatch: connection gone")

// SessionLookup is the registry surface the dispatcher needs: candidate
// discovery and best-effort eviction. The discovery query may be
// eventually consistent; the broadcast is advisory.
type SessionLookup interface {
	LiveSessions(ctx context.Context, userID, conversationID string, now int64) ([]domain.SessionRecord, error)
	SetConnected(ctx context.Context, sessionID string, connected bool) (bool, error)
}

// Pusher delivers a raw payload to one connection. Implementations wrap
// gone-connection failures with ErrGone.
type Pusher interface {
	Push(ctx context.Context, connectionID string, data []byte) error
}

// DeliveryReport summarizes one broadcast.
type DeliveryReport struct {
	Attempted int
	Delivered int
	Evicted   int
}

// Dispatcher delivers payloads to subscribed sessions in parallel, one
// goroutine per candidate, each with an independent timeout so a slow
// client cannot stall the others.
type Dispatcher struct {
	sessions SessionLookup
	pusher   Pusher
	timeout  time.Duration
}

type Option func(*Dispatcher)

// WithDeliveryTimeout overrides the per-recipient delivery timeout.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// New validates and wires a Dispatcher.
func New(sessions SessionLookup, pusher Pusher, opts ...Option) (*Dispatcher, error) {
	if sessions == nil {
		return nil, errors.New("dispatch: session lookup must not be nil")
	}
	if pusher == nil {
		return nil, errors.New("dispatch: pusher must not be nil")
	}
	d := &Dispatcher{sessions: sessions, pusher: pusher, timeout: defaultDeliveryTimeout}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Broadcast delivers payload to every connected, unexpired session
// subscribed to (userID, conversationID). Per-recipient failures are
// isolated: a gone connection is evicted from the registry, any other
// failure is logged, and neither affects the remaining recipients. The
// only error path is the registry lookup itself.
func (d *Dispatcher) Broadcast(ctx context.Context, userID, conversationID string, payload domain.PushPayload) (DeliveryReport, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("dispatch: marshal payload: %w", err)
	}

	candidates, err := d.sessions.LiveSessions(ctx, userID, conversationID, time.Now().Unix())
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("dispatch: session lookup: %w", err)
	}
	if len(candidates) == 0 {
		slog.Info("no live sessions to broadcast to", "userId", userID, "conversationId", conversationID)
		return DeliveryReport{}, nil
	}

	var (
		mu        sync.Mutex
		delivered int
		evicted   int
		wg        sync.WaitGroup
	)
	for _, session := range candidates {
		wg.Add(1)
		go func(session domain.SessionRecord) {
			defer wg.Done()

			pushCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			err := d.pusher.Push(pushCtx, session.ConnectionID, data)
			switch {
			case err == nil:
				mu.Lock()
				delivered++
				mu.Unlock()
			case errors.Is(err, ErrGone):
				slog.Info("stale connection detected, evicting",
					"connectionId", session.ConnectionID, "sessionId", session.SessionID)
				d.evict(ctx, session.SessionID)
				mu.Lock()
				evicted++
				mu.Unlock()
			default:
				slog.Warn("delivery failed",
					"connectionId", session.ConnectionID, "sessionId", session.SessionID, "err", err)
			}
		}(session)
	}
	wg.Wait()

	report := DeliveryReport{Attempted: len(candidates), Delivered: delivered, Evicted: evicted}
	slog.Info("broadcast complete", "userId", userID, "conversationId", conversationID,
		"attempted", report.Attempted, "delivered", report.Delivered, "evicted", report.Evicted)
	return report, nil
}

// evict flips the session to disconnected. Best-effort: lost updates
// are acceptable because the registry is advisory.
func (d *Dispatcher) evict(ctx context.Context, sessionID string) {
	if _, err := d.sessions.SetConnected(ctx, sessionID, false); err != nil {
		slog.Warn("eviction failed", "sessionId", sessionID, "err", err)
	}
}
