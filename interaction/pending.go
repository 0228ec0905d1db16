// Package interaction implements the gateway's per-request interaction
// managers: elicitation, sampling approval, firewall approval, and
// marketplace install approval each follow the same oneshot
// request/response pattern, so they share one generic implementation here.
package interaction

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/localrouter/gateway/types"
)

// Outcome is the terminal state of a Pending[T] request: exactly one of
// Delivered, TimedOut, or Cancelled is ever true for a given request.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeDelivered
	OutcomeTimedOut
	OutcomeCancelled
)

// Pending is one in-flight interaction request awaiting a client response.
type Pending[T any] struct {
	ID        string
	ServerID  string
	CreatedAt time.Time
	payload   any

	mu      sync.Mutex
	outcome Outcome
	resultC chan result[T]
}

type result[T any] struct {
	value T
	err   error
}

// Manager tracks pending interactions of one kind (elicitation, sampling
// approval, firewall approval, or install approval) keyed by request id.
// Exactly one of Resolve/Cancel/the timeout ever completes a given request —
// later calls against the same id are no-ops, matching the invariant every
// interaction manager in the gateway must uphold.
type Manager[T any] struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*Pending[T]
}

// NewManager creates an interaction manager for one request kind.
func NewManager[T any](logger *zap.Logger) *Manager[T] {
	return &Manager[T]{
		logger:  logger,
		pending: make(map[string]*Pending[T]),
	}
}

// Create registers a new pending interaction and returns its id.
func (m *Manager[T]) Create(serverID string, payload any) *Pending[T] {
	p := &Pending[T]{
		ID:        uuid.NewString(),
		ServerID:  serverID,
		CreatedAt: time.Now(),
		payload:   payload,
		resultC:   make(chan result[T], 1),
	}
	m.mu.Lock()
	m.pending[p.ID] = p
	m.mu.Unlock()
	return p
}

// Await blocks until the interaction is resolved, cancelled, or timeout
// elapses, whichever comes first, and always removes the request from the
// pending set before returning.
func (m *Manager[T]) Await(ctx context.Context, p *Pending[T], timeout time.Duration) (T, error) {
	defer m.remove(p.ID)

	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.resultC:
		return r.value, r.err
	case <-timer.C:
		p.mu.Lock()
		p.outcome = OutcomeTimedOut
		p.mu.Unlock()
		return zero, types.NewError(types.ErrTimeout, "interaction timed out").WithRetryable(false)
	case <-ctx.Done():
		p.mu.Lock()
		p.outcome = OutcomeCancelled
		p.mu.Unlock()
		return zero, types.NewError(types.ErrCancelled, "interaction cancelled").WithCause(ctx.Err())
	}
}

// Resolve delivers a client's response for a pending interaction. It
// returns false if the id is unknown or was already resolved/cancelled.
func (m *Manager[T]) Resolve(id string, value T) bool {
	m.mu.Lock()
	p, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outcome != OutcomePending {
		return false
	}
	p.outcome = OutcomeDelivered
	p.resultC <- result[T]{value: value}
	return true
}

// Cancel aborts a pending interaction with an explicit error, e.g. when the
// owning session or upstream connection closes.
func (m *Manager[T]) Cancel(id string, err error) bool {
	m.mu.Lock()
	p, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outcome != OutcomePending {
		return false
	}
	p.outcome = OutcomeCancelled
	var zero T
	p.resultC <- result[T]{value: zero, err: err}
	return true
}

// CancelAll aborts every pending interaction for one server, used when an
// upstream connection drops.
func (m *Manager[T]) CancelAll(serverID string, err error) {
	m.mu.Lock()
	ids := make([]string, 0)
	for id, p := range m.pending {
		if p.ServerID == serverID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cancel(id, err)
	}
}

func (m *Manager[T]) remove(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Len reports how many interactions are currently in flight.
func (m *Manager[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
