package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/weft/model"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every call through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the open timeout elapses.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after a run of consecutive failures and closes again
// after a run of successful probes. It is safe for concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time
	now              func() time.Time
}

// NewCircuitBreaker creates a circuit breaker. Non-positive arguments fall
// back to 5 failures, 2 successes and a 30s open timeout.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current() != BreakerOpen
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.current() {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.current() {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.trip()
		}
	case BreakerHalfOpen:
		// Any failed probe reopens.
		cb.trip()
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current()
}

// current moves an expired open breaker to half-open. Must be called with
// lock held.
func (cb *CircuitBreaker) current() BreakerState {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.timeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
	return cb.state
}

func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.successes = 0
}

// GuardedSnapshotStore wraps a remote SnapshotStore with a circuit breaker.
// Domain outcomes (not found, version conflict) count as successes; only
// infrastructure errors trip the breaker.
type GuardedSnapshotStore struct {
	next    SnapshotStore
	breaker *CircuitBreaker
}

// NewGuardedSnapshotStore wraps next with breaker.
func NewGuardedSnapshotStore(next SnapshotStore, breaker *CircuitBreaker) *GuardedSnapshotStore {
	return &GuardedSnapshotStore{next: next, breaker: breaker}
}

// Breaker returns the breaker guarding the store.
func (s *GuardedSnapshotStore) Breaker() *CircuitBreaker {
	return s.breaker
}

func (s *GuardedSnapshotStore) guard(op string, fn func() error) error {
	if !s.breaker.Allow() {
		return &model.WorkflowError{
			Code:    model.ErrStoreUnavailable,
			Message: fmt.Sprintf("snapshot store %s rejected: circuit breaker is open", op),
		}
	}
	err := fn()
	if err == nil || isDomainError(err) {
		s.breaker.RecordSuccess()
	} else {
		s.breaker.RecordFailure()
	}
	return err
}

func isDomainError(err error) bool {
	var we *model.WorkflowError
	if !errors.As(err, &we) {
		return false
	}
	return we.Code == model.ErrNotFound || we.Code == model.ErrConflict
}

// Create implements SnapshotStore.
func (s *GuardedSnapshotStore) Create(ctx context.Context, rec SnapshotRecord) error {
	return s.guard("create", func() error { return s.next.Create(ctx, rec) })
}

// Get implements SnapshotStore.
func (s *GuardedSnapshotStore) Get(ctx context.Context, id string) (SnapshotRecord, error) {
	var rec SnapshotRecord
	err := s.guard("get", func() error {
		var err error
		rec, err = s.next.Get(ctx, id)
		return err
	})
	return rec, err
}

// Update implements SnapshotStore.
func (s *GuardedSnapshotStore) Update(ctx context.Context, rec SnapshotRecord) error {
	return s.guard("update", func() error { return s.next.Update(ctx, rec) })
}

// Delete implements SnapshotStore.
func (s *GuardedSnapshotStore) Delete(ctx context.Context, id string) error {
	return s.guard("delete", func() error { return s.next.Delete(ctx, id) })
}

// List implements SnapshotStore.
func (s *GuardedSnapshotStore) List(ctx context.Context, filters SnapshotFilters) ([]SnapshotRecord, error) {
	var out []SnapshotRecord
	err := s.guard("list", func() error {
		var err error
		out, err = s.next.List(ctx, filters)
		return err
	})
	return out, err
}

// HealthCheck is not guarded.
func (s *GuardedSnapshotStore) HealthCheck(ctx context.Context) error {
	return s.next.HealthCheck(ctx)
}
