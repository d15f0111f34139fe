// Package dedupe implements the exactly-once-effect store for execution
// requests: a keyed record moving absent -> in-flight -> resolved(result).
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ArbCore/internal/domain/models"
	domrepo "ArbCore/internal/domain/repository"
	"ArbCore/pkg/cache"
)

// State of an idempotency key.
type State string

const (
	StateAbsent   State = "absent"
	StateInFlight State = "in_flight"
	StateResolved State = "resolved"
)

type record struct {
	State      State                   `json:"state"`
	RequestID  string                  `json:"request_id"`
	AcquiredAt time.Time               `json:"acquired_at"`
	Result     *models.ExecutionResult `json:"result,omitempty"`
}

// Claim is the outcome of Acquire. Acquired means the caller now holds the
// in-flight marker and must Resolve it.
type Claim struct {
	Acquired bool
	State    State
	Holder   string
	Result   *models.ExecutionResult
}

// Store keeps idempotency records in an expiring KV store.
type Store struct {
	kv          domrepo.KVStore
	inflightTTL time.Duration
	resultTTL   time.Duration
	now         func() time.Time
}

type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a store. inflightTTL bounds how long a crashed worker can block
// a key; resultTTL must cover the longest expected retry window.
func New(kv domrepo.KVStore, inflightTTL, resultTTL time.Duration, opts ...Option) *Store {
	s := &Store{kv: kv, inflightTTL: inflightTTL, resultTTL: resultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire atomically moves key from absent to in-flight. When the key is
// already tracked it reports the current holder or the resolved result.
func (s *Store) Acquire(ctx context.Context, key, requestID string) (Claim, error) {
	marker := record{State: StateInFlight, RequestID: requestID, AcquiredAt: s.now()}

	// The record can expire between SETNX and GET; one extra round covers it.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.kv.SetNX(ctx, models.DedupeKey(key), marker, s.inflightTTL)
		if err != nil {
			return Claim{}, fmt.Errorf("dedupe acquire %s: %w", key, err)
		}
		if ok {
			return Claim{Acquired: true, State: StateInFlight, Holder: requestID}, nil
		}

		claim, err := s.Lookup(ctx, key)
		if err != nil {
			return Claim{}, err
		}
		if claim.State != StateAbsent {
			return claim, nil
		}
	}
	return Claim{State: StateInFlight}, nil
}

// Resolve replaces the in-flight marker with the final result.
func (s *Store) Resolve(ctx context.Context, key string, result models.ExecutionResult) error {
	rec := record{State: StateResolved, RequestID: result.RequestID, AcquiredAt: s.now(), Result: &result}
	if err := s.kv.Set(ctx, models.DedupeKey(key), rec, s.resultTTL); err != nil {
		return fmt.Errorf("dedupe resolve %s: %w", key, err)
	}
	return nil
}

// Release drops an in-flight marker without a result so a retry may proceed.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, models.DedupeKey(key)); err != nil {
		return fmt.Errorf("dedupe release %s: %w", key, err)
	}
	return nil
}

// Lookup reads the current state of key without changing it.
func (s *Store) Lookup(ctx context.Context, key string) (Claim, error) {
	var rec record
	if err := s.kv.Get(ctx, models.DedupeKey(key), &rec); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return Claim{State: StateAbsent}, nil
		}
		return Claim{}, fmt.Errorf("dedupe lookup %s: %w", key, err)
	}
	return Claim{State: rec.State, Holder: rec.RequestID, Result: rec.Result}, nil
}
