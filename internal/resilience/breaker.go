package resilience

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrCircuitOpen is the synthetic failure returned while a dependency's
// circuit is open. It is cheap and immediate, never a slow timeout.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// BreakerSnapshot is the persisted state of one breaker. Execution units
// are ephemeral, so the state lives in the store, not in process memory.
type BreakerSnapshot struct {
	Key                 string    `json:"key"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OpenUntil           time.Time `json:"openUntil,omitempty"`
}

// StateStore persists breaker snapshots across restarts. Load returns
// (nil, nil) for a breaker that has never recorded an outcome.
type StateStore interface {
	LoadBreaker(ctx context.Context, key string) (*BreakerSnapshot, error)
	SaveBreaker(ctx context.Context, snap *BreakerSnapshot) error
}

// Breaker is a per-dependency circuit breaker: closed passes calls and
// counts failures, open short-circuits for a cooldown window, half-open
// admits a single probe whose outcome decides the next state.
type Breaker struct {
	mu        sync.Mutex
	key       string
	threshold int
	cooldown  time.Duration
	store     StateStore
	clock     func() time.Time
}

// NewBreaker creates a breaker for one dependency key.
func NewBreaker(key string, threshold int, cooldown time.Duration, store StateStore) *Breaker {
	return &Breaker{
		key:       key,
		threshold: threshold,
		cooldown:  cooldown,
		store:     store,
		clock:     time.Now,
	}
}

// Key returns the dependency key this breaker guards.
func (b *Breaker) Key() string { return b.key }

// Do runs fn through the breaker, recording the outcome. An open circuit
// returns ErrCircuitOpen without calling fn. The lock covers only state
// decisions, never the guarded call itself.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(ctx); err != nil {
		return err
	}

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	snap := b.load(ctx)
	if err != nil {
		b.recordFailure(ctx, snap)
		return err
	}
	b.recordSuccess(ctx, snap)
	return nil
}

func (b *Breaker) allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := b.load(ctx)
	switch snap.State {
	case StateOpen:
		if b.clock().Before(snap.OpenUntil) {
			return ErrCircuitOpen
		}
		// Cooldown elapsed: this call is the half-open probe.
		snap.State = StateHalfOpen
		b.save(ctx, snap)
		return nil
	case StateHalfOpen:
		// A probe is already deciding the circuit's fate.
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) recordSuccess(ctx context.Context, snap *BreakerSnapshot) {
	snap.State = StateClosed
	snap.ConsecutiveFailures = 0
	snap.OpenUntil = time.Time{}
	b.save(ctx, snap)
}

func (b *Breaker) recordFailure(ctx context.Context, snap *BreakerSnapshot) {
	snap.ConsecutiveFailures++
	if snap.State == StateHalfOpen || snap.ConsecutiveFailures >= b.threshold {
		snap.State = StateOpen
		snap.OpenUntil = b.clock().Add(b.cooldown)
	}
	b.save(ctx, snap)
}

// Snapshot returns the breaker's current persisted state.
func (b *Breaker) Snapshot(ctx context.Context) *BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(ctx)
}

// Reset force-closes the breaker. Exposed over the admin API so an
// operator can recover a wedged dependency without redeploying.
func (b *Breaker) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := &BreakerSnapshot{Key: b.key, State: StateClosed}
	return b.store.SaveBreaker(ctx, snap)
}

// load fetches the persisted snapshot; a store failure degrades to a
// closed breaker so an unhealthy store never blocks calls.
func (b *Breaker) load(ctx context.Context) *BreakerSnapshot {
	snap, err := b.store.LoadBreaker(ctx, b.key)
	if err != nil {
		log.Printf("breaker %s: failed to load state: %v", b.key, err)
		return &BreakerSnapshot{Key: b.key, State: StateClosed}
	}
	if snap == nil {
		return &BreakerSnapshot{Key: b.key, State: StateClosed}
	}
	return snap
}

func (b *Breaker) save(ctx context.Context, snap *BreakerSnapshot) {
	if err := b.store.SaveBreaker(ctx, snap); err != nil {
		log.Printf("breaker %s: failed to save state: %v", b.key, err)
	}
}

// BreakerSet is the registry of breakers, one per dependency key.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	store    StateStore
}

// NewBreakerSet creates an empty registry backed by the given store.
func NewBreakerSet(store StateStore) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*Breaker),
		store:    store,
	}
}

// Register creates and records a breaker for the given dependency key.
// Threshold and cooldown are configured per dependency.
func (s *BreakerSet) Register(key string, threshold int, cooldown time.Duration) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	br := NewBreaker(key, threshold, cooldown, s.store)
	s.breakers[key] = br
	return br
}

// Get returns the breaker for a key, or nil when none is registered.
func (s *BreakerSet) Get(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakers[key]
}

// Snapshots returns the current state of every registered breaker.
func (s *BreakerSet) Snapshots(ctx context.Context) []*BreakerSnapshot {
	s.mu.Lock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, br := range s.breakers {
		breakers = append(breakers, br)
	}
	s.mu.Unlock()

	snaps := make([]*BreakerSnapshot, 0, len(breakers))
	for _, br := range breakers {
		snaps = append(snaps, br.Snapshot(ctx))
	}
	return snaps
}
