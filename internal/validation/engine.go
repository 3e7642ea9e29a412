// Package validation implements the read-through cache that serves
// subscription verdicts per (company, bot) pair.
//
// Entries are fresh while now-storedAt < TTL. Staleness is checked on read;
// nothing is evicted in the background. Entries leave the map only through
// explicit invalidation. A fetch that was in flight when an invalidation
// covering its key ran returns its result but does not store it.
package validation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"subvalidator/internal/billing"
	"subvalidator/internal/types"
)

// DefaultTTL is how long a computed verdict is served from the cache.
const DefaultTTL = 24 * time.Hour

// DefaultBatchConcurrency bounds the fan-out of ValidateBatch.
const DefaultBatchConcurrency = 16

// Store is the authoritative source of subscription facts. It must report
// a missing company with types.ErrCodeNotFoundCompany.
type Store interface {
	FetchFacts(ctx context.Context, companyID int64) (types.SubscriptionFacts, error)
}

// Outcome is a verdict plus the cache metadata of the call that served it.
type Outcome struct {
	Result   types.ValidationResult
	Cached   bool
	CacheAge time.Duration
}

type cacheEntry struct {
	result   types.ValidationResult
	storedAt time.Time
}

// generation identifies the invalidations a fetch started after. InvalidateAll
// bumps all; Invalidate and InvalidateCompany bump the company counter.
type generation struct {
	all     uint64
	company uint64
}

// Engine is the validation cache. The zero value is not usable; construct
// with NewEngine.
type Engine struct {
	store    Store
	policy   *billing.Policy
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	ttl              time.Duration
	batchConcurrency int
	coalesce         bool
	group            singleflight.Group

	mu            sync.RWMutex
	entries       map[types.TenantKey]cacheEntry
	epoch         uint64
	companyEpochs map[int64]uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithBatchConcurrency bounds how many keys of a batch are validated at once.
func WithBatchConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchConcurrency = n
		}
	}
}

// WithMissCoalescing makes concurrent misses for the same key share one
// store fetch. Off by default: concurrent misses each fetch and the last
// write wins.
func WithMissCoalescing(enabled bool) Option {
	return func(e *Engine) {
		e.coalesce = enabled
	}
}

// WithPolicy replaces the default policy built on the static plan registry.
func WithPolicy(p *billing.Policy) Option {
	return func(e *Engine) {
		if p != nil {
			e.policy = p
		}
	}
}

// NewEngine creates an empty cache in front of store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:            store,
		policy:           billing.NewPolicy(nil),
		observer:         NopObserver{},
		logger:           slog.Default(),
		now:              time.Now,
		ttl:              DefaultTTL,
		batchConcurrency: DefaultBatchConcurrency,
		entries:          make(map[types.TenantKey]cacheEntry),
		companyEpochs:    make(map[int64]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TTL returns the configured freshness window.
func (e *Engine) TTL() time.Duration {
	return e.ttl
}

// Validate returns the verdict for key, from the cache when a fresh entry
// exists and from the store otherwise. Keys with a negative id are
// computed but never stored.
//
// Errors: ErrCodeValidationMissingField when an identifier is absent,
// ErrCodeNotFoundCompany when the store has no such company (never
// cached), and the store's own error for infrastructure failures (the
// cache is left untouched).
func (e *Engine) Validate(ctx context.Context, key types.TenantKey) (Outcome, error) {
	if err := key.Validate(); err != nil {
		return Outcome{}, err
	}
	return e.validateOne(ctx, key)
}

func (e *Engine) validateOne(ctx context.Context, key types.TenantKey) (Outcome, error) {
	now := e.now()

	e.mu.RLock()
	entry, ok := e.entries[key]
	gen := e.generationLocked(key.CompanyID)
	e.mu.RUnlock()

	if ok {
		age := now.Sub(entry.storedAt)
		if age < e.ttl {
			e.observer.CacheHit()
			return Outcome{Result: entry.result, Cached: true, CacheAge: clampAge(age)}, nil
		}
	}

	e.observer.CacheMiss()
	result, err := e.refresh(ctx, key, gen)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Result: result, Cached: false}, nil
}

// generationLocked must be called with mu held.
func (e *Engine) generationLocked(companyID int64) generation {
	return generation{all: e.epoch, company: e.companyEpochs[companyID]}
}

func (e *Engine) refresh(ctx context.Context, key types.TenantKey, gen generation) (types.ValidationResult, error) {
	if !e.coalesce {
		return e.fetchAndStore(ctx, key, gen)
	}

	// Callers that arrive after an invalidation start their own fetch.
	flight := key.String() + "@" + strconv.FormatUint(gen.all, 10) + "." + strconv.FormatUint(gen.company, 10)

	// The shared fetch must not be cancelled by whichever caller started it.
	v, err, _ := e.group.Do(flight, func() (any, error) {
		return e.fetchAndStore(context.WithoutCancel(ctx), key, gen)
	})
	if err != nil {
		return types.ValidationResult{}, err
	}
	return v.(types.ValidationResult), nil
}

func (e *Engine) fetchAndStore(ctx context.Context, key types.TenantKey, gen generation) (types.ValidationResult, error) {
	facts, err := e.store.FetchFacts(ctx, key.CompanyID)
	if err != nil {
		err = classifyStoreError(err)
		code := types.CodeOf(err)
		e.observer.FetchFailed(code)
		if code != types.ErrCodeNotFoundCompany {
			e.logger.WarnContext(ctx, "subscription facts fetch failed",
				"tenant", key.String(),
				"code", code,
				"error", err,
			)
		}
		return types.ValidationResult{}, err
	}

	now := e.now()
	result := e.policy.Apply(key, facts, now)

	e.mu.Lock()
	invalidated := e.generationLocked(key.CompanyID) != gen
	if !invalidated && key.Cacheable() {
		// storedAt never moves backwards for a key.
		if prev, ok := e.entries[key]; !ok || !prev.storedAt.After(now) {
			e.entries[key] = cacheEntry{result: result, storedAt: now}
		}
	}
	size := len(e.entries)
	e.mu.Unlock()

	if invalidated {
		e.logger.DebugContext(ctx, "result not cached; key invalidated during fetch", "tenant", key.String())
	}

	e.observer.Computed(result)
	e.observer.Size(size)
	return result, nil
}

// classifyStoreError keeps AppErrors as they are and wraps anything else as
// an upstream failure so the HTTP layer never reports a raw driver error.
func classifyStoreError(err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStore, "subscription store unavailable", err)
}

func clampAge(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// Invalidate removes the entry for key. It reports whether an entry existed;
// a missing entry is not an error.
func (e *Engine) Invalidate(key types.TenantKey) bool {
	e.mu.Lock()
	_, ok := e.entries[key]
	delete(e.entries, key)
	e.companyEpochs[key.CompanyID]++
	size := len(e.entries)
	e.mu.Unlock()

	if ok {
		e.observer.Evicted(1)
	}
	e.observer.Size(size)
	return ok
}

// InvalidateAll removes every entry and returns how many were removed.
func (e *Engine) InvalidateAll() int {
	e.mu.Lock()
	n := len(e.entries)
	e.entries = make(map[types.TenantKey]cacheEntry)
	e.epoch++
	e.companyEpochs = make(map[int64]uint64)
	e.mu.Unlock()

	e.observer.Evicted(n)
	e.observer.Size(0)
	return n
}

// InvalidateCompany removes the entries of every bot of companyID.
func (e *Engine) InvalidateCompany(companyID int64) int {
	e.mu.Lock()
	n := 0
	for k := range e.entries {
		if k.CompanyID == companyID {
			delete(e.entries, k)
			n++
		}
	}
	e.companyEpochs[companyID]++
	size := len(e.entries)
	e.mu.Unlock()

	e.observer.Evicted(n)
	e.observer.Size(size)
	return n
}

// EntryAge describes one cache entry in Stats.
type EntryAge struct {
	Key   string
	Age   time.Duration
	Fresh bool
}

// Stats is a read-only snapshot of the cache.
type Stats struct {
	Size int
	Keys []string
	Ages []EntryAge
}

// Inspect returns the current entries ordered by key. It never refreshes or
// removes anything, stale entries included.
func (e *Engine) Inspect() Stats {
	now := e.now()

	e.mu.RLock()
	ages := make([]EntryAge, 0, len(e.entries))
	for k, entry := range e.entries {
		age := clampAge(now.Sub(entry.storedAt))
		ages = append(ages, EntryAge{Key: k.String(), Age: age, Fresh: age < e.ttl})
	}
	e.mu.RUnlock()

	sort.Slice(ages, func(i, j int) bool { return ages[i].Key < ages[j].Key })
	keys := make([]string, len(ages))
	for i, a := range ages {
		keys[i] = a.Key
	}
	return Stats{Size: len(ages), Keys: keys, Ages: ages}
}
