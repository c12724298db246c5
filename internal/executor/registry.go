package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// registration records one executor under one capability tag.
type registration struct {
	exec Executor
	// order is the global registration sequence, used as the tie-break
	// when success rates are equal.
	order int
	// fallback marks executors registered via RegisterFallback.
	fallback bool
}

// Ratings supplies per-executor success rates to Resolve. Implemented by
// the metrics collector; executors with no recorded attempts report ok
// false and rank as if they had a perfect rate.
type Ratings interface {
	SuccessRate(executorID string) (rate float64, ok bool)
}

// Registry maps capability tags to executors and their ordered fallback
// chains. Registration is administrative and rare; resolution is the hot
// path and takes only a read lock.
type Registry struct {
	// byTag maps capability tag to registrations in registration order.
	byTag map[string][]registration
	// breakers holds one circuit breaker per executor ID.
	breakers map[string]*gobreaker.CircuitBreaker
	// nextOrder is the global registration counter.
	nextOrder int
	// mu protects all fields.
	mu sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byTag:    make(map[string][]registration),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Register adds a primary executor for the given capability tag.
func (r *Registry) Register(tag string, exec Executor) {
	r.add(tag, exec, false)
}

// RegisterFallback appends an executor to the ordered fallback chain for
// the given capability tag.
func (r *Registry) RegisterFallback(tag string, exec Executor) {
	r.add(tag, exec, true)
}

func (r *Registry) add(tag string, exec Executor, fallback bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byTag[tag] = append(r.byTag[tag], registration{
		exec:     exec,
		order:    r.nextOrder,
		fallback: fallback,
	})
	r.nextOrder++

	if _, ok := r.breakers[exec.ID()]; !ok {
		r.breakers[exec.ID()] = newBreaker(exec.ID())
	}
}

// Deregister removes an executor from a capability tag. Its breaker stays
// in place in case the executor remains registered under other tags.
func (r *Registry) Deregister(tag string, executorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.byTag[tag]
	kept := regs[:0]
	for _, reg := range regs {
		if reg.exec.ID() != executorID {
			kept = append(kept, reg)
		}
	}
	if len(kept) == 0 {
		delete(r.byTag, tag)
		return
	}
	r.byTag[tag] = kept
}

// Breaker returns the circuit breaker for an executor ID, or nil if the
// executor was never registered.
func (r *Registry) Breaker(executorID string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[executorID]
}

// Resolve selects the primary executor for the required capability set and
// returns the remaining fallback chain, so the recovery manager can
// advance through it without re-resolving.
//
// The primary is the registered (non-fallback) executor whose advertised
// capabilities are a superset of required, preferring the highest success
// rate from ratings, ties broken by registration order. Executors whose
// circuit breaker is open are passed over unless every candidate is open,
// in which case the best match is returned anyway rather than failing the
// task outright.
//
// Returns ErrNoCapableExecutor when no registration satisfies the set;
// this is non-retryable and consumes no attempt.
func (r *Registry) Resolve(required []string, ratings Ratings) (Executor, []Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	primaries, fallbacks := r.candidatesLocked(required)
	if len(primaries) == 0 && len(fallbacks) == 0 {
		return nil, nil, fmt.Errorf("%w: capabilities %v", ErrNoCapableExecutor, required)
	}
	if len(primaries) == 0 {
		// Only fallbacks cover the set; promote the first to primary.
		primaries = fallbacks[:1]
		fallbacks = fallbacks[1:]
	}

	sort.SliceStable(primaries, func(i, j int) bool {
		ri := r.rating(ratings, primaries[i].exec.ID())
		rj := r.rating(ratings, primaries[j].exec.ID())
		if ri != rj {
			return ri > rj
		}
		return primaries[i].order < primaries[j].order
	})

	chosen := primaries[0]
	for _, cand := range primaries {
		if cb := r.breakers[cand.exec.ID()]; cb != nil && cb.State() == gobreaker.StateOpen {
			continue
		}
		chosen = cand
		break
	}

	chain := make([]Executor, 0, len(fallbacks))
	for _, reg := range fallbacks {
		if reg.exec.ID() == chosen.exec.ID() {
			continue
		}
		chain = append(chain, reg.exec)
	}
	return chosen.exec, chain, nil
}

// candidatesLocked collects registrations whose capabilities cover the
// required set, split into primaries and the ordered fallback chain.
// Caller must hold r.mu.
func (r *Registry) candidatesLocked(required []string) (primaries, fallbacks []registration) {
	// A task with no required capabilities may run on any executor, so
	// scan every tag in that case.
	tags := required
	if len(tags) == 0 {
		for tag := range r.byTag {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
	}

	seenPrimary := make(map[string]bool)
	seenFallback := make(map[string]bool)
	for _, tag := range tags {
		for _, reg := range r.byTag[tag] {
			if !covers(reg.exec.Capabilities(), required) {
				continue
			}
			id := reg.exec.ID()
			if reg.fallback {
				if !seenFallback[id] {
					seenFallback[id] = true
					fallbacks = append(fallbacks, reg)
				}
			} else if !seenPrimary[id] {
				seenPrimary[id] = true
				primaries = append(primaries, reg)
			}
		}
	}
	sort.SliceStable(fallbacks, func(i, j int) bool { return fallbacks[i].order < fallbacks[j].order })
	sort.SliceStable(primaries, func(i, j int) bool { return primaries[i].order < primaries[j].order })
	return primaries, fallbacks
}

// rating returns the executor's success rate, treating executors with no
// history as perfect so new registrations get a chance to build a record.
func (r *Registry) rating(ratings Ratings, executorID string) float64 {
	if ratings == nil {
		return 1.0
	}
	rate, ok := ratings.SuccessRate(executorID)
	if !ok {
		return 1.0
	}
	return rate
}

// covers reports whether caps is a superset of required.
func covers(caps, required []string) bool {
	set := make(map[string]bool, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	for _, req := range required {
		if !set[req] {
			return false
		}
	}
	return true
}

// newBreaker builds the per-executor circuit breaker: trips after five
// consecutive failures, stays open for 30s, then allows three probes in
// half-open state.
func newBreaker(executorID string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        executorID,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// User-initiated cancellation says nothing about executor health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("[registry] circuit breaker %q: %s -> %s", name, from, to)
		},
	})
}
