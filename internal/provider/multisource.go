package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/chainpulse/chainpulse/internal/adapters"
	"github.com/chainpulse/chainpulse/internal/domain"
)

// AllSourcesFailed is raised when every adapter in the priority chain was
// skipped or failed for one capability call.
type AllSourcesFailed struct {
	Method    string
	Attempted []string
}

func (e *AllSourcesFailed) Error() string {
	return fmt.Sprintf("all sources failed for %s (attempted: %s)", e.Method, strings.Join(e.Attempted, ", "))
}

// Observer receives the outcome of every upstream call, for metrics.
type Observer func(source, method string, ok bool, rt time.Duration)

// MultiSource dispatches capability calls across a priority-ordered chain
// of adapters, tracking per-source health and circuit state. A capability
// miss falls through like any other failure but leaves health untouched.
type MultiSource struct {
	mu       sync.RWMutex
	order    []string
	adapters map[string]adapters.Adapter
	health   map[string]*HealthTracker
	breakers map[string]*gobreaker.CircuitBreaker
	observer Observer
}

// NewMultiSource builds the dispatcher. Priority follows the given order.
func NewMultiSource(chain []adapters.Adapter, cooldown time.Duration, observer Observer) *MultiSource {
	ms := &MultiSource{
		adapters: make(map[string]adapters.Adapter, len(chain)),
		health:   make(map[string]*HealthTracker, len(chain)),
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(chain)),
		observer: observer,
	}
	for _, a := range chain {
		name := a.Name()
		ms.order = append(ms.order, name)
		ms.adapters[name] = a
		ms.health[name] = NewHealthTracker(cooldown)
		ms.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= downAfter
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("source", name).Str("from", from.String()).Str("to", to.String()).Msg("source circuit state changed")
			},
		})
	}
	return ms
}

// Prioritize moves the named adapter to the front of the chain.
func (ms *MultiSource) Prioritize(name string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	idx := -1
	for i, n := range ms.order {
		if n == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("unknown source: %s", name)
	}
	ms.order = append(ms.order[:idx], ms.order[idx+1:]...)
	ms.order = append([]string{name}, ms.order...)
	return nil
}

// HealthSnapshot returns the current health of every source.
func (ms *MultiSource) HealthSnapshot() map[string]SourceHealth {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make(map[string]SourceHealth, len(ms.health))
	for name, t := range ms.health {
		out[name] = t.Snapshot()
	}
	return out
}

// Sources returns the current priority order.
func (ms *MultiSource) Sources() []string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return append([]string(nil), ms.order...)
}

// capabilityMiss smuggles a capability error through the circuit breaker
// without tripping it.
type capabilityMiss struct{ err error }

// dispatch walks the chain for one capability call. Only one adapter is
// consulted at a time; no lock is held across I/O.
func dispatch[T any](ctx context.Context, ms *MultiSource, method string, fn func(adapters.Adapter) (T, error)) (T, string, error) {
	var zero T
	order := ms.Sources()

	attempted := make([]string, 0, len(order))
	for _, name := range order {
		tracker := ms.health[name]
		if !tracker.IsAvailable() {
			continue
		}
		attempted = append(attempted, name)
		adapter := ms.adapters[name]

		start := time.Now()
		raw, err := ms.breakers[name].Execute(func() (any, error) {
			v, err := fn(adapter)
			if err != nil && adapters.IsCapabilityError(err) {
				return capabilityMiss{err}, nil
			}
			return v, err
		})
		rt := time.Since(start)

		if err == nil {
			if miss, ok := raw.(capabilityMiss); ok {
				// Unsupported endpoint: fall through without touching health.
				log.Debug().Str("source", name).Str("method", method).Err(miss.err).Msg("capability unsupported, falling through")
				if ms.observer != nil {
					ms.observer(name, method, false, rt)
				}
				continue
			}
			tracker.RecordSuccess(float64(rt.Milliseconds()))
			if ms.observer != nil {
				ms.observer(name, method, true, rt)
			}
			return raw.(T), name, nil
		}

		tracker.RecordFailure()
		if ms.observer != nil {
			ms.observer(name, method, false, rt)
		}
		log.Warn().Str("source", name).Str("method", method).Err(err).Msg("source call failed, trying next")

		if ctx.Err() != nil {
			break
		}
	}
	return zero, "", &AllSourcesFailed{Method: method, Attempted: attempted}
}

// BlockHeight returns the chain tip height and the source that served it.
func (ms *MultiSource) BlockHeight(ctx context.Context) (int64, string, error) {
	return dispatch(ctx, ms, "get_block_height", func(a adapters.Adapter) (int64, error) {
		return a.GetBlockHeight(ctx)
	})
}

// Block fetches one block by hash or height.
func (ms *MultiSource) Block(ctx context.Context, ref adapters.BlockRef) (*domain.RawBlock, string, error) {
	return dispatch(ctx, ms, "get_block", func(a adapters.Adapter) (*domain.RawBlock, error) {
		return a.GetBlock(ctx, ref)
	})
}

// BlockTransactions fetches a page of block transactions.
func (ms *MultiSource) BlockTransactions(ctx context.Context, blockHash string, startIndex int) ([]domain.RawTx, string, error) {
	return dispatch(ctx, ms, "get_block_transactions", func(a adapters.Adapter) ([]domain.RawTx, error) {
		return a.GetBlockTransactions(ctx, blockHash, startIndex)
	})
}

// Transaction fetches one transaction by id.
func (ms *MultiSource) Transaction(ctx context.Context, txid string) (*domain.RawTx, string, error) {
	return dispatch(ctx, ms, "get_transaction", func(a adapters.Adapter) (*domain.RawTx, error) {
		return a.GetTransaction(ctx, txid)
	})
}

// MempoolInfo fetches the current mempool snapshot.
func (ms *MultiSource) MempoolInfo(ctx context.Context) (*domain.MempoolSnapshot, string, error) {
	return dispatch(ctx, ms, "get_mempool_info", func(a adapters.Adapter) (*domain.MempoolSnapshot, error) {
		return a.GetMempoolInfo(ctx)
	})
}

// RecommendedFees fetches the recommended fee bands.
func (ms *MultiSource) RecommendedFees(ctx context.Context) (*domain.FeeBands, string, error) {
	return dispatch(ctx, ms, "get_recommended_fees", func(a adapters.Adapter) (*domain.FeeBands, error) {
		return a.GetRecommendedFees(ctx)
	})
}

// Address fetches the summary for one address.
func (ms *MultiSource) Address(ctx context.Context, address string) (*domain.AddressInfo, string, error) {
	return dispatch(ctx, ms, "get_address", func(a adapters.Adapter) (*domain.AddressInfo, error) {
		return a.GetAddress(ctx, address)
	})
}
