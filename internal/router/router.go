// Package router implements C6, VirtualRouter: deterministic provider
// selection over ConfigView pools, excluding already-failed providers
// and providers C3 reports as ineligible.
//
// The selection loop (ordered candidate list, per-pool round-robin
// cursor, weighted expansion) is generalized to read eligibility from
// quotacenter instead of an inline health map, and restructured so C6
// never mutates shared state beyond its own per-pool cursors.
package router

import (
	"context"
	"sync"

	"github.com/routecodex/routecodex/config"
	"github.com/routecodex/routecodex/internal/configview"
	"github.com/routecodex/routecodex/internal/quotacenter"
	"github.com/routecodex/routecodex/internal/routeerr"
)

// Target is what Pick returns. The caller (C7) combines Provider.Family
// with its own known entryProtocol to resolve the PipelineTemplate via
// ConfigView.Template — the pool itself carries no protocol.
type Target struct {
	ProviderKey string
	ProviderID  string
	ModelID     string
	PoolID      string
	Provider    config.Provider
	Model       config.ModelEntry
}

// Eligibility is the subset of quotacenter's reader this package
// depends on, narrowed so router tests can fake it without pulling in
// the whole actor.
type Eligibility interface {
	Eligible(ctx context.Context, providerKey string, nowMs int64) quotacenter.Eligibility
}

// Router is C6.
type Router struct {
	view    func() *configview.View
	quota   Eligibility
	cursors sync.Map // poolID -> *cursor, each guarded by its own mutex
}

// New constructs a Router. view is called on every Pick so reloads
// (ConfigView.Reload) are observed without restarting the router.
func New(view func() *configview.View, quota Eligibility) *Router {
	return &Router{view: view, quota: quota}
}

// Pick selects one target for routeKey, falling through pools in
// priority order and skipping any with no eligible target.
func (r *Router) Pick(ctx context.Context, routeKey config.RouteKey, excluded map[string]bool, nowMs int64) (Target, error) {
	v := r.view()
	pools := v.Pool(routeKey)

	for _, pool := range pools {
		eligible := r.eligibleTargets(ctx, pool, excluded, nowMs)
		if len(eligible) == 0 {
			continue
		}
		chosen := r.selectFromPool(pool, eligible)
		provider, model, ok := v.ResolveTarget(chosen)
		if !ok {
			continue
		}
		return Target{
			ProviderKey: providerKey(chosen),
			ProviderID:  chosen.ProviderID,
			ModelID:     chosen.ModelID,
			PoolID:      pool.PoolID,
			Provider:    provider,
			Model:       model,
		}, nil
	}

	return Target{}, routeerr.New(routeerr.CodeNoEligible, "no eligible provider for route").
		WithSeries(routeerr.SeriesFatal).
		WithHTTPStatus(503).
		WithFatal(false).
		WithRetryable(false)
}

func providerKey(t config.RouteTarget) string {
	return t.ProviderID
}

func (r *Router) eligibleTargets(ctx context.Context, pool config.RoutePool, excluded map[string]bool, nowMs int64) []config.RouteTarget {
	var out []config.RouteTarget
	for _, t := range pool.Targets {
		key := providerKey(t)
		if excluded[key] {
			continue
		}
		if r.quota != nil && !r.quota.Eligible(ctx, key, nowMs).OK {
			continue
		}
		out = append(out, t)
	}
	return out
}

// selectFromPool applies the pool's mode over the already-filtered
// eligible target list.
func (r *Router) selectFromPool(pool config.RoutePool, eligible []config.RouteTarget) config.RouteTarget {
	switch pool.Mode {
	case config.ModeRoundRobin:
		idx := r.nextCursor(pool.PoolID, len(eligible))
		return eligible[idx]
	case config.ModeWeighted:
		return r.selectWeighted(pool.PoolID, eligible)
	default: // priority
		return eligible[0]
	}
}

func (r *Router) nextCursor(poolID string, n int) int {
	if n <= 0 {
		return 0
	}
	v, _ := r.cursors.LoadOrStore(poolID, new(cursor))
	c := v.(*cursor)
	return c.next(n)
}

// selectWeighted expands eligible targets into integer shares and
// walks a deterministic pool-local cursor over the expansion.
func (r *Router) selectWeighted(poolID string, eligible []config.RouteTarget) config.RouteTarget {
	total := 0
	for _, t := range eligible {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	idx := r.nextCursor(poolID+"#weighted", total)
	cum := 0
	for _, t := range eligible {
		w := t.Weight
		if w <= 0 {
			w = 1
		}
		cum += w
		if idx < cum {
			return t
		}
	}
	return eligible[len(eligible)-1]
}

// cursor is a small mutex-protected monotonic counter mod n.
type cursor struct {
	mu    sync.Mutex
	value int
}

func (c *cursor) next(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.value % n
	c.value++
	return idx
}
