package router

import (
	"context"
	"testing"

	"github.com/routecodex/routecodex/config"
	"github.com/routecodex/routecodex/internal/configview"
	"github.com/routecodex/routecodex/internal/quotacenter"
	"github.com/stretchr/testify/require"
)

type alwaysEligible struct{}

func (alwaysEligible) Eligible(context.Context, string, int64) quotacenter.Eligibility {
	return quotacenter.Eligibility{OK: true}
}

type excludeSet map[string]bool

func (e excludeSet) Eligible(_ context.Context, key string, _ int64) quotacenter.Eligibility {
	if e[key] {
		return quotacenter.Eligibility{OK: false, Reason: quotacenter.ReasonCooldown}
	}
	return quotacenter.Eligibility{OK: true}
}

func cfgWithPool(mode config.RouteMode, targets ...config.RouteTarget) *config.CanonicalConfig {
	providers := make([]config.Provider, 0, len(targets))
	for _, t := range targets {
		providers = append(providers, config.Provider{ID: t.ProviderID, Family: "openai", Models: []config.ModelEntry{{ID: t.ModelID}}})
	}
	return &config.CanonicalConfig{
		Version:   1,
		Providers: providers,
		Routes: config.RouteTable{
			config.RouteDefault: {{PoolID: "p1", Mode: mode, Targets: targets}},
		},
	}
}

func TestPickPriorityPrefersFirstEligible(t *testing.T) {
	cc := cfgWithPool(config.ModePriority,
		config.RouteTarget{ProviderID: "a", ModelID: "a"},
		config.RouteTarget{ProviderID: "b", ModelID: "b"},
	)
	view := configview.NewStore(cc).Load()
	r := New(func() *configview.View { return view }, alwaysEligible{})

	target, err := r.Pick(context.Background(), config.RouteDefault, nil, 0)
	require.NoError(t, err)
	require.Equal(t, "a", target.ProviderID)
}

func TestPickSkipsExcludedAndIneligible(t *testing.T) {
	cc := cfgWithPool(config.ModePriority,
		config.RouteTarget{ProviderID: "a", ModelID: "a"},
		config.RouteTarget{ProviderID: "b", ModelID: "b"},
	)
	view := configview.NewStore(cc).Load()
	r := New(func() *configview.View { return view }, excludeSet{"a": true})

	target, err := r.Pick(context.Background(), config.RouteDefault, nil, 0)
	require.NoError(t, err)
	require.Equal(t, "b", target.ProviderID)
}

func TestPickFailsWhenNoneEligible(t *testing.T) {
	cc := cfgWithPool(config.ModePriority, config.RouteTarget{ProviderID: "a", ModelID: "a"})
	view := configview.NewStore(cc).Load()
	r := New(func() *configview.View { return view }, excludeSet{"a": true})

	_, err := r.Pick(context.Background(), config.RouteDefault, nil, 0)
	require.Error(t, err)
}

func TestPickRoundRobinCyclesDeterministically(t *testing.T) {
	cc := cfgWithPool(config.ModeRoundRobin,
		config.RouteTarget{ProviderID: "a", ModelID: "a"},
		config.RouteTarget{ProviderID: "b", ModelID: "b"},
	)
	view := configview.NewStore(cc).Load()
	r := New(func() *configview.View { return view }, alwaysEligible{})

	var seq []string
	for i := 0; i < 4; i++ {
		target, err := r.Pick(context.Background(), config.RouteDefault, nil, 0)
		require.NoError(t, err)
		seq = append(seq, target.ProviderID)
	}
	require.Equal(t, []string{"a", "b", "a", "b"}, seq)
}

// A target excluded once within a run is never reconsidered for that
// run — exercised here as the caller's responsibility to keep
// accumulating into the same excluded set.
func TestExclusionMonotonicityAcrossAttempts(t *testing.T) {
	cc := cfgWithPool(config.ModePriority,
		config.RouteTarget{ProviderID: "a", ModelID: "a"},
		config.RouteTarget{ProviderID: "b", ModelID: "b"},
		config.RouteTarget{ProviderID: "c", ModelID: "c"},
	)
	view := configview.NewStore(cc).Load()
	r := New(func() *configview.View { return view }, alwaysEligible{})

	excluded := map[string]bool{}
	var picked []string
	for i := 0; i < 3; i++ {
		target, err := r.Pick(context.Background(), config.RouteDefault, excluded, 0)
		require.NoError(t, err)
		picked = append(picked, target.ProviderID)
		excluded[target.ProviderID] = true
	}
	require.Equal(t, []string{"a", "b", "c"}, picked)

	_, err := r.Pick(context.Background(), config.RouteDefault, excluded, 0)
	require.Error(t, err)
}
