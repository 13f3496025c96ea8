// Package configview implements C1, the read-only, versioned projection
// of a loaded CanonicalConfig that the rest of the core consumes.
//
// A View is effectively immutable: Reload never mutates an existing
// View, it builds a new one and bumps Version. In-flight requests that
// captured an older View keep working against it for the duration of
// their pipeline run.
//
// The lookup pattern (provider/model lookup then candidate filtering)
// is generalized from gorm table scans to O(1)/O(log n) map lookups
// over an in-memory, immutable snapshot — ConfigView is deliberately
// not a live database.
package configview

import (
	"sort"
	"sync/atomic"

	"github.com/routecodex/routecodex/config"
)

// Lookups that find nothing report it through their ok-boolean return;
// there is no sentinel error.

// View is one immutable snapshot of the loaded configuration.
type View struct {
	version   uint64
	providers map[string]config.Provider
	credByRef map[string]config.Credential
	routes    map[config.RouteKey][]config.RoutePool
	templates map[string]config.PipelineTemplate // key: family + "/" + protocol
}

// Store holds the current *View behind an atomic pointer so readers
// never block on a reload and never observe a torn update.
type Store struct {
	current atomic.Pointer[View]
}

// NewStore builds a Store from an initial CanonicalConfig.
func NewStore(cc *config.CanonicalConfig) *Store {
	s := &Store{}
	s.current.Store(build(cc, 1))
	return s
}

// Reload replaces the live View with one built from cc, incrementing
// Version. Existing *View references obtained via Load are unaffected.
func (s *Store) Reload(cc *config.CanonicalConfig) *View {
	prev := s.current.Load()
	next := build(cc, prev.version+1)
	s.current.Store(next)
	return next
}

// Load returns the currently live View.
func (s *Store) Load() *View {
	return s.current.Load()
}

func build(cc *config.CanonicalConfig, version uint64) *View {
	v := &View{
		version:   version,
		providers: make(map[string]config.Provider, len(cc.Providers)),
		credByRef: make(map[string]config.Credential, len(cc.Credentials)),
		routes:    make(map[config.RouteKey][]config.RoutePool, len(cc.Routes)),
		templates: make(map[string]config.PipelineTemplate, len(cc.Templates)),
	}
	for _, p := range cc.Providers {
		v.providers[p.ID] = p
	}
	for _, c := range cc.Credentials {
		v.credByRef[c.Ref] = c
	}
	for k, pools := range cc.Routes {
		cp := make([]config.RoutePool, len(pools))
		copy(cp, pools)
		v.routes[k] = cp
	}
	for _, t := range cc.Templates {
		v.templates[templateKey(t.ProviderFamily, t.ClientProtocol)] = t
	}
	return v
}

func templateKey(family, protocol string) string { return family + "/" + protocol }

// Version returns the monotonically increasing reload counter.
func (v *View) Version() uint64 { return v.version }

// Providers returns all known providers in a stable, sorted order.
func (v *View) Providers() []config.Provider {
	out := make([]config.Provider, 0, len(v.providers))
	for _, p := range v.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Provider looks up a provider by id.
func (v *View) Provider(id string) (config.Provider, bool) {
	p, ok := v.providers[id]
	return p, ok
}

// Credential looks up a named credential descriptor.
func (v *View) Credential(ref string) (config.Credential, bool) {
	c, ok := v.credByRef[ref]
	return c, ok
}

// Pool returns the ordered pool list for routeKey, falling back to
// `default` if routeKey is absent or unrecognized.
func (v *View) Pool(routeKey config.RouteKey) []config.RoutePool {
	if pools, ok := v.routes[routeKey]; ok && len(pools) > 0 {
		return pools
	}
	return v.routes[config.RouteDefault]
}

// Template resolves the PipelineTemplate for a (provider family, client
// protocol) pair.
func (v *View) Template(providerFamily, clientProtocol string) (config.PipelineTemplate, bool) {
	t, ok := v.templates[templateKey(providerFamily, clientProtocol)]
	return t, ok
}

// ResolveTarget validates that a RouteTarget names a present
// (Provider, model-in-catalog) pair.
func (v *View) ResolveTarget(t config.RouteTarget) (config.Provider, config.ModelEntry, bool) {
	p, ok := v.Provider(t.ProviderID)
	if !ok {
		return config.Provider{}, config.ModelEntry{}, false
	}
	m, ok := p.Model(t.ModelID)
	if !ok {
		return config.Provider{}, config.ModelEntry{}, false
	}
	return p, m, true
}
