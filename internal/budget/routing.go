package budget

import "github.com/geovera/agentd/internal/provider"

// Resolution labels returned by Router.Resolve.
const (
	LabelPrimary   = "primary"
	LabelExplicit  = "explicit"
	LabelFallback  = "fallback"
	LabelOverQuota = "over-quota"
)

// ProviderSpec binds a budget capability to the provider configuration that
// spends it.
type ProviderSpec struct {
	Capability string
	Config     provider.Config
}

// Route maps a role to its primary provider and an optional secondary
// refinement provider (ensemble mode).
type Route struct {
	Primary   ProviderSpec
	Secondary *ProviderSpec
}

// Routing is the immutable role→provider table, constructed once at process
// start and passed in by reference.
type Routing struct {
	Roles        map[string]Route
	Fallbacks    map[string]ProviderSpec // capability → cheaper substitute
	Default      Route
	ResearchRole string // role whose context is enriched with search results
}

// Resolution is the outcome of routing one call.
type Resolution struct {
	Spec         ProviderSpec
	Secondary    *ProviderSpec // non-nil only when ensemble refinement may run
	Label        string
	UsedFallback bool
}

// Router resolves logical roles to concrete providers under budget control.
type Router struct {
	routing  Routing
	governor *Governor
}

func NewRouter(routing Routing, governor *Governor) *Router {
	return &Router{routing: routing, governor: governor}
}

// ResearchRole reports the role whose calls are search-enriched.
func (r *Router) ResearchRole() string {
	return r.routing.ResearchRole
}

// Resolve picks the provider for a role. An explicit override always wins and
// bypasses all budget accounting. When the primary's quota is exhausted the
// configured fallback is substituted (its own exhaustion is not blocking);
// with no fallback configured the primary is returned anyway — spend beyond
// quota is accepted over failing the caller.
func (r *Router) Resolve(role string, override *provider.Config) Resolution {
	if override != nil {
		return Resolution{
			Spec:  ProviderSpec{Config: *override},
			Label: LabelExplicit,
		}
	}

	route, ok := r.routing.Roles[role]
	if !ok {
		route = r.routing.Default
	}

	if r.governor.Consume(route.Primary.Capability) {
		return Resolution{
			Spec:      route.Primary,
			Secondary: route.Secondary,
			Label:     LabelPrimary,
		}
	}

	if fb, ok := r.routing.Fallbacks[route.Primary.Capability]; ok {
		// Best effort: the fallback's own exhaustion does not block the call,
		// but it must still be accounted when quota remains.
		r.governor.Consume(fb.Capability)
		return Resolution{
			Spec:         fb,
			Label:        LabelFallback,
			UsedFallback: true,
		}
	}

	// Over quota with no fallback configured: permit the primary but skip
	// ensemble refinement — quota pressure is no time to compound cost.
	return Resolution{
		Spec:  route.Primary,
		Label: LabelOverQuota,
	}
}
