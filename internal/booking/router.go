package booking

import (
	"fmt"
	"sort"

	"github.com/yosida95/uritemplate/v3"

	"github.com/cimillas/bookingflow/internal/domain"
)

// Route binds one opportunity type to its id templates, store and feed.
type Route struct {
	Type domain.OpportunityType
	// OpportunityTemplate and OfferTemplate are RFC 6570 templates for the item and offer ids.
	OpportunityTemplate string
	OfferTemplate       string
	// UnitVar names the variable holding the inventory unit id; OfferVar the offer id.
	UnitVar  string
	OfferVar string
	Feed     string
	Store    OpportunityStore
}

type compiledRoute struct {
	Route
	opportunity *uritemplate.Template
	offer       *uritemplate.Template
}

// Router maps opportunity types to stores. It is built once at startup.
type Router struct {
	routes []compiledRoute
	byType map[domain.OpportunityType]*compiledRoute
}

// NewRouter compiles the templates of every route.
func NewRouter(routes ...Route) (*Router, error) {
	r := &Router{byType: make(map[domain.OpportunityType]*compiledRoute, len(routes))}
	for _, rt := range routes {
		if rt.Store == nil {
			return nil, fmt.Errorf("route %s: store is required", rt.Type)
		}
		if _, dup := r.byType[rt.Type]; dup {
			return nil, fmt.Errorf("route %s: registered twice", rt.Type)
		}
		opp, err := uritemplate.New(rt.OpportunityTemplate)
		if err != nil {
			return nil, fmt.Errorf("route %s: opportunity template: %w", rt.Type, err)
		}
		off, err := uritemplate.New(rt.OfferTemplate)
		if err != nil {
			return nil, fmt.Errorf("route %s: offer template: %w", rt.Type, err)
		}
		if !hasVar(opp, rt.UnitVar) {
			return nil, fmt.Errorf("route %s: opportunity template lacks {%s}", rt.Type, rt.UnitVar)
		}
		if !hasVar(off, rt.OfferVar) {
			return nil, fmt.Errorf("route %s: offer template lacks {%s}", rt.Type, rt.OfferVar)
		}
		r.routes = append(r.routes, compiledRoute{Route: rt, opportunity: opp, offer: off})
	}
	sort.Slice(r.routes, func(i, j int) bool { return r.routes[i].Type < r.routes[j].Type })
	for i := range r.routes {
		r.byType[r.routes[i].Type] = &r.routes[i]
	}
	return r, nil
}

func hasVar(t *uritemplate.Template, name string) bool {
	for _, v := range t.Varnames() {
		if v == name {
			return true
		}
	}
	return false
}

// Resolve parses an ordered item and accepted offer into bookable ids.
func (r *Router) Resolve(orderedItem, acceptedOffer string) (BookableIDs, bool) {
	for i := range r.routes {
		rt := &r.routes[i]
		oppVals := rt.opportunity.Match(orderedItem)
		if oppVals == nil {
			continue
		}
		offVals := rt.offer.Match(acceptedOffer)
		if offVals == nil {
			return BookableIDs{}, false
		}
		vars := make(map[string]string, len(oppVals)+len(offVals))
		for name, v := range oppVals {
			vars[name] = v.String()
		}
		for name, v := range offVals {
			if prev, ok := vars[name]; ok && prev != v.String() {
				return BookableIDs{}, false
			}
			vars[name] = v.String()
		}
		unit, offer := vars[rt.UnitVar], vars[rt.OfferVar]
		if unit == "" || offer == "" {
			return BookableIDs{}, false
		}
		return BookableIDs{OpportunityType: rt.Type, OpportunityID: unit, OfferID: offer, Vars: vars}, true
	}
	return BookableIDs{}, false
}

// OpportunityURL expands the id of a unit of the given type.
func (r *Router) OpportunityURL(t domain.OpportunityType, unitID string) (string, error) {
	rt, ok := r.byType[t]
	if !ok {
		return "", fmt.Errorf("no route for %s", t)
	}
	vals := uritemplate.Values{}
	vals.Set(rt.UnitVar, uritemplate.String(unitID))
	return rt.opportunity.Expand(vals)
}

// OfferURL expands the id of an offer on a unit of the given type.
func (r *Router) OfferURL(t domain.OpportunityType, unitID, offerID string) (string, error) {
	rt, ok := r.byType[t]
	if !ok {
		return "", fmt.Errorf("no route for %s", t)
	}
	vals := uritemplate.Values{}
	vals.Set(rt.UnitVar, uritemplate.String(unitID))
	vals.Set(rt.OfferVar, uritemplate.String(offerID))
	return rt.offer.Expand(vals)
}

// Store returns the store registered for t.
func (r *Router) Store(t domain.OpportunityType) (OpportunityStore, bool) {
	rt, ok := r.byType[t]
	if !ok {
		return nil, false
	}
	return rt.Store, true
}

// Feed returns the feed name registered for t.
func (r *Router) Feed(t domain.OpportunityType) string {
	if rt, ok := r.byType[t]; ok {
		return rt.Feed
	}
	return ""
}

// Types lists the registered opportunity types in a stable order.
func (r *Router) Types() []domain.OpportunityType {
	out := make([]domain.OpportunityType, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.Type
	}
	return out
}

// group splits resolvable contexts by opportunity type, keeping request order.
func (r *Router) group(items []*OrderItemContext) map[domain.OpportunityType][]*OrderItemContext {
	groups := make(map[domain.OpportunityType][]*OrderItemContext, len(r.routes))
	for _, c := range items {
		if c.Skeleton {
			continue
		}
		groups[c.IDs.OpportunityType] = append(groups[c.IDs.OpportunityType], c)
	}
	return groups
}

// ResolveOpportunity parses an ordered item id on its own.
func (r *Router) ResolveOpportunity(orderedItem string) (domain.OpportunityType, string, bool) {
	for i := range r.routes {
		rt := &r.routes[i]
		vals := rt.opportunity.Match(orderedItem)
		if vals == nil {
			continue
		}
		v, ok := vals[rt.UnitVar]
		if !ok || v.String() == "" {
			return "", "", false
		}
		return rt.Type, v.String(), true
	}
	return "", "", false
}
