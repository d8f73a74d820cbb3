package booking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cimillas/bookingflow/internal/domain"
)

type stubStore struct{ OpportunityStore }

func testRouter(t *testing.T) *Router {
	t.Helper()
	r, err := NewRouter(
		Route{
			Type:                domain.OpportunityTypeScheduledSession,
			OpportunityTemplate: "https://x.test/events/{eventId}/sessions/{sessionId}",
			OfferTemplate:       "https://x.test/events/{eventId}#/offers/{offerId}",
			UnitVar:             "sessionId",
			OfferVar:            "offerId",
			Feed:                "scheduled-sessions",
			Store:               stubStore{},
		},
		Route{
			Type:                domain.OpportunityTypeFacilityUseSlot,
			OpportunityTemplate: "https://x.test/facilities/{facilityId}/slots/{slotId}",
			OfferTemplate:       "https://x.test/facilities/{facilityId}/slots/{slotId}#/offers/{offerId}",
			UnitVar:             "slotId",
			OfferVar:            "offerId",
			Feed:                "facility-use-slots",
			Store:               stubStore{},
		},
	)
	require.NoError(t, err)
	return r
}

func TestRouterResolve(t *testing.T) {
	r := testRouter(t)

	ids, ok := r.Resolve("https://x.test/events/e1/sessions/s1", "https://x.test/events/e1#/offers/o1")
	require.True(t, ok)
	assert.Equal(t, domain.OpportunityTypeScheduledSession, ids.OpportunityType)
	assert.Equal(t, "s1", ids.OpportunityID)
	assert.Equal(t, "o1", ids.OfferID)
	assert.Equal(t, "e1", ids.Vars["eventId"])

	_, ok = r.Resolve("https://x.test/events/e1/sessions/s1", "https://x.test/events/e2#/offers/o1")
	assert.False(t, ok, "offer from another event")

	_, ok = r.Resolve("https://x.test/events/e1/sessions/s1", "https://x.test/unrelated")
	assert.False(t, ok)

	_, ok = r.Resolve("https://elsewhere.test/1", "https://elsewhere.test/1#/offers/1")
	assert.False(t, ok)

	ids, ok = r.Resolve("https://x.test/facilities/f1/slots/9", "https://x.test/facilities/f1/slots/9#/offers/o2")
	require.True(t, ok)
	assert.Equal(t, domain.OpportunityTypeFacilityUseSlot, ids.OpportunityType)
	assert.Equal(t, "9", ids.OpportunityID)
}

func TestRouterExpand(t *testing.T) {
	r, err := NewRouter(Route{
		Type:                domain.OpportunityTypeFacilityUseSlot,
		OpportunityTemplate: "https://x.test/slots/{slotId}",
		OfferTemplate:       "https://x.test/slots/{slotId}#/offers/{offerId}",
		UnitVar:             "slotId",
		OfferVar:            "offerId",
		Store:               stubStore{},
	})
	require.NoError(t, err)

	u, err := r.OfferURL(domain.OpportunityTypeFacilityUseSlot, "9", "o2")
	require.NoError(t, err)
	assert.Equal(t, "https://x.test/slots/9#/offers/o2", u)

	u, err = r.OpportunityURL(domain.OpportunityTypeFacilityUseSlot, "9")
	require.NoError(t, err)
	ids, ok := r.Resolve(u, "https://x.test/slots/9#/offers/o2")
	require.True(t, ok)
	assert.Equal(t, "9", ids.OpportunityID)

	_, err = r.OpportunityURL(domain.OpportunityTypeScheduledSession, "1")
	assert.Error(t, err)
}

func TestRouterLookups(t *testing.T) {
	r := testRouter(t)

	typ, unit, ok := r.ResolveOpportunity("https://x.test/facilities/f1/slots/9")
	require.True(t, ok)
	assert.Equal(t, domain.OpportunityTypeFacilityUseSlot, typ)
	assert.Equal(t, "9", unit)

	assert.Equal(t, []domain.OpportunityType{domain.OpportunityTypeFacilityUseSlot, domain.OpportunityTypeScheduledSession}, r.Types())
	assert.Equal(t, "scheduled-sessions", r.Feed(domain.OpportunityTypeScheduledSession))
	assert.Empty(t, r.Feed("Unknown"))
}

func TestNewRouterValidates(t *testing.T) {
	_, err := NewRouter(Route{Type: "A", OpportunityTemplate: "/a/{id}", OfferTemplate: "/a/{id}#/o/{o}", UnitVar: "id", OfferVar: "o"})
	assert.ErrorContains(t, err, "store is required")

	_, err = NewRouter(Route{Type: "A", OpportunityTemplate: "/a/{id}", OfferTemplate: "/a/{id}#/o/{o}", UnitVar: "missing", OfferVar: "o", Store: stubStore{}})
	assert.ErrorContains(t, err, "lacks {missing}")

	route := Route{Type: "A", OpportunityTemplate: "/a/{id}", OfferTemplate: "/a/{id}#/o/{o}", UnitVar: "id", OfferVar: "o", Store: stubStore{}}
	_, err = NewRouter(route, route)
	assert.ErrorContains(t, err, "registered twice")
}
