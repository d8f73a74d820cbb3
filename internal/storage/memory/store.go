// Package memory is a transactional in-process store for orders, inventory
// and their change feeds. Transactions are serialized by a store-wide lock
// and rolled back by restoring a snapshot.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cimillas/bookingflow/internal/booking"
	"github.com/cimillas/bookingflow/internal/clock"
	"github.com/cimillas/bookingflow/internal/domain"
	"github.com/cimillas/bookingflow/internal/inventory"
)

var (
	_ booking.OrderStore = (*Store)(nil)
	_ inventory.Backend  = (*Store)(nil)
)

type oppKey struct {
	typ domain.OpportunityType
	id  string
}

type orderRow struct {
	clientID        string
	uuid            string
	sellerID        string
	mode            domain.OrderMode
	leaseExpires    *time.Time
	proposalVersion string
	proposalStatus  domain.ProposalStatus
	customer        *domain.Customer
	broker          *domain.Broker
	brokerRole      domain.BrokerRole
	payment         *domain.Payment
	totalPrice      float64
	currency        string
	modified        int64
	changeNumber    int64
	deleted         bool
	deletedAt       time.Time
	visible         bool
}

type itemRow struct {
	id            string
	seq           int64
	orderKey      string
	oppType       domain.OpportunityType
	oppID         string
	offerID       string
	orderedItem   string
	acceptedOffer string
	status        domain.OrderItemStatus
	price         float64
	currency      string
}

type oppRow struct {
	opp          domain.Opportunity
	modified     int64
	changeNumber int64
	deleted      bool
	deletedAt    time.Time
}

type state struct {
	orders        map[string]*orderRow
	items         map[string]*itemRow
	opportunities map[oppKey]*oppRow
	lastModified  int64
	changeNumber  int64
	itemSeq       int64
}

func newState() *state {
	return &state{
		orders:        make(map[string]*orderRow),
		items:         make(map[string]*itemRow),
		opportunities: make(map[oppKey]*oppRow),
	}
}

func (s *state) clone() *state {
	c := &state{
		orders:        make(map[string]*orderRow, len(s.orders)),
		items:         make(map[string]*itemRow, len(s.items)),
		opportunities: make(map[oppKey]*oppRow, len(s.opportunities)),
		lastModified:  s.lastModified,
		changeNumber:  s.changeNumber,
		itemSeq:       s.itemSeq,
	}
	for k, o := range s.orders {
		cp := *o
		c.orders[k] = &cp
	}
	for k, it := range s.items {
		cp := *it
		c.items[k] = &cp
	}
	for k, o := range s.opportunities {
		cp := *o
		cp.opp.Offers = append([]domain.Offer(nil), o.opp.Offers...)
		c.opportunities[k] = &cp
	}
	return c
}

// Store implements booking.OrderStore, inventory.Backend and the feed sources.
type Store struct {
	mu    sync.RWMutex
	st    *state
	clock clock.Clock
}

func New(clk clock.Clock) *Store {
	return &Store{st: newState(), clock: clk}
}

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// WithTx runs fn with the store locked. Returning an error or panicking
// restores the state seen when the transaction began.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.st.clone()

	defer func() {
		if r := recover(); r != nil {
			s.st = snapshot
			panic(r)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// write runs fn against the live state inside a transaction.
func (s *Store) write(ctx context.Context, fn func(st *state) error) error {
	return s.WithTx(ctx, func(context.Context) error { return fn(s.st) })
}

// read runs fn against committed state, or the transaction's state when ctx carries one.
func (s *Store) read(ctx context.Context, fn func(st *state) error) error {
	if s.inTx(ctx) {
		return fn(s.st)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.st)
}

// tick returns a strictly increasing modified value based on the clock.
func (s *Store) tick(st *state) int64 {
	now := s.clock.Now().UnixNano()
	if now <= st.lastModified {
		now = st.lastModified + 1
	}
	st.lastModified = now
	return now
}

func (st *state) nextChangeNumber() int64 {
	st.changeNumber++
	return st.changeNumber
}

func (s *Store) touchOrder(st *state, o *orderRow) {
	o.modified = s.tick(st)
	o.changeNumber = st.nextChangeNumber()
}

func (s *Store) touchOpportunity(st *state, o *oppRow) {
	o.modified = s.tick(st)
	o.changeNumber = st.nextChangeNumber()
}

func orderKey(id domain.OrderIdentity) string {
	return id.Key()
}

func (st *state) itemsOf(key string) []*itemRow {
	var out []*itemRow
	for _, it := range st.items {
		if it.orderKey == key {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// counts reports confirmed and held spaces on a unit, skipping holds of exclude.
func (st *state) counts(k oppKey, exclude string) (confirmed, leased int) {
	for _, it := range st.items {
		if it.oppType != k.typ || it.oppID != k.id {
			continue
		}
		o := st.orders[it.orderKey]
		if o == nil || o.deleted {
			continue
		}
		switch o.mode {
		case domain.OrderModeBooking:
			if it.status == domain.OrderItemStatusConfirmed || it.status == domain.OrderItemStatusAttended {
				confirmed++
			}
		case domain.OrderModeLease:
			if it.orderKey != exclude {
				leased++
			}
		case domain.OrderModeProposal:
			if o.proposalStatus == domain.ProposalStatusCustomerRejected || o.proposalStatus == domain.ProposalStatusSellerRejected {
				continue
			}
			if it.orderKey != exclude {
				leased++
			}
		}
	}
	return confirmed, leased
}

// recompute refreshes the unit's denormalized counts. The unit only shows up
// in its feed again when remaining capacity changed.
func (s *Store) recompute(st *state, k oppKey) {
	row := st.opportunities[k]
	if row == nil {
		return
	}
	confirmed, leased := st.counts(k, "")
	remaining := row.opp.TotalCapacity - confirmed
	row.opp.LeasedCapacity = leased
	if remaining != row.opp.RemainingCapacity {
		row.opp.RemainingCapacity = remaining
		s.touchOpportunity(st, row)
	}
}

func (s *Store) recomputeAll(st *state, keys map[oppKey]struct{}) {
	ordered := make([]oppKey, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].typ != ordered[j].typ {
			return ordered[i].typ < ordered[j].typ
		}
		return ordered[i].id < ordered[j].id
	})
	for _, k := range ordered {
		s.recompute(st, k)
	}
}

// deleteItems removes matching rows and recomputes the touched units.
func (s *Store) deleteItems(st *state, match func(*itemRow) bool) int {
	touched := map[oppKey]struct{}{}
	n := 0
	for id, it := range st.items {
		if match(it) {
			touched[oppKey{it.oppType, it.oppID}] = struct{}{}
			delete(st.items, id)
			n++
		}
	}
	s.recomputeAll(st, touched)
	return n
}

// Opportunity returns a copy of a unit as currently committed. Intended for tests and tooling.
func (s *Store) Opportunity(t domain.OpportunityType, id string) (domain.Opportunity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.st.opportunities[oppKey{t, id}]
	if !ok || row.deleted {
		return domain.Opportunity{}, false
	}
	opp := row.opp
	opp.Offers = append([]domain.Offer(nil), row.opp.Offers...)
	return opp, true
}
