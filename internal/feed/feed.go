// Package feed pages through committed changes as RPDE feeds.
//
// Items are ordered by (modified, id) or by change number. Anything modified
// within the trailing settle window is held back, so a writer still inside its
// transaction can never be overtaken by a reader's cursor.
package feed

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cimillas/bookingflow/internal/clock"
	"github.com/cimillas/bookingflow/internal/domain"
	"github.com/cimillas/bookingflow/internal/metrics"
)

const (
	DefaultPageSize = 500
	DefaultSettle   = 2 * time.Second
	DefaultLicense  = "https://creativecommons.org/licenses/by/4.0/"
)

// Cursor is where a page starts. The zero value starts at the beginning.
type Cursor struct {
	AfterTimestamp    int64
	AfterID           string
	AfterChangeNumber int64
}

// Page is one slice of a feed. An empty page means caught up; resume from Next later.
type Page struct {
	Items   []domain.FeedItem
	Next    Cursor
	License string
}

// Query is what a generator asks of its source.
type Query struct {
	AfterModified     int64
	AfterID           string
	AfterChangeNumber int64
	// Before is exclusive: items with Modified >= Before must be left out.
	Before   int64
	Limit    int
	ClientID string
}

// ModifiedIDSource returns items ordered by (modified, id) after the query cursor.
type ModifiedIDSource interface {
	ItemsAfterModified(ctx context.Context, q Query) ([]domain.FeedItem, error)
}

// ChangeNumberSource returns items ordered by change number after the query cursor.
type ChangeNumberSource interface {
	ItemsAfterChangeNumber(ctx context.Context, q Query) ([]domain.FeedItem, error)
}

// Generator produces pages of one named feed.
type Generator interface {
	Name() string
	// PerClient reports whether pages are scoped to the calling client.
	PerClient() bool
	Ordering() Ordering
	GetPage(ctx context.Context, cursor Cursor, clientID string) (Page, error)
}

// Ordering names the cursor scheme of a feed.
type Ordering string

const (
	OrderingModifiedID   Ordering = "modified-id"
	OrderingChangeNumber Ordering = "change-number"
)

type settings struct {
	clock     clock.Clock
	settle    time.Duration
	pageSize  int
	license   string
	perClient bool
}

type Option func(*settings)

func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithSettle overrides the settle window. Zero disables it.
func WithSettle(d time.Duration) Option {
	return func(s *settings) {
		if d >= 0 {
			s.settle = d
		}
	}
}

func WithPageSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithLicense(l string) Option {
	return func(s *settings) { s.license = l }
}

// PerClient scopes the feed to the requesting client, as orders feeds are.
func PerClient() Option {
	return func(s *settings) { s.perClient = true }
}

func newSettings(opts []Option) settings {
	s := settings{clock: clock.NewSystem(), settle: DefaultSettle, pageSize: DefaultPageSize, license: DefaultLicense}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s settings) before() int64 {
	return s.clock.Now().Add(-s.settle).UnixNano()
}

// ModifiedIDGenerator pages by (modified, id).
type ModifiedIDGenerator struct {
	name   string
	source ModifiedIDSource
	settings
}

func NewModifiedIDGenerator(name string, source ModifiedIDSource, opts ...Option) *ModifiedIDGenerator {
	return &ModifiedIDGenerator{name: name, source: source, settings: newSettings(opts)}
}

func (g *ModifiedIDGenerator) Name() string       { return g.name }
func (g *ModifiedIDGenerator) PerClient() bool    { return g.perClient }
func (g *ModifiedIDGenerator) Ordering() Ordering { return OrderingModifiedID }

func (g *ModifiedIDGenerator) GetPage(ctx context.Context, cursor Cursor, clientID string) (Page, error) {
	if g.perClient && clientID == "" {
		return Page{}, domain.NewError(domain.KindInvalidAuthorizationDetails, "client id is required for feed %s", g.name)
	}
	if cursor.AfterID != "" && cursor.AfterTimestamp == 0 {
		return Page{}, domain.ErrInvalidFeedCursor
	}
	q := Query{
		AfterModified: cursor.AfterTimestamp,
		AfterID:       cursor.AfterID,
		Before:        g.before(),
		Limit:         g.pageSize,
		ClientID:      clientID,
	}
	items, err := g.source.ItemsAfterModified(ctx, q)
	if err != nil {
		return Page{}, fmt.Errorf("feed %s: %w", g.name, err)
	}
	if err := checkModifiedOrder(items, q); err != nil {
		return Page{}, err
	}

	page := Page{Items: items, Next: cursor, License: g.license}
	if n := len(items); n > 0 {
		page.Next = Cursor{AfterTimestamp: items[n-1].Modified, AfterID: items[n-1].ID}
	}
	metrics.FeedItems.WithLabelValues(g.name).Add(float64(len(items)))
	return page, nil
}

func checkModifiedOrder(items []domain.FeedItem, q Query) error {
	if q.Limit > 0 && len(items) > q.Limit {
		return domain.NewError(domain.KindInternal, "feed source returned %d items, limit %d", len(items), q.Limit)
	}
	prevMod, prevID := q.AfterModified, q.AfterID
	for _, it := range items {
		if it.Modified >= q.Before {
			return domain.NewError(domain.KindInternal, "feed source returned item %s inside the settle window", it.ID)
		}
		if it.Modified < prevMod || (it.Modified == prevMod && it.ID <= prevID) {
			return domain.NewError(domain.KindInternal, "feed source returned item %s out of order", it.ID)
		}
		prevMod, prevID = it.Modified, it.ID
	}
	return nil
}

// ChangeNumberGenerator pages by a strictly increasing change number.
type ChangeNumberGenerator struct {
	name   string
	source ChangeNumberSource
	settings
}

func NewChangeNumberGenerator(name string, source ChangeNumberSource, opts ...Option) *ChangeNumberGenerator {
	return &ChangeNumberGenerator{name: name, source: source, settings: newSettings(opts)}
}

func (g *ChangeNumberGenerator) Name() string       { return g.name }
func (g *ChangeNumberGenerator) PerClient() bool    { return g.perClient }
func (g *ChangeNumberGenerator) Ordering() Ordering { return OrderingChangeNumber }

func (g *ChangeNumberGenerator) GetPage(ctx context.Context, cursor Cursor, clientID string) (Page, error) {
	if g.perClient && clientID == "" {
		return Page{}, domain.NewError(domain.KindInvalidAuthorizationDetails, "client id is required for feed %s", g.name)
	}
	if cursor.AfterChangeNumber < 0 {
		return Page{}, domain.ErrInvalidFeedCursor
	}
	q := Query{
		AfterChangeNumber: cursor.AfterChangeNumber,
		Before:            g.before(),
		Limit:             g.pageSize,
		ClientID:          clientID,
	}
	items, err := g.source.ItemsAfterChangeNumber(ctx, q)
	if err != nil {
		return Page{}, fmt.Errorf("feed %s: %w", g.name, err)
	}
	prev := q.AfterChangeNumber
	for _, it := range items {
		if it.Modified >= q.Before {
			return Page{}, domain.NewError(domain.KindInternal, "feed source returned item %s inside the settle window", it.ID)
		}
		if it.ChangeNumber <= prev {
			return Page{}, domain.NewError(domain.KindInternal, "feed source returned item %s out of order", it.ID)
		}
		prev = it.ChangeNumber
	}

	page := Page{Items: items, Next: cursor, License: g.license}
	if n := len(items); n > 0 {
		page.Next = Cursor{AfterChangeNumber: items[n-1].ChangeNumber}
	}
	metrics.FeedItems.WithLabelValues(g.name).Add(float64(len(items)))
	return page, nil
}

// Registry looks feeds up by name.
type Registry struct {
	feeds map[string]Generator
}

func NewRegistry(gens ...Generator) *Registry {
	r := &Registry{feeds: make(map[string]Generator, len(gens))}
	for _, g := range gens {
		r.feeds[g.Name()] = g
	}
	return r
}

// Get returns the named feed or domain.ErrUnknownFeed.
func (r *Registry) Get(name string) (Generator, error) {
	g, ok := r.feeds[name]
	if !ok {
		return nil, domain.NewError(domain.KindUnknownFeed, "feed %q not found", name)
	}
	return g, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.feeds))
	for n := range r.feeds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
