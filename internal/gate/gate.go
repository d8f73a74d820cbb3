// Package gate serializes work per key.
//
// Acquisitions on the same key are served in FIFO order; distinct keys never
// contend. Entries are reference counted and dropped once nobody holds or
// waits on them, so the key space does not grow with traffic.
package gate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cimillas/bookingflow/internal/metrics"
)

// Guard is held while a key is locked.
type Guard interface {
	Release()
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Keyed is an in-process keyed mutex.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty keyed gate.
func New() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Acquire blocks until key is free. It only fails when ctx is done.
func (g *Keyed) Acquire(ctx context.Context, key string) (Guard, error) {
	g.mu.Lock()
	e, ok := g.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		g.entries[key] = e
		metrics.GateKeys.Inc()
	}
	e.refs++
	g.mu.Unlock()

	start := time.Now()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		g.unref(key, e)
		return nil, err
	}
	metrics.GateWaitSeconds.Observe(time.Since(start).Seconds())
	return &guard{gate: g, key: key, entry: e}, nil
}

// Len reports how many keys are currently tracked.
func (g *Keyed) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *Keyed) unref(key string, e *entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(g.entries, key)
		metrics.GateKeys.Dec()
	}
}

type guard struct {
	gate  *Keyed
	key   string
	entry *entry
	once  sync.Once
}

func (gd *guard) Release() {
	gd.once.Do(func() {
		gd.entry.sem.Release(1)
		gd.gate.unref(gd.key, gd.entry)
	})
}
