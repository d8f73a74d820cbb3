// Package zkgate implements the per-order gate across processes with
// ZooKeeper sequential ephemeral nodes.
package zkgate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/cimillas/bookingflow/internal/gate"
	"github.com/cimillas/bookingflow/internal/metrics"
)

const defaultRoot = "/bookingflow/order-locks"

// Gate serializes work per key across every process sharing the ensemble.
type Gate struct {
	conn *zk.Conn
	root string
}

// Option configures a Gate.
type Option func(*Gate)

// WithRoot overrides the parent znode for lock nodes.
func WithRoot(root string) Option {
	return func(g *Gate) {
		if root != "" {
			g.root = strings.TrimSuffix(root, "/")
		}
	}
}

// Dial connects to the ensemble and makes sure the root node exists.
func Dial(servers []string, sessionTimeout time.Duration, opts ...Option) (*Gate, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("connect zookeeper: %w", err)
	}
	g, err := New(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return g, nil
}

// New wraps an existing connection.
func New(conn *zk.Conn, opts ...Option) (*Gate, error) {
	g := &Gate{conn: conn, root: defaultRoot}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.ensurePath(g.root); err != nil {
		return nil, err
	}
	return g, nil
}

// Close ends the session, which drops every lock node it owns.
func (g *Gate) Close() {
	g.conn.Close()
}

// Acquire blocks until the caller owns the lowest sequence node for key.
func (g *Gate) Acquire(ctx context.Context, key string) (gate.Guard, error) {
	start := time.Now()
	dir := g.dir(key)
	node, err := g.createLockNode(dir)
	if err != nil {
		return nil, err
	}
	own := strings.TrimPrefix(node, dir+"/")

	for {
		children, _, err := g.conn.Children(dir)
		if err != nil {
			g.delete(node)
			g.prune(dir)
			return nil, fmt.Errorf("list lock nodes: %w", err)
		}
		sortBySequence(children)

		idx := indexOf(children, own)
		if idx < 0 {
			return nil, errors.New("lock node vanished, session likely expired")
		}
		if idx == 0 {
			metrics.GateWaitSeconds.Observe(time.Since(start).Seconds())
			return &guard{gate: g, dir: dir, node: node}, nil
		}

		exists, _, events, err := g.conn.ExistsW(dir + "/" + children[idx-1])
		if err != nil {
			g.delete(node)
			g.prune(dir)
			return nil, fmt.Errorf("watch previous lock node: %w", err)
		}
		if !exists {
			continue
		}

		select {
		case <-events:
		case <-ctx.Done():
			g.delete(node)
			g.prune(dir)
			return nil, ctx.Err()
		}
	}
}

func (g *Gate) dir(key string) string {
	return g.root + "/" + url.PathEscape(key)
}

// maxCreateAttempts bounds retries when a releasing holder prunes the key
// node between ensurePath and the lock node create.
const maxCreateAttempts = 5

func (g *Gate) createLockNode(dir string) (string, error) {
	var err error
	for range maxCreateAttempts {
		if err = g.ensurePath(dir); err != nil {
			return "", err
		}
		var node string
		node, err = g.conn.CreateProtectedEphemeralSequential(dir+"/lock-", nil, zk.WorldACL(zk.PermAll))
		if err == nil {
			return node, nil
		}
		if !errors.Is(err, zk.ErrNoNode) {
			break
		}
	}
	return "", fmt.Errorf("create lock node: %w", err)
}

func (g *Gate) ensurePath(path string) error {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := ""
	for _, p := range parts {
		cur += "/" + p
		_, err := g.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("create %s: %w", cur, err)
		}
	}
	return nil
}

// delete is best effort: the node is ephemeral and goes away with the session.
func (g *Gate) delete(node string) {
	_ = g.conn.Delete(node, -1)
}

// prune removes the key node once no lock node is left under it. It is best
// effort: a queued waiter keeps the node alive and Delete fails with ErrNotEmpty.
func (g *Gate) prune(dir string) {
	_ = g.conn.Delete(dir, -1)
}

// Protected nodes carry a "_c_<guid>-" prefix, so order by the numeric suffix.
func sortBySequence(children []string) {
	sort.Slice(children, func(i, j int) bool {
		return sequence(children[i]) < sequence(children[j])
	})
}

func sequence(name string) string {
	if i := strings.LastIndex(name, "lock-"); i >= 0 {
		return name[i+len("lock-"):]
	}
	return name
}

func indexOf(children []string, name string) int {
	for i, c := range children {
		if c == name {
			return i
		}
	}
	return -1
}

type guard struct {
	gate *Gate
	dir  string
	node string
	done bool
}

func (gd *guard) Release() {
	if gd.done {
		return
	}
	gd.done = true
	gd.gate.delete(gd.node)
	gd.gate.prune(gd.dir)
}
