package ringkv

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Coordinator is the process-wide registry of live Nodes. It hands out
// loopback ports, tracks which identifiers are already live, and
// orchestrates the join and leave protocols. No Node ever reaches into
// another Node's fields directly; every cross-node interaction goes
// through SendRequest, and every peer lookup goes through the
// Coordinator.
type Coordinator struct {
	mu        sync.Mutex
	cfg       Config
	logger    *zap.SugaredLogger
	metrics   *metrics
	nodes     map[string]*Node
	usedPorts map[int]bool
	nextPort  int
}

// NewCoordinator builds an empty registry using cfg for every Node it
// creates.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		logger:    newLogger(cfg.Logger, "coordinator"),
		nodes:     make(map[string]*Node),
		usedPorts: make(map[int]bool),
		nextPort:  20_000,
	}
	c.metrics = newMetrics(func() int { return len(c.Nodes()) })
	return c
}

// allocatePort reserves and returns the next free loopback port. It takes
// c.mu itself, so callers must not hold it.
func (c *Coordinator) allocatePort() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := c.nextPort; p < c.nextPort+10_000; p++ {
		if !c.usedPorts[p] {
			c.usedPorts[p] = true
			return p, nil
		}
	}
	return 0, errPortsExhausted
}

// register adds n to the live registry, rejecting a duplicate
// identifier before the Node ever starts listening, matching the
// "identifier collision on pre-assignment" boundary case.
func (c *Coordinator) register(n *Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.nodes[n.id.String()]; exists {
		return errDuplicateID
	}
	c.nodes[n.id.String()] = n
	return nil
}

// Unregister removes id from the registry. It is idempotent.
func (c *Coordinator) Unregister(id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id.String()]; ok {
		c.usedPorts[n.Port()] = false
	}
	delete(c.nodes, id.String())
}

// Get returns the live Node for id, if any.
func (c *Coordinator) Get(id ID) (*Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id.String()]
	return n, ok
}

// Position resolves a live peer's topological position.
func (c *Coordinator) Position(id ID) (float64, bool) {
	n, ok := c.Get(id)
	if !ok {
		return 0, false
	}
	return n.Position(), true
}

// Nodes returns every currently-live Node, for the Coordinator side of
// the inspection surface.
func (c *Coordinator) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	return out
}

// IterateLive is an alias for Nodes kept for readability at call sites
// that are specifically re-deriving another Node's state (rebuild,
// bootstrap seeding) rather than inspecting the ring from the outside.
func (c *Coordinator) IterateLive() []*Node {
	return c.Nodes()
}

func dialTimeout(cfg Config) time.Duration {
	return time.Duration(cfg.Transport.DialTimeoutMS) * time.Millisecond
}

// Bootstrap creates the first Node of an empty ring. Its tables start
// empty and it is immediately marked running, per the lifecycle rule for
// an empty network.
func (c *Coordinator) Bootstrap(id ID, position float64) (*Node, error) {
	n := newNode(id, position, c, c.cfg)
	if err := c.register(n); err != nil {
		return nil, err
	}
	port, err := c.allocatePort()
	if err != nil {
		c.Unregister(id)
		return nil, err
	}
	if err := n.start(port); err != nil {
		c.Unregister(id)
		return nil, err
	}
	n.mu.Lock()
	n.running = true
	n.mu.Unlock()
	return n, nil
}

// Join brings up a new Node and walks it through the join protocol
// against bootstrapID: it iteratively asks each node next_hop(id) points
// it to for a routing-table row, until the numerically closest node
// replies with its leaf set, then seeds its neighborhood set from the
// very first node it contacted and broadcasts its presence.
func (c *Coordinator) Join(id ID, position float64, bootstrapID ID) (*Node, error) {
	bootstrap, ok := c.Get(bootstrapID)
	if !ok || !bootstrap.Running() {
		return nil, fmt.Errorf("ringkv: bootstrap node %s is not live: %w", bootstrapID, errEmptyNetwork)
	}

	x := newNode(id, position, c, c.cfg)
	if err := c.register(x); err != nil {
		return nil, err
	}
	port, err := c.allocatePort()
	if err != nil {
		c.Unregister(id)
		return nil, err
	}
	if err := x.start(port); err != nil {
		c.Unregister(id)
		return nil, err
	}

	maxHops := c.cfg.Ring.HexDigits + c.cfg.Ring.LeafSetSize + 2
	hop := bootstrap
	var firstHopNeighbors []ID
	joined := false
	for attempt := 0; attempt < maxHops; attempt++ {
		resp, err := SendRequest(hop.Addr(), &Message{Operation: OpJoin, JoiningNodeID: id}, c.cfg.Transport.MaxMessageBytes, dialTimeout(c.cfg))
		if err != nil {
			c.Unregister(id)
			return nil, fmt.Errorf("ringkv: join traversal failed at %s: %w", hop.ID(), err)
		}
		x.mu.Lock()
		x.table.MergeRow(resp.RowIdx, resp.Row)
		x.mu.Unlock()
		if attempt == 0 {
			firstHopNeighbors = resp.NeighborhoodSet
		}
		if resp.Terminal {
			x.mu.Lock()
			for _, peer := range resp.Lmin {
				x.leaves.Insert(peer)
			}
			for _, peer := range resp.Lmax {
				x.leaves.Insert(peer)
			}
			x.mu.Unlock()
			joined = true
			break
		}
		next, ok := c.Get(resp.NextHop)
		if !ok {
			c.Unregister(id)
			return nil, errNodeNotFound
		}
		hop = next
	}
	if !joined {
		c.Unregister(id)
		return nil, fmt.Errorf("ringkv: join traversal for %s did not terminate within %d hops", id, maxHops)
	}

	x.mu.Lock()
	for _, peer := range firstHopNeighbors {
		if pos, ok := c.Position(peer); ok {
			x.neighbors.Insert(peer, pos)
		}
	}
	x.neighbors.Insert(bootstrap.ID(), bootstrap.Position())
	x.running = true
	x.mu.Unlock()

	c.broadcastPresence(x)
	c.metrics.joinsTotal.Inc()
	return x, nil
}

// broadcastPresence announces x to every node currently in its routing
// table, leaf set, or neighborhood set, deduplicated, per the join
// protocol's final step.
func (c *Coordinator) broadcastPresence(x *Node) {
	x.mu.Lock()
	targets := dedupeIDs(x.table.All(), x.leaves.All(), x.neighbors.All())
	x.mu.Unlock()

	for _, targetID := range targets {
		peer, ok := c.Get(targetID)
		if !ok {
			continue
		}
		resp, err := SendRequest(peer.Addr(), &Message{Operation: OpPresence, JoiningNodeID: x.id}, c.cfg.Transport.MaxMessageBytes, dialTimeout(c.cfg))
		if err != nil {
			// Join and presence-update abort on failure: evict the
			// unreachable peer from X's own view rather than retrying.
			x.mu.Lock()
			x.table.Remove(targetID)
			x.leaves.Remove(targetID)
			x.neighbors.Remove(targetID)
			x.mu.Unlock()
			continue
		}
		_ = resp
	}
}

// Leave removes id from the registry and, when graceful is true, warns
// every node it knows of first so they can rebuild immediately instead of
// discovering the departure lazily.
func (c *Coordinator) Leave(id ID, graceful bool) error {
	n, ok := c.Get(id)
	if !ok {
		return errNodeNotFound
	}

	var targets []ID
	if graceful {
		n.mu.Lock()
		targets = dedupeIDs(n.table.All(), n.leaves.All(), n.neighbors.All())
		n.mu.Unlock()
	}

	c.Unregister(id)
	n.mu.Lock()
	n.running = false
	n.mu.Unlock()

	if graceful {
		for _, targetID := range targets {
			peer, ok := c.Get(targetID)
			if !ok {
				continue
			}
			_, _ = SendRequest(peer.Addr(), &Message{Operation: OpLeave, LeavingNodeID: id}, c.cfg.Transport.MaxMessageBytes, dialTimeout(c.cfg))
		}
	}

	c.metrics.leavesTotal.Inc()
	return n.server.Close()
}

// dedupeIDs merges any number of ID slices into one slice with no
// duplicate entries, preserving first-seen order.
func dedupeIDs(groups ...[]ID) []ID {
	seen := make(map[string]bool)
	var out []ID
	for _, group := range groups {
		for _, id := range group {
			key := id.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, id)
		}
	}
	return out
}
