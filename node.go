package ringkv

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Node is one member of the ring: a Pastry routing peer that also carries
// a KD-Tree of records and an LSH index over their reviews. Its routing,
// leaf, and neighborhood state lives behind a single mutex: rather than
// one lock per table, every operation that touches those tables takes the
// same lock, and release of that lock happens before any network I/O.
// The KD-Tree store is not guarded by this mutex; it serialises its own
// reads and writes with a lock of its own.
type Node struct {
	id       ID
	position float64
	coord    *Coordinator
	cfg      Config
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	running   bool
	table     *routingTable
	leaves    *leafSet
	neighbors *neighborhoodSet
	store     *KDTree
	lsh       *LSHIndex
	server    *Server
}

func newNode(id ID, position float64, coord *Coordinator, cfg Config) *Node {
	cols := 1 << cfg.Ring.BitsPerDigit
	return &Node{
		id:        id,
		position:  position,
		coord:     coord,
		cfg:       cfg,
		logger:    newLogger(cfg.Logger, "node-"+id.String()),
		table:     newRoutingTable(id, cfg.Ring.HexDigits, cols),
		leaves:    newLeafSet(id, cfg.Ring.LeafSetSize/2),
		neighbors: newNeighborhoodSet(id, position, cfg.Ring.NeighborhoodSize()),
		store:     NewKDTree(),
		lsh:       NewLSHIndex(cfg.LSH.NumBands, cfg.LSH.NumRows),
	}
}

func (n *Node) start(port int) error {
	srv, err := NewServer(port, n.cfg.Transport.MaxMessageBytes, n.cfg.Transport.WorkerPoolSize, n.handleMessage, n.logger)
	if err != nil {
		return err
	}
	n.server = srv
	go srv.Serve()
	return nil
}

// ID returns the Node's identifier.
func (n *Node) ID() ID { return n.id }

// Position returns the Node's fixed position on the [0,1) topology line.
func (n *Node) Position() float64 { return n.position }

// Port returns the loopback TCP port the Node is listening on, or 0 if
// the Node has no server yet.
func (n *Node) Port() int {
	if n.server == nil {
		return 0
	}
	return n.server.Port()
}

// Addr returns the loopback address other nodes dial to reach this Node.
func (n *Node) Addr() string { return n.server.Addr() }

// Running reports whether the Node is currently part of the live ring.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// StateSnapshot is the read-only view of a Node's tables exposed for
// inspection and for tests that assert on the testable properties.
type StateSnapshot struct {
	ID           ID
	Port         int
	Position     float64
	RoutingTable [][]ID
	Lmin         []ID
	Lmax         []ID
	Neighborhood []ID
	CountryKeys  []ID
	CountryNames []string
}

// StateSnapshot captures the Node's current routing, leaf, neighborhood,
// and content state.
func (n *Node) StateSnapshot() StateSnapshot {
	n.mu.Lock()
	rows := make([][]ID, n.table.rows())
	for r := range rows {
		rows[r] = n.table.Row(r)
	}
	lmin := append([]ID{}, n.leaves.lmin...)
	lmax := append([]ID{}, n.leaves.lmax...)
	nbrs := n.neighbors.All()
	n.mu.Unlock()

	keys, names := n.store.UniqueCountryKeys()
	return StateSnapshot{
		ID: n.id, Port: n.Port(), Position: n.position,
		RoutingTable: rows, Lmin: lmin, Lmax: lmax,
		Neighborhood: nbrs, CountryKeys: keys, CountryNames: names,
	}
}

// checkInvariants runs every per-table invariant check, for use in tests
// asserting the testable properties hold after a sequence of joins and
// departures.
func (n *Node) checkInvariants() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.table.checkInvariants(); err != nil {
		return err
	}
	return n.leaves.checkInvariants()
}

// NextHop implements the three-step next-hop selection algorithm: prefer
// the leaf set when the key falls within its span, fall back to a direct
// routing-table lookup, and finally scan every known peer for one that
// either shares more prefix digits with the key than this node does, or
// ties on prefix length while sitting strictly closer numerically.
func (n *Node) NextHop(key ID) (ID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nextHopLocked(key)
}

func (n *Node) nextHopLocked(key ID) (ID, error) {
	if lo, hi, ok := n.leaves.Span(); ok {
		inSpan := (!key.Less(lo) && !hi.Less(key)) || n.leaves.Contains(key)
		if inSpan {
			closest := n.leaves.ClosestTo(key)
			selfPrefix, selfDist := key.FirstDiff(n.id)
			closestPrefix, closestDist := key.FirstDiff(closest)
			if selfDist < closestDist || (selfDist == closestDist && selfPrefix > closestPrefix) {
				return n.id, nil
			}
			return closest, nil
		}
	}

	ownerPrefix, ownerDist := key.FirstDiff(n.id)
	if ownerPrefix < len(key) {
		col := int(key[ownerPrefix])
		if entry, ok := n.table.Get(ownerPrefix, col); ok {
			return entry, nil
		}
	}

	best := n.id
	bestPrefix, bestDist := ownerPrefix, ownerDist
	consider := func(t ID) {
		prefix, dist := key.FirstDiff(t)
		if prefix < ownerPrefix {
			return
		}
		if prefix > bestPrefix || (prefix == bestPrefix && dist < bestDist) {
			best, bestPrefix, bestDist = t, prefix, dist
		}
	}
	for _, t := range n.leaves.All() {
		consider(t)
	}
	for _, t := range n.neighbors.All() {
		consider(t)
	}
	for _, t := range n.table.All() {
		consider(t)
	}
	return best, nil
}

// handleMessage is the Server's Handler: it dispatches on Operation and
// returns the matching response payload.
func (n *Node) handleMessage(req *Message) *Message {
	var resp *Message
	switch req.Operation {
	case OpJoin:
		resp = n.handleJoin(req)
	case OpPresence:
		resp = n.handlePresence(req)
	case OpUpdateRoutingRow:
		resp = n.handleUpdateRoutingRow(req)
	case OpUpdateRoutingEntry:
		resp = n.handleUpdateRoutingEntry(req)
	case OpUpdateLeafSet:
		resp = n.handleUpdateLeafSet(req)
	case OpGetLeafSet:
		resp = n.handleGetLeafSet(req)
	case OpDistance:
		resp = n.handleDistance(req)
	case OpLeave:
		resp = n.handleLeave(req)
	case OpInsertKey, OpUpdateKey, OpDeleteKey, OpLookup:
		resp = n.handleContentOp(req)
		n.coord.metrics.routingHops.Observe(float64(len(resp.Hops)))
	default:
		resp = &Message{Operation: req.Operation, Status: StatusFailure, Message: "unknown operation", Hops: req.Hops}
	}
	n.coord.metrics.requests.WithLabelValues(req.Operation, resp.Status).Inc()
	return resp
}

// handleJoin answers a JOIN(joining) request: this Node's row at the
// joining node's natural row index, and, if this Node is the traversal's
// terminal point, its leaf set as well.
func (n *Node) handleJoin(req *Message) *Message {
	n.mu.Lock()
	rowIdx := n.id.CommonPrefixLen(req.JoiningNodeID)
	row := n.table.Row(rowIdx)
	next, _ := n.nextHopLocked(req.JoiningNodeID)
	terminal := next.Equal(n.id)
	resp := &Message{
		Operation:       OpJoin,
		Status:          StatusSuccess,
		RowIdx:          rowIdx,
		Row:             row,
		NeighborhoodSet: n.neighbors.All(),
	}
	if terminal {
		resp.Terminal = true
		resp.Lmin = append([]ID{}, n.leaves.lmin...)
		resp.Lmax = append([]ID{}, n.leaves.lmax...)
	} else {
		resp.NextHop = next
	}
	n.mu.Unlock()
	return resp
}

// handlePresence admits the broadcasting node into this Node's routing
// table, leaf set, and (if its position is known) neighborhood set, then
// asynchronously replies with a symmetric UPDATE_ROUTING_ENTRY so the
// broadcaster's own routing table gains this Node's ID in turn.
func (n *Node) handlePresence(req *Message) *Message {
	joining := req.JoiningNodeID
	n.mu.Lock()
	n.table.InsertIfEmpty(joining)
	n.leaves.Insert(joining)
	row := n.id.CommonPrefixLen(joining)
	if pos, ok := n.coord.Position(joining); ok {
		n.neighbors.Insert(joining, pos)
	}
	n.mu.Unlock()

	if peer, ok := n.coord.Get(joining); ok {
		go func() {
			_, _ = SendRequest(peer.Addr(), &Message{Operation: OpUpdateRoutingEntry, RowIdx: row, RoutingEntry: n.id}, n.cfg.Transport.MaxMessageBytes, dialTimeout(n.cfg))
		}()
	}
	return &Message{Operation: OpPresence, Status: StatusSuccess, Message: "presence acknowledged"}
}

func (n *Node) handleUpdateRoutingEntry(req *Message) *Message {
	n.mu.Lock()
	n.table.InsertIfEmpty(req.RoutingEntry)
	n.mu.Unlock()
	return &Message{Operation: OpUpdateRoutingEntry, Status: StatusSuccess, Message: "ack"}
}

func (n *Node) handleUpdateRoutingRow(req *Message) *Message {
	n.mu.Lock()
	row := n.table.Row(req.RowIdx)
	n.mu.Unlock()
	return &Message{Operation: OpUpdateRoutingRow, Status: StatusSuccess, RowIdx: req.RowIdx, Row: row}
}

func (n *Node) handleUpdateLeafSet(req *Message) *Message {
	n.mu.Lock()
	for _, id := range req.Lmin {
		n.leaves.Insert(id)
	}
	for _, id := range req.Lmax {
		n.leaves.Insert(id)
	}
	n.mu.Unlock()
	return &Message{Operation: OpUpdateLeafSet, Status: StatusSuccess, Message: "ack"}
}

func (n *Node) handleGetLeafSet(req *Message) *Message {
	n.mu.Lock()
	lmin := append([]ID{}, n.leaves.lmin...)
	lmax := append([]ID{}, n.leaves.lmax...)
	n.mu.Unlock()
	return &Message{Operation: OpGetLeafSet, Status: StatusSuccess, Lmin: lmin, Lmax: lmax}
}

func (n *Node) handleDistance(req *Message) *Message {
	n.mu.Lock()
	selfPos := n.position
	nbrs := n.neighbors.All()
	n.mu.Unlock()
	dist := topoDistance(selfPos, req.NodePosition)
	return &Message{Operation: OpDistance, Status: StatusSuccess, Distance: uint64(dist * 1e9), NeighborhoodSet: nbrs}
}

func (n *Node) handleLeave(req *Message) *Message {
	n.evictAndRebuild(req.LeavingNodeID)
	return &Message{Operation: OpLeave, Status: StatusSuccess, Message: "ack"}
}

// evictAndRebuild removes dead from every local table it appears in,
// rebuilds from the Coordinator's current live-peer view, and, if any
// leaf-set peer survives, asks it to help refill the gap left behind:
// a row from repairRow, a leaf-set push so the peer's own view catches
// up, and a DISTANCE probe to refresh neighborhood knowledge. dead is
// removed again after the rebuild and after the repair round, since
// either can hand it back.
func (n *Node) evictAndRebuild(dead ID) {
	row := n.id.CommonPrefixLen(dead)
	purge := func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		changed := n.table.Remove(dead)
		changed = n.leaves.Remove(dead) || changed
		changed = n.neighbors.Remove(dead) || changed
		return changed
	}
	if !purge() {
		return
	}

	// A peer whose transport died silently is still registered with the
	// Coordinator, so the rebuild can re-admit it.
	n.rebuild()
	purge()

	n.mu.Lock()
	peers := n.leaves.All()
	n.mu.Unlock()
	if len(peers) == 0 {
		return
	}
	n.repairRow(row)
	n.pushLeafSetTo(peers[0])
	n.refreshNeighborsFrom(peers[0])
	// A peer that has not yet learned of the departure can return dead in
	// the row or neighborhood set it sent.
	purge()
}

// rebuild re-derives the leaf set, neighborhood set, and routing table
// from the Coordinator's current live-peer list.
func (n *Node) rebuild() {
	live := n.coord.IterateLive()
	ids := make([]ID, 0, len(live))
	for _, p := range live {
		if !p.ID().Equal(n.id) {
			ids = append(ids, p.ID())
		}
	}
	n.mu.Lock()
	n.leaves.Rebuild(ids)
	n.neighbors.Rebuild(ids, n.coord.Position)
	n.table.Rebuild(ids)
	n.mu.Unlock()
}

// repairRow asks the first reachable peer in candidates for its row at
// the given index and merges whatever it returns into this Node's table.
func (n *Node) repairRow(row int) {
	n.mu.Lock()
	candidates := dedupeIDs(n.leaves.All(), n.neighbors.All())
	n.mu.Unlock()
	for _, pid := range candidates {
		peer, ok := n.coord.Get(pid)
		if !ok {
			continue
		}
		resp, err := SendRequest(peer.Addr(), &Message{Operation: OpUpdateRoutingRow, RowIdx: row}, n.cfg.Transport.MaxMessageBytes, dialTimeout(n.cfg))
		if err != nil {
			continue
		}
		n.mu.Lock()
		n.table.MergeRow(row, resp.Row)
		n.mu.Unlock()
		return
	}
}

func (n *Node) pushLeafSetTo(peerID ID) {
	peer, ok := n.coord.Get(peerID)
	if !ok {
		return
	}
	n.mu.Lock()
	lmin := append([]ID{}, n.leaves.lmin...)
	lmax := append([]ID{}, n.leaves.lmax...)
	n.mu.Unlock()
	_, _ = SendRequest(peer.Addr(), &Message{Operation: OpUpdateLeafSet, Lmin: lmin, Lmax: lmax, Key: n.id}, n.cfg.Transport.MaxMessageBytes, dialTimeout(n.cfg))
}

func (n *Node) refreshNeighborsFrom(peerID ID) {
	peer, ok := n.coord.Get(peerID)
	if !ok {
		return
	}
	n.mu.Lock()
	pos := n.position
	n.mu.Unlock()
	resp, err := SendRequest(peer.Addr(), &Message{Operation: OpDistance, NodePosition: pos}, n.cfg.Transport.MaxMessageBytes, dialTimeout(n.cfg))
	if err != nil {
		return
	}
	n.mu.Lock()
	for _, id := range resp.NeighborhoodSet {
		if p, ok := n.coord.Position(id); ok {
			n.neighbors.Insert(id, p)
		}
	}
	n.mu.Unlock()
}

// handleContentOp appends this Node's ID to the request's hop trail and
// begins routing it toward whichever node is responsible for its key.
func (n *Node) handleContentOp(req *Message) *Message {
	req.Hops = append(req.Hops, n.id)
	return n.routeContentOp(req, n.cfg.Ring.HexDigits+n.cfg.Ring.LeafSetSize+2)
}

// routeContentOp is the recursive core of insert/update/delete/lookup
// routing: a node handles a request itself if it is the key's owner or
// the key falls in its leaf set, and otherwise forwards it one real hop
// over the wire to whichever peer next_hop names, retrying from scratch
// (after evicting and rebuilding around) if that peer is unreachable.
func (n *Node) routeContentOp(req *Message, retriesLeft int) *Message {
	if retriesLeft <= 0 {
		return &Message{Operation: req.Operation, Status: StatusFailure, Message: "exceeded maximum routing attempts", Hops: req.Hops}
	}

	n.mu.Lock()
	next, _ := n.nextHopLocked(req.Key)
	responsible := next.Equal(n.id) || n.leaves.Contains(req.Key)
	n.mu.Unlock()

	if responsible {
		resp := n.performLocal(req)
		resp.Hops = req.Hops
		return resp
	}

	peer, ok := n.coord.Get(next)
	if !ok {
		n.evictAndRebuild(next)
		return n.routeContentOp(req, retriesLeft-1)
	}
	resp, err := SendRequest(peer.Addr(), req, n.cfg.Transport.MaxMessageBytes, dialTimeout(n.cfg))
	if err != nil {
		n.evictAndRebuild(next)
		return n.routeContentOp(req, retriesLeft-1)
	}
	return resp
}

// performLocal executes an insert, update, delete, or lookup against this
// Node's KD-Tree (and, for lookups, its LSH index), assuming this Node
// has already established it is responsible for req.Key.
func (n *Node) performLocal(req *Message) *Message {
	switch req.Operation {
	case OpInsertKey:
		n.store.Insert(req.Point, req.Review, req.Key, req.Country)
		return &Message{Operation: req.Operation, Status: StatusSuccess, Message: "record inserted"}

	case OpUpdateKey:
		changed := n.store.UpdatePoints(req.Key, req.Criteria, req.Fields)
		if changed == 0 {
			return &Message{Operation: req.Operation, Status: StatusFailure, Message: NotFoundError("no records under " + req.Key.String() + " matched the given criteria").Error()}
		}
		return &Message{Operation: req.Operation, Status: StatusSuccess, Message: fmt.Sprintf("%d record(s) updated", changed)}

	case OpDeleteKey:
		removed := n.store.DeletePoints(req.Key)
		if removed == 0 {
			return &Message{Operation: req.Operation, Status: StatusFailure, Message: NotFoundError("no records found for key " + req.Key.String()).Error()}
		}
		return &Message{Operation: req.Operation, Status: StatusSuccess, Message: fmt.Sprintf("%d record(s) deleted", removed)}

	case OpLookup:
		points, reviews := n.store.Search(req.Lower, req.Upper)
		similar := n.lsh.TopSimilar(reviews, req.N)
		if len(points) == 0 {
			return &Message{Operation: req.Operation, Status: StatusFailure, Message: NotFoundError("no records under " + req.Key.String() + " matched the requested range").Error()}
		}
		return &Message{
			Operation: req.Operation, Status: StatusSuccess,
			Message: fmt.Sprintf("found %d point(s)", len(points)),
			Points:  points, Reviews: reviews, Similar: similar,
		}

	default:
		return &Message{Operation: req.Operation, Status: StatusFailure, Message: "unknown operation"}
	}
}

// Insert stores a record at key, routing through the ring until the
// responsible node is found.
func (n *Node) Insert(key ID, p Point, review, country string) (*Message, error) {
	return n.dispatchLocal(&Message{Operation: OpInsertKey, Key: key, Point: p, Review: review, Country: country})
}

// Update mutates every record at key matching criteria, per fields.
func (n *Node) Update(key ID, criteria Criteria, fields UpdateFields) (*Message, error) {
	return n.dispatchLocal(&Message{Operation: OpUpdateKey, Key: key, Criteria: criteria, Fields: fields})
}

// Delete removes every record stored at key.
func (n *Node) Delete(key ID) (*Message, error) {
	return n.dispatchLocal(&Message{Operation: OpDeleteKey, Key: key})
}

// Lookup finds every record stored on the node responsible for key whose
// point falls within [lower, upper], whatever country key it was stored
// under, plus the top n most similar reviews among the matches.
func (n *Node) Lookup(key ID, lower, upper Point, topN int) (*Message, error) {
	return n.dispatchLocal(&Message{Operation: OpLookup, Key: key, Lower: lower, Upper: upper, N: topN})
}

func (n *Node) dispatchLocal(req *Message) (*Message, error) {
	if !n.Running() {
		return nil, errDeadNode
	}
	return n.handleContentOp(req), nil
}

// Leave removes this Node from the ring, gracefully if graceful is true.
func (n *Node) Leave(graceful bool) error {
	return n.coord.Leave(n.id, graceful)
}
