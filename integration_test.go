package ringkv

import (
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger.Level = "error"
	cfg.Transport.DialTimeoutMS = 2000
	return cfg
}

func closeAll(t *testing.T, nodes ...*Node) {
	t.Helper()
	for _, n := range nodes {
		n := n
		t.Cleanup(func() { _ = n.server.Close() })
	}
}

// Scenario 1: bootstrapping a single node.
func TestBootstrapSingleNode(t *testing.T) {
	coord := NewCoordinator(testConfig())
	n, err := coord.Bootstrap(mustID("4b19"), 0.25)
	if err != nil {
		t.Fatalf(err.Error())
	}
	closeAll(t, n)

	if !n.Running() {
		t.Fatalf("expected a bootstrap node to be running immediately")
	}
	snap := n.StateSnapshot()
	if len(snap.Lmin) != 0 || len(snap.Lmax) != 0 {
		t.Fatalf("expected empty leaf halves, got Lmin=%v Lmax=%v", snap.Lmin, snap.Lmax)
	}
	for r, row := range snap.RoutingTable {
		for c, e := range row {
			if e != nil {
				t.Fatalf("expected an all-empty routing table, found an entry at (%d,%d)", r, c)
			}
		}
	}
}

// Scenario 2: two-node network, insert and lookup with hop tracing.
func TestTwoNodeInsertAndLookup(t *testing.T) {
	coord := NewCoordinator(testConfig())
	a, err := coord.Bootstrap(mustID("4b19"), 0.20)
	if err != nil {
		t.Fatalf(err.Error())
	}
	b, err := coord.Join(mustID("a3f1"), 0.80, a.ID())
	if err != nil {
		t.Fatalf(err.Error())
	}
	closeAll(t, a, b)

	p := Point{Year: 2019, Rating: 92, Price: 5.0}
	resp, err := a.Insert(mustID("c0ff"), p, "x", "XX")
	if err != nil {
		t.Fatalf(err.Error())
	}
	if resp.Status != StatusSuccess {
		t.Fatalf("expected insert to succeed, got %q: %s", resp.Status, resp.Message)
	}

	resp, err = a.Lookup(mustID("c0ff"), p, p, 1)
	if err != nil {
		t.Fatalf(err.Error())
	}
	if resp.Status != StatusSuccess {
		t.Fatalf("expected lookup to succeed, got %q: %s", resp.Status, resp.Message)
	}
	if len(resp.Points) != 1 || resp.Points[0] != p {
		t.Fatalf("expected the inserted point back, got %v", resp.Points)
	}
	if len(resp.Hops) != 2 || !resp.Hops[0].Equal(a.ID()) || !resp.Hops[1].Equal(b.ID()) {
		t.Fatalf("expected hops [4b19, a3f1], got %v", resp.Hops)
	}
}

// Scenario 3: an eight-node ring satisfies every per-node invariant and
// converges to the same terminal node for lookups from any starting node.
func TestEightNodeJoinSatisfiesInvariants(t *testing.T) {
	coord := NewCoordinator(testConfig())
	ids := []string{"1111", "2222", "3333", "4444", "5555", "6666", "7777", "8888"}

	first, err := coord.Bootstrap(mustID(ids[0]), 0.0)
	if err != nil {
		t.Fatalf(err.Error())
	}
	nodes := []*Node{first}
	for i, id := range ids[1:] {
		pos := float64(i+1) / float64(len(ids))
		n, err := coord.Join(mustID(id), pos, first.ID())
		if err != nil {
			t.Fatalf("joining %s: %s", id, err.Error())
		}
		nodes = append(nodes, n)
	}
	closeAll(t, nodes...)

	for _, n := range nodes {
		if err := n.checkInvariants(); err != nil {
			t.Errorf("node %s failed invariant check: %v", n.ID(), err)
		}
	}

	keys := []string{"1000", "4500", "7777", "8880", "0001"}
	for _, k := range keys {
		key := mustID(k)
		var terminal ID
		for i, n := range nodes {
			got, err := n.NextHop(key)
			if err != nil {
				t.Fatalf(err.Error())
			}
			// Follow the hop chain until it stabilizes, same as real routing.
			for hops := 0; hops < len(nodes)+2 && !got.Equal(n.ID()); hops++ {
				peer, ok := coord.Get(got)
				if !ok {
					break
				}
				got, err = peer.NextHop(key)
				if err != nil {
					t.Fatalf(err.Error())
				}
			}
			if i == 0 {
				terminal = got
			} else if !got.Equal(terminal) {
				t.Errorf("key %s: node %s converged to %s, expected %s", k, n.ID(), got, terminal)
			}
		}
	}
}

// Scenario 4: update-by-criteria only touches the matching point.
func TestUpdateByCriteria(t *testing.T) {
	coord := NewCoordinator(testConfig())
	a, err := coord.Bootstrap(mustID("4b19"), 0.5)
	if err != nil {
		t.Fatalf(err.Error())
	}
	closeAll(t, a)

	key := HashKey("IT", 4)
	if _, err := a.Insert(key, Point{Year: 2018, Rating: 90, Price: 4.0}, "r1", "IT"); err != nil {
		t.Fatalf(err.Error())
	}
	if _, err := a.Insert(key, Point{Year: 2019, Rating: 92, Price: 5.0}, "r2", "IT"); err != nil {
		t.Fatalf(err.Error())
	}

	year := 2019.0
	price := 6.0
	resp, err := a.Update(key, Criteria{Year: &year}, UpdateFields{Price: &price})
	if err != nil {
		t.Fatalf(err.Error())
	}
	if resp.Status != StatusSuccess {
		t.Fatalf("expected update to succeed, got %s", resp.Message)
	}

	lookup, err := a.Lookup(key, Point{Year: 0, Rating: 0, Price: 0}, Point{Year: 3000, Rating: 100, Price: 100}, 10)
	if err != nil {
		t.Fatalf(err.Error())
	}
	var sawUpdated, sawUntouched bool
	for _, p := range lookup.Points {
		if p.Year == 2019 && p.Price == 6.0 {
			sawUpdated = true
		}
		if p.Year == 2018 && p.Price == 4.0 {
			sawUntouched = true
		}
	}
	if !sawUpdated || !sawUntouched {
		t.Fatalf("expected only the 2019 point updated, got %v", lookup.Points)
	}
}

// Scenario 5: a graceful leave purges the departing node from every peer's
// state and lookups still converge afterward.
func TestGracefulLeaveTriggersRebuild(t *testing.T) {
	coord := NewCoordinator(testConfig())
	ids := []string{"1111", "2222", "3333", "4444", "5555", "6666", "7777", "8888"}
	first, err := coord.Bootstrap(mustID(ids[0]), 0.0)
	if err != nil {
		t.Fatalf(err.Error())
	}
	nodes := map[string]*Node{ids[0]: first}
	for i, id := range ids[1:] {
		pos := float64(i+1) / float64(len(ids))
		n, err := coord.Join(mustID(id), pos, first.ID())
		if err != nil {
			t.Fatalf("joining %s: %s", id, err.Error())
		}
		nodes[id] = n
	}
	var all []*Node
	for _, n := range nodes {
		all = append(all, n)
	}
	closeAll(t, all...)

	if err := nodes["5555"].Leave(true); err != nil {
		t.Fatalf(err.Error())
	}
	time.Sleep(20 * time.Millisecond)

	for id, n := range nodes {
		if id == "5555" {
			continue
		}
		snap := n.StateSnapshot()
		for _, row := range snap.RoutingTable {
			for _, e := range row {
				if e != nil && e.Equal(mustID("5555")) {
					t.Errorf("node %s still carries 5555 in its routing table after graceful leave", id)
				}
			}
		}
		for _, l := range append(append([]ID{}, snap.Lmin...), snap.Lmax...) {
			if l.Equal(mustID("5555")) {
				t.Errorf("node %s still carries 5555 in its leaf set after graceful leave", id)
			}
		}
		for _, nb := range snap.Neighborhood {
			if nb.Equal(mustID("5555")) {
				t.Errorf("node %s still carries 5555 in its neighborhood set after graceful leave", id)
			}
		}
	}

	resp, err := nodes["1111"].Lookup(mustID("5550"), Point{}, Point{Year: 3000, Rating: 100, Price: 1000}, 1)
	if err != nil {
		t.Fatalf(err.Error())
	}
	if len(resp.Hops) == 0 {
		t.Fatalf("expected a non-empty hop trail even on a miss, got none")
	}
	if _, ok := coord.Get(mustID("5555")); ok {
		t.Fatalf("expected 5555 to be unregistered from the coordinator")
	}
}

// Scenario 6: routing survives an unexpectedly dead peer by evicting it and
// re-routing from the current node.
func TestUnexpectedLeaveEvictsDeadPeer(t *testing.T) {
	coord := NewCoordinator(testConfig())
	ids := []string{"1111", "2222", "3333", "4444", "5555", "6666", "7777", "8888"}
	first, err := coord.Bootstrap(mustID(ids[0]), 0.0)
	if err != nil {
		t.Fatalf(err.Error())
	}
	nodes := map[string]*Node{ids[0]: first}
	for i, id := range ids[1:] {
		pos := float64(i+1) / float64(len(ids))
		n, err := coord.Join(mustID(id), pos, first.ID())
		if err != nil {
			t.Fatalf("joining %s: %s", id, err.Error())
		}
		nodes[id] = n
	}

	// Kill 3333's transport silently, without telling its peers: the
	// coordinator still lists it as registered, but dialing it will fail.
	if err := nodes["3333"].server.Close(); err != nil {
		t.Fatalf(err.Error())
	}

	var all []*Node
	for id, n := range nodes {
		if id != "3333" {
			all = append(all, n)
		}
	}
	closeAll(t, all...)

	resp, err := nodes["1111"].Lookup(mustID("3300"), Point{}, Point{Year: 3000, Rating: 100, Price: 1000}, 1)
	if err != nil {
		t.Fatalf(err.Error())
	}
	if len(resp.Hops) == 0 {
		t.Fatalf("expected a hop trail even on a miss")
	}

	snap := nodes["1111"].StateSnapshot()
	for _, row := range snap.RoutingTable {
		for _, e := range row {
			if e != nil && e.Equal(mustID("3333")) {
				t.Errorf("expected 1111's routing table to have evicted 3333 after a transport failure")
			}
		}
	}
}
