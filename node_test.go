package ringkv

import "testing"

// newBareNode builds a Node with populated tables but no running transport,
// for exercising NextHop in isolation from the Coordinator and sockets.
func newBareNode(id string) *Node {
	cfg := DefaultConfig()
	return newNode(mustID(id), 0, nil, cfg)
}

func TestNextHopPrefersOwnerWhenClosestInLeafSet(t *testing.T) {
	n := newBareNode("5555")
	n.leaves.Insert(mustID("5550"))
	n.leaves.Insert(mustID("5560"))

	next, err := n.NextHop(mustID("5556"))
	if err != nil {
		t.Fatalf(err.Error())
	}
	if !next.Equal(n.id) {
		t.Fatalf("expected the owner itself to be closest to 5556, got %s", next)
	}
}

func TestNextHopReturnsClosestLeaf(t *testing.T) {
	n := newBareNode("5555")
	n.leaves.Insert(mustID("5550"))
	n.leaves.Insert(mustID("0000"))

	next, err := n.NextHop(mustID("5551"))
	if err != nil {
		t.Fatalf(err.Error())
	}
	if !next.Equal(mustID("5550")) {
		t.Fatalf("expected 5550 (closest leaf to 5551), got %s", next)
	}
}

func TestNextHopUsesRoutingTableOutsideLeafSpan(t *testing.T) {
	n := newBareNode("4b19")
	n.leaves.Insert(mustID("4b10"))
	n.leaves.Insert(mustID("4b20"))
	n.table.InsertIfEmpty(mustID("a3f1"))

	next, err := n.NextHop(mustID("a300"))
	if err != nil {
		t.Fatalf(err.Error())
	}
	if !next.Equal(mustID("a3f1")) {
		t.Fatalf("expected the routing-table entry sharing a prefix with a300, got %s", next)
	}
}

func TestNextHopFallsBackToScanWhenCellEmpty(t *testing.T) {
	n := newBareNode("4b19")
	n.leaves.Insert(mustID("4b10"))
	n.leaves.Insert(mustID("4b20"))
	// No routing-table entry at row 0, col 'a'; the scan should still find a3f1
	// in the neighborhood set since it shares more prefix than the owner does.
	n.neighbors.Insert(mustID("a3f1"), 0.9)

	next, err := n.NextHop(mustID("a300"))
	if err != nil {
		t.Fatalf(err.Error())
	}
	if !next.Equal(mustID("a3f1")) {
		t.Fatalf("expected the scan to surface a3f1, got %s", next)
	}
}

func TestNextHopReturnsOwnerWhenNothingQualifies(t *testing.T) {
	n := newBareNode("4b19")
	next, err := n.NextHop(mustID("a300"))
	if err != nil {
		t.Fatalf(err.Error())
	}
	if !next.Equal(n.id) {
		t.Fatalf("expected the owner as the fallback next hop, got %s", next)
	}
}

func TestStateSnapshotReportsCountryKeys(t *testing.T) {
	n := newBareNode("4b19")
	key := HashKey("Italy", 4)
	n.store.Insert(Point{Year: 2019, Rating: 92, Price: 5.0}, "great", key, "Italy")

	snap := n.StateSnapshot()
	if len(snap.CountryKeys) != 1 || !snap.CountryKeys[0].Equal(key) {
		t.Fatalf("expected the snapshot to report the inserted country key, got %v", snap.CountryKeys)
	}
	if len(snap.CountryNames) != 1 || snap.CountryNames[0] != "Italy" {
		t.Fatalf("expected the snapshot to report the country name, got %v", snap.CountryNames)
	}
}

func TestCheckInvariantsOnFreshNode(t *testing.T) {
	n := newBareNode("4b19")
	if err := n.checkInvariants(); err != nil {
		t.Fatalf("expected a fresh node's empty tables to satisfy all invariants, got %v", err)
	}
}
