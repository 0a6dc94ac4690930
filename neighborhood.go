package ringkv

import "math"

// neighborEntry pairs a peer's ID with the position the owner last
// learned for it, so topological distance can be recomputed without a
// round trip through the Coordinator on every comparison.
type neighborEntry struct {
	id  ID
	pos float64
}

// neighborhoodSet holds the M live nodes topologically nearest the
// owner, ordered by ascending |owner.position - peer.position|. This
// system has no notion of region or round-trip latency: topological
// distance is defined directly as the absolute difference of two points
// on the [0,1) position line.
type neighborhoodSet struct {
	self     ID
	selfPos  float64
	capacity int
	members  []neighborEntry
}

func newNeighborhoodSet(self ID, selfPos float64, capacity int) *neighborhoodSet {
	return &neighborhoodSet{self: self, selfPos: selfPos, capacity: capacity}
}

func topoDistance(a, b float64) float64 {
	return math.Abs(a - b)
}

// Insert admits (id, pos) if there is a free slot, or if it is
// topologically closer than the current worst member. It reports whether
// the set changed.
func (n *neighborhoodSet) Insert(id ID, pos float64) bool {
	if id.Equal(n.self) {
		return false
	}
	for i, m := range n.members {
		if m.id.Equal(id) {
			n.members[i].pos = pos
			sortNeighbors(n.members, n.selfPos)
			return true
		}
	}
	entry := neighborEntry{id: id, pos: pos}
	if len(n.members) < n.capacity {
		n.members = append(n.members, entry)
		sortNeighbors(n.members, n.selfPos)
		return true
	}
	worst := n.members[len(n.members)-1]
	if topoDistance(n.selfPos, pos) >= topoDistance(n.selfPos, worst.pos) {
		return false
	}
	n.members[len(n.members)-1] = entry
	sortNeighbors(n.members, n.selfPos)
	return true
}

func sortNeighbors(members []neighborEntry, selfPos float64) {
	for i := 1; i < len(members); i++ {
		j := i
		for j > 0 && topoDistance(selfPos, members[j].pos) < topoDistance(selfPos, members[j-1].pos) {
			members[j-1], members[j] = members[j], members[j-1]
			j--
		}
	}
}

// Remove deletes id from the set, reporting whether anything changed.
func (n *neighborhoodSet) Remove(id ID) bool {
	for i, m := range n.members {
		if m.id.Equal(id) {
			n.members = append(n.members[:i], n.members[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether id currently belongs to the set.
func (n *neighborhoodSet) Contains(id ID) bool {
	for _, m := range n.members {
		if m.id.Equal(id) {
			return true
		}
	}
	return false
}

// All returns every member ID currently held.
func (n *neighborhoodSet) All() []ID {
	out := make([]ID, len(n.members))
	for i, m := range n.members {
		out[i] = m.id
	}
	return out
}

// Rebuild recomputes the set from scratch given the current live peers
// and their positions.
func (n *neighborhoodSet) Rebuild(peers []ID, positionOf func(ID) (float64, bool)) {
	n.members = nil
	for _, p := range peers {
		if p.Equal(n.self) {
			continue
		}
		pos, ok := positionOf(p)
		if !ok {
			continue
		}
		n.members = append(n.members, neighborEntry{id: p, pos: pos})
	}
	sortNeighbors(n.members, n.selfPos)
	if len(n.members) > n.capacity {
		n.members = n.members[:n.capacity]
	}
}
