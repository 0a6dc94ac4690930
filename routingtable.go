package ringkv

// routingTable is a Node's D x 2^b grid of known peers, organised by
// shared-prefix length with the owner. Every cell holds only an ID, not a
// live peer object, so live-ness and addressing are always resolved
// through the Coordinator at send time rather than through a stored
// reference. A nil entry means the cell is empty; since every real ID is
// a non-empty slice, nil is an unambiguous sentinel.
//
// routingTable carries no lock of its own: it is always accessed while
// the owning Node holds its single mutex.
type routingTable struct {
	self    ID
	entries [][]ID // entries[row][col]
}

func newRoutingTable(self ID, rows, cols int) *routingTable {
	entries := make([][]ID, rows)
	for r := range entries {
		entries[r] = make([]ID, cols)
	}
	return &routingTable{self: self, entries: entries}
}

func (t *routingTable) rows() int { return len(t.entries) }
func (t *routingTable) cols() int {
	if len(t.entries) == 0 {
		return 0
	}
	return len(t.entries[0])
}

// Get returns the entry at (row, col) and whether it is populated.
func (t *routingTable) Get(row, col int) (ID, bool) {
	if row < 0 || row >= t.rows() || col < 0 || col >= t.cols() {
		return nil, false
	}
	id := t.entries[row][col]
	return id, id != nil
}

// SetIfEmpty writes id to (row, col) only if that cell is currently
// empty, matching the "only if the target cell is empty" admission rule
// used during presence broadcast.
func (t *routingTable) SetIfEmpty(row, col int, id ID) bool {
	if row < 0 || row >= t.rows() || col < 0 || col >= t.cols() {
		return false
	}
	if t.entries[row][col] != nil {
		return false
	}
	t.entries[row][col] = id
	return true
}

// ForceSet writes id to (row, col) unconditionally, overwriting any entry
// already there.
func (t *routingTable) ForceSet(row, col int, id ID) {
	if row < 0 || row >= t.rows() || col < 0 || col >= t.cols() {
		return
	}
	t.entries[row][col] = id
}

// cellFor computes the (row, col) an ID belongs in relative to self. The
// diagonal column (col == self's own digit at that row) is reserved and
// never written.
func (t *routingTable) cellFor(id ID) (row, col int, onDiagonal bool) {
	row = t.self.CommonPrefixLen(id)
	if row >= len(id) || row >= t.rows() {
		return row, 0, true
	}
	col = int(id[row])
	return row, col, col == int(t.self[row])
}

// InsertIfEmpty places id at its natural cell if that cell is currently
// empty and id does not fall on the reserved diagonal. It reports whether
// it wrote anything.
func (t *routingTable) InsertIfEmpty(id ID) bool {
	if id.Equal(t.self) {
		return false
	}
	row, col, diagonal := t.cellFor(id)
	if diagonal {
		return false
	}
	return t.SetIfEmpty(row, col, id)
}

// Remove clears every cell holding id, reporting whether anything was
// removed.
func (t *routingTable) Remove(id ID) bool {
	removed := false
	for r := range t.entries {
		for c := range t.entries[r] {
			if t.entries[r][c] != nil && t.entries[r][c].Equal(id) {
				t.entries[r][c] = nil
				removed = true
			}
		}
	}
	return removed
}

// Row returns a copy of row r, with nil entries preserved so the
// column an entry belongs in survives the copy.
func (t *routingTable) Row(r int) []ID {
	if r < 0 || r >= t.rows() {
		return nil
	}
	row := make([]ID, len(t.entries[r]))
	copy(row, t.entries[r])
	return row
}

// MergeRow overlays a peer's routing-table row onto this table at row r,
// writing only cells that are currently empty and skipping the reserved
// diagonal column.
func (t *routingTable) MergeRow(r int, row []ID) {
	if r < 0 || r >= t.rows() {
		return
	}
	diagonalCol := int(t.self[r])
	for c, id := range row {
		if id == nil || c == diagonalCol {
			continue
		}
		t.SetIfEmpty(r, c, id)
	}
}

// All returns every populated entry in the table, for export during a
// state rebuild or a graceful-leave broadcast.
func (t *routingTable) All() []ID {
	var out []ID
	for r := range t.entries {
		for _, id := range t.entries[r] {
			if id != nil {
				out = append(out, id)
			}
		}
	}
	return out
}

// Rebuild clears the table and re-derives it from peers by the
// first-writer-wins rule described in the state-rebuild procedure.
func (t *routingTable) Rebuild(peers []ID) {
	for r := range t.entries {
		for c := range t.entries[r] {
			t.entries[r][c] = nil
		}
	}
	for _, p := range peers {
		t.InsertIfEmpty(p)
	}
}

// checkInvariants validates the routing-table invariant: an entry at
// (r, c) shares exactly its first r digits with the owner, and its r-th
// digit is c (which can never equal the owner's own r-th digit).
func (t *routingTable) checkInvariants() error {
	for r := range t.entries {
		for c, id := range t.entries[r] {
			if id == nil {
				continue
			}
			if id.CommonPrefixLen(t.self) != r {
				return throwInvalidArgumentError("routing table entry at a row whose prefix length doesn't match")
			}
			if int(id[r]) != c {
				return throwInvalidArgumentError("routing table entry filed under the wrong column")
			}
			if c == int(t.self[r]) {
				return throwInvalidArgumentError("routing table entry written to the reserved diagonal")
			}
		}
	}
	return nil
}
