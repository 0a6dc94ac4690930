package ringkv

// leafSet holds the L live IDs numerically nearest the owner, split into
// Lmin (below the owner) and Lmax (above). Ordering within each half is
// by proximity to the owner: a larger shared prefix with the owner beats
// a smaller plain numeric distance, and only a strictly better candidate
// may evict the worst incumbent once a half is full.
//
// Like routingTable, leafSet carries no lock of its own; it is only ever
// touched while the owning Node holds its mutex.
type leafSet struct {
	self    ID
	capHalf int
	lmin    []ID // IDs < self, best (closest) first
	lmax    []ID // IDs > self, best (closest) first
}

func newLeafSet(self ID, capHalf int) *leafSet {
	return &leafSet{self: self, capHalf: capHalf}
}

// leafBetter reports whether a is a strictly better leaf-set candidate
// than b relative to self: a larger shared-prefix length wins outright;
// on a tie, the smaller plain numeric distance wins.
func leafBetter(self, a, b ID) bool {
	pa, da := self.FirstDiff(a)
	pb, db := self.FirstDiff(b)
	if pa != pb {
		return pa > pb
	}
	return da < db
}

func (l *leafSet) half(lower bool) *[]ID {
	if lower {
		return &l.lmin
	}
	return &l.lmax
}

// Insert admits id into the appropriate half, reporting whether the set
// changed. The owner's own ID and duplicates are rejected.
func (l *leafSet) Insert(id ID) bool {
	if id.Equal(l.self) {
		return false
	}
	lower := id.Less(l.self)
	half := l.half(lower)
	for _, existing := range *half {
		if existing.Equal(id) {
			return false
		}
	}
	if len(*half) < l.capHalf {
		*half = append(*half, id)
		sortLeafHalf(*half, l.self)
		return true
	}
	worst := (*half)[len(*half)-1]
	if !leafBetter(l.self, id, worst) {
		return false
	}
	(*half)[len(*half)-1] = id
	sortLeafHalf(*half, l.self)
	return true
}

func sortLeafHalf(half []ID, self ID) {
	for i := 1; i < len(half); i++ {
		j := i
		for j > 0 && leafBetter(self, half[j], half[j-1]) {
			half[j-1], half[j] = half[j], half[j-1]
			j--
		}
	}
}

// Remove deletes id from whichever half holds it, reporting whether
// anything was removed.
func (l *leafSet) Remove(id ID) bool {
	for _, lower := range []bool{true, false} {
		half := l.half(lower)
		for i, existing := range *half {
			if existing.Equal(id) {
				*half = append((*half)[:i], (*half)[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Contains reports whether id is currently held in either half.
func (l *leafSet) Contains(id ID) bool {
	for _, half := range [][]ID{l.lmin, l.lmax} {
		for _, existing := range half {
			if existing.Equal(id) {
				return true
			}
		}
	}
	return false
}

// Span returns the numeric low and high boundary of the leaf set: the
// smallest ID in Lmin and the largest ID in Lmax. ok is false if the
// leaf set is empty.
func (l *leafSet) Span() (lo, hi ID, ok bool) {
	if len(l.lmin) == 0 && len(l.lmax) == 0 {
		return nil, nil, false
	}
	lo, hi = l.self, l.self
	for _, id := range l.lmin {
		if id.Less(lo) {
			lo = id
		}
	}
	for _, id := range l.lmax {
		if hi.Less(id) {
			hi = id
		}
	}
	return lo, hi, true
}

// ClosestTo scans self plus both halves and returns whichever ID is
// numerically nearest to key, tie-broken by the larger shared-prefix
// length with key (the rule next_hop's leaf-set step uses, distinct from
// the admission rule above, which prioritises prefix length first).
func (l *leafSet) ClosestTo(key ID) ID {
	best := l.self
	bestPrefix, bestDist := key.FirstDiff(l.self)
	consider := func(id ID) {
		prefix, dist := key.FirstDiff(id)
		if dist < bestDist || (dist == bestDist && prefix > bestPrefix) {
			best, bestPrefix, bestDist = id, prefix, dist
		}
	}
	for _, id := range l.lmin {
		consider(id)
	}
	for _, id := range l.lmax {
		consider(id)
	}
	return best
}

// All returns every ID currently held, Lmin before Lmax.
func (l *leafSet) All() []ID {
	out := make([]ID, 0, len(l.lmin)+len(l.lmax))
	out = append(out, l.lmin...)
	out = append(out, l.lmax...)
	return out
}

// Rebuild recomputes both halves from scratch given the current set of
// live peers, per the state-rebuild procedure: ascending distance from
// self within each half.
func (l *leafSet) Rebuild(peers []ID) {
	l.lmin = nil
	l.lmax = nil
	for _, p := range peers {
		if p.Equal(l.self) {
			continue
		}
		lower := p.Less(l.self)
		half := l.half(lower)
		*half = append(*half, p)
	}
	sortLeafHalf(l.lmin, l.self)
	sortLeafHalf(l.lmax, l.self)
	if len(l.lmin) > l.capHalf {
		l.lmin = l.lmin[:l.capHalf]
	}
	if len(l.lmax) > l.capHalf {
		l.lmax = l.lmax[:l.capHalf]
	}
}

// checkInvariants validates the leaf-set invariant: Lmin and Lmax are
// disjoint, the owner never appears in either, every Lmin member is
// numerically below the owner, and every Lmax member is above.
func (l *leafSet) checkInvariants() error {
	seen := make(map[string]bool)
	for _, id := range l.lmin {
		if id.Equal(l.self) {
			return throwIdentityError("store", "in", "leaf set")
		}
		if !id.Less(l.self) {
			return throwInvalidArgumentError("Lmin member is not below the owner")
		}
		if seen[id.String()] {
			return throwInvalidArgumentError("duplicate leaf-set member")
		}
		seen[id.String()] = true
	}
	for _, id := range l.lmax {
		if id.Equal(l.self) {
			return throwIdentityError("store", "in", "leaf set")
		}
		if !l.self.Less(id) {
			return throwInvalidArgumentError("Lmax member is not above the owner")
		}
		if seen[id.String()] {
			return throwInvalidArgumentError("duplicate leaf-set member")
		}
		seen[id.String()] = true
	}
	return nil
}
