package ringkv

import "sync"

// Point is the 3-dimensional numeric coordinate carried by every record:
// the vintage year, a rating, and a price.
type Point struct {
	Year   float64
	Rating float64
	Price  float64
}

func (p Point) axis(i int) float64 {
	switch i {
	case 0:
		return p.Year
	case 1:
		return p.Rating
	default:
		return p.Price
	}
}

// record is a single item owned by a Node: a point tagged with the
// country key it was inserted under, the human-readable country name (for
// display only), and the free-form review text.
type record struct {
	Point       Point
	Review      string
	CountryKey  ID
	CountryName string
}

// kdNode is one vertex of the balanced KD-Tree built over the current set
// of records. Every vertex carries one record index and splits its two
// subtrees on axis.
type kdNode struct {
	axis        int
	recordIndex int
	left, right *kdNode
}

// KDTree indexes every record a Node currently owns by its 3-dimensional
// point, so that range queries over a box don't have to scan every
// record. The tree is rebuilt wholesale on every mutation rather than
// updated incrementally: at the scale this system targets (a few
// thousand points per node) a full rebuild is cheap and keeps the tree
// perfectly balanced.
type KDTree struct {
	mu      sync.RWMutex
	records []record
	root    *kdNode
}

// NewKDTree returns an empty KD-Tree.
func NewKDTree() *KDTree {
	return &KDTree{}
}

// Insert appends a point, its review, and the country key/name it belongs
// to, then rebuilds the tree. Duplicate country keys are expected: many
// records may share one key.
func (t *KDTree) Insert(p Point, review string, key ID, countryName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, record{Point: p, Review: review, CountryKey: key, CountryName: countryName})
	t.rebuild()
}

// rebuild reconstructs the tree from t.records. Callers must hold t.mu.
func (t *KDTree) rebuild() {
	indices := make([]int, len(t.records))
	for i := range indices {
		indices[i] = i
	}
	t.root = t.build(indices, 0)
}

func (t *KDTree) build(indices []int, depth int) *kdNode {
	if len(indices) == 0 {
		return nil
	}
	axis := depth % 3
	sortIndicesByAxis(indices, t.records, axis)
	mid := len(indices) / 2
	node := &kdNode{axis: axis, recordIndex: indices[mid]}
	node.left = t.build(indices[:mid], depth+1)
	node.right = t.build(indices[mid+1:], depth+1)
	return node
}

// sortIndicesByAxis insertion-sorts indices by the given coordinate of
// their backing records; the slices involved are small enough at this
// scale that a simple O(n^2) sort keeps the code easy to audit.
func sortIndicesByAxis(indices []int, records []record, axis int) {
	for i := 1; i < len(indices); i++ {
		j := i
		for j > 0 && records[indices[j-1]].Point.axis(axis) > records[indices[j]].Point.axis(axis) {
			indices[j-1], indices[j] = indices[j], indices[j-1]
			j--
		}
	}
}

// Search returns every stored point (and its parallel review string)
// whose coordinates lie componentwise within the inclusive box
// [lower, upper]. The tree is walked with axis-aligned pruning, but every
// candidate is re-checked against the exact box before being returned, so
// the result is always exact regardless of how the tree is pruned.
func (t *KDTree) Search(lower, upper Point) ([]Point, []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var points []Point
	var reviews []string
	t.search(t.root, lower, upper, &points, &reviews)
	return points, reviews
}

func (t *KDTree) search(n *kdNode, lower, upper Point, points *[]Point, reviews *[]string) {
	if n == nil {
		return
	}
	rec := t.records[n.recordIndex]
	if inBox(rec.Point, lower, upper) {
		*points = append(*points, rec.Point)
		*reviews = append(*reviews, rec.Review)
	}
	v := rec.Point.axis(n.axis)
	if lower.axis(n.axis) <= v {
		t.search(n.left, lower, upper, points, reviews)
	}
	if upper.axis(n.axis) >= v {
		t.search(n.right, lower, upper, points, reviews)
	}
}

func inBox(p, lower, upper Point) bool {
	for axis := 0; axis < 3; axis++ {
		v := p.axis(axis)
		if v < lower.axis(axis) || v > upper.axis(axis) {
			return false
		}
	}
	return true
}

// Criteria names the coordinate fields an update_points call matches on;
// a nil field is not constrained.
type Criteria struct {
	Year   *float64
	Rating *float64
	Price  *float64
}

func (c Criteria) matches(p Point) bool {
	if c.Year != nil && p.Year != *c.Year {
		return false
	}
	if c.Rating != nil && p.Rating != *c.Rating {
		return false
	}
	if c.Price != nil && p.Price != *c.Price {
		return false
	}
	return true
}

// UpdateFields names the fields an update_points call may overwrite,
// including the free-form review alongside the three coordinates.
type UpdateFields struct {
	Year   *float64
	Rating *float64
	Price  *float64
	Review *string
}

// UpdatePoints rewrites every record under key whose coordinates match
// every field named in criteria (an empty Criteria matches everything
// under that key), applying the fields named in fields. It returns the
// number of records changed.
func (t *KDTree) UpdatePoints(key ID, criteria Criteria, fields UpdateFields) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := 0
	for i := range t.records {
		if !t.records[i].CountryKey.Equal(key) {
			continue
		}
		if !criteria.matches(t.records[i].Point) {
			continue
		}
		if fields.Year != nil {
			t.records[i].Point.Year = *fields.Year
		}
		if fields.Rating != nil {
			t.records[i].Point.Rating = *fields.Rating
		}
		if fields.Price != nil {
			t.records[i].Point.Price = *fields.Price
		}
		if fields.Review != nil {
			t.records[i].Review = *fields.Review
		}
		changed++
	}
	if changed > 0 {
		t.rebuild()
	}
	return changed
}

// DeletePoints removes every record tagged with key and returns how many
// were removed.
func (t *KDTree) DeletePoints(key ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.records[:0]
	removed := 0
	for _, r := range t.records {
		if r.CountryKey.Equal(key) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	t.records = kept
	if removed > 0 {
		t.rebuild()
	}
	return removed
}

// UniqueCountryKeys returns every distinct country key currently stored,
// paired with the human-readable name last associated with it, for
// display by external collaborators.
func (t *KDTree) UniqueCountryKeys() ([]ID, []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var keys []ID
	var names []string
	seen := make(map[string]int)
	for _, r := range t.records {
		k := r.CountryKey.String()
		if idx, ok := seen[k]; ok {
			names[idx] = r.CountryName
			continue
		}
		seen[k] = len(keys)
		keys = append(keys, r.CountryKey)
		names = append(names, r.CountryName)
	}
	return keys, names
}

// Len reports how many records the tree currently holds.
func (t *KDTree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
