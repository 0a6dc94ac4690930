package ringkv

import "testing"

func TestKDTreeEmptySearch(t *testing.T) {
	tree := NewKDTree()
	points, reviews := tree.Search(Point{}, Point{Year: 3000, Rating: 100, Price: 1000})
	if len(points) != 0 || len(reviews) != 0 {
		t.Fatalf("expected empty results from an empty tree, got %d points", len(points))
	}
}

func TestKDTreeInsertAndSearchBox(t *testing.T) {
	tree := NewKDTree()
	key := HashKey("Italy", 4)
	tree.Insert(Point{Year: 2018, Rating: 90, Price: 4.0}, "decent", key, "Italy")
	tree.Insert(Point{Year: 2019, Rating: 92, Price: 5.0}, "excellent", key, "Italy")
	tree.Insert(Point{Year: 2010, Rating: 70, Price: 2.0}, "meh", key, "Italy")

	points, reviews := tree.Search(Point{Year: 2015, Rating: 0, Price: 0}, Point{Year: 2020, Rating: 100, Price: 100})
	if len(points) != 2 {
		t.Fatalf("expected 2 points in range, got %d", len(points))
	}
	found := map[string]bool{}
	for _, r := range reviews {
		found[r] = true
	}
	if !found["decent"] || !found["excellent"] {
		t.Fatalf("expected both in-range reviews present, got %v", reviews)
	}
}

func TestKDTreeDegenerateBoxRoundTrip(t *testing.T) {
	tree := NewKDTree()
	key := HashKey("country", 4)
	p := Point{Year: 2019, Rating: 92, Price: 5.0}
	tree.Insert(p, "x", key, "XX")

	points, reviews := tree.Search(p, p)
	if len(points) != 1 || points[0] != p {
		t.Fatalf("expected the exact inserted point back, got %v", points)
	}
	if len(reviews) != 1 || reviews[0] != "x" {
		t.Fatalf("expected the exact inserted review back, got %v", reviews)
	}
}

func TestKDTreeUpdatePointsByCriteria(t *testing.T) {
	tree := NewKDTree()
	key := HashKey("IT", 4)
	tree.Insert(Point{Year: 2018, Rating: 90, Price: 4.0}, "r1", key, "IT")
	tree.Insert(Point{Year: 2019, Rating: 92, Price: 5.0}, "r2", key, "IT")

	year := 2019.0
	price := 6.0
	changed := tree.UpdatePoints(key, Criteria{Year: &year}, UpdateFields{Price: &price})
	if changed != 1 {
		t.Fatalf("expected exactly 1 record updated, got %d", changed)
	}

	points, _ := tree.Search(Point{Year: 0, Rating: 0, Price: 0}, Point{Year: 3000, Rating: 100, Price: 100})
	var sawUpdated, sawUntouched bool
	for _, p := range points {
		if p.Year == 2019 && p.Price == 6.0 {
			sawUpdated = true
		}
		if p.Year == 2018 && p.Price == 4.0 {
			sawUntouched = true
		}
	}
	if !sawUpdated {
		t.Fatalf("expected the 2019 point's price to become 6.0, got %v", points)
	}
	if !sawUntouched {
		t.Fatalf("expected the 2018 point to remain untouched, got %v", points)
	}
}

func TestKDTreeUpdatePointsEmptyCriteriaMatchesAll(t *testing.T) {
	tree := NewKDTree()
	key := HashKey("IT", 4)
	tree.Insert(Point{Year: 2018, Rating: 90, Price: 4.0}, "r1", key, "IT")
	tree.Insert(Point{Year: 2019, Rating: 92, Price: 5.0}, "r2", key, "IT")

	review := "updated"
	changed := tree.UpdatePoints(key, Criteria{}, UpdateFields{Review: &review})
	if changed != 2 {
		t.Fatalf("expected both records updated with an empty criteria, got %d", changed)
	}
}

func TestKDTreeDeletePointsIsIdempotent(t *testing.T) {
	tree := NewKDTree()
	key := HashKey("IT", 4)
	tree.Insert(Point{Year: 2018, Rating: 90, Price: 4.0}, "r1", key, "IT")

	first := tree.DeletePoints(key)
	if first != 1 {
		t.Fatalf("expected 1 record removed, got %d", first)
	}
	second := tree.DeletePoints(key)
	if second != 0 {
		t.Fatalf("expected a second delete to remove nothing, got %d", second)
	}
	if tree.Len() != 0 {
		t.Fatalf("expected an empty tree after delete, got %d records", tree.Len())
	}
}

func TestKDTreeUniqueCountryKeys(t *testing.T) {
	tree := NewKDTree()
	it := HashKey("IT", 4)
	fr := HashKey("FR", 4)
	tree.Insert(Point{Year: 2018, Rating: 90, Price: 4.0}, "r1", it, "Italy")
	tree.Insert(Point{Year: 2019, Rating: 92, Price: 5.0}, "r2", it, "Italy")
	tree.Insert(Point{Year: 2017, Rating: 88, Price: 6.0}, "r3", fr, "France")

	keys, names := tree.UniqueCountryKeys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 unique country keys, got %d", len(keys))
	}
	byKey := map[string]string{}
	for i, k := range keys {
		byKey[k.String()] = names[i]
	}
	if byKey[it.String()] != "Italy" || byKey[fr.String()] != "France" {
		t.Fatalf("unexpected key/name pairing: %v", byKey)
	}
}
