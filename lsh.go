package ringkv

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"
)

// LSHIndex ranks a set of reviews by mutual similarity using TF-IDF
// weighted terms and a configurable num_bands/num_rows banded min-hash
// signature. See DESIGN.md for why this stays on the standard library.
type LSHIndex struct {
	numBands int
	numRows  int
}

// NewLSHIndex returns an index banding numHashes = numBands*numRows
// min-hash functions into numBands buckets of numRows rows each.
func NewLSHIndex(numBands, numRows int) *LSHIndex {
	if numBands <= 0 {
		numBands = 1
	}
	if numRows <= 0 {
		numRows = 1
	}
	return &LSHIndex{numBands: numBands, numRows: numRows}
}

// TopSimilar vectorizes reviews with TF-IDF, bands their min-hash
// signatures, and returns the top N reviews ranked by how many band
// buckets they share with the rest of the corpus (a proxy for mutual
// similarity). If fewer than N reviews are available, all of them are
// returned, in their original order.
func (idx *LSHIndex) TopSimilar(reviews []string, n int) []string {
	if n <= 0 {
		return nil
	}
	if len(reviews) <= n {
		out := make([]string, len(reviews))
		copy(out, reviews)
		return out
	}

	docs := make([]map[string]float64, len(reviews))
	df := make(map[string]int)
	for i, r := range reviews {
		terms := tokenize(r)
		tf := make(map[string]float64)
		for _, t := range terms {
			tf[t]++
		}
		docs[i] = tf
		seen := make(map[string]bool)
		for t := range tf {
			if !seen[t] {
				df[t]++
				seen[t] = true
			}
		}
	}

	weighted := make([]map[string]float64, len(docs))
	for i, tf := range docs {
		w := make(map[string]float64, len(tf))
		for term, count := range tf {
			idf := math.Log(float64(len(reviews)+1) / float64(df[term]+1))
			w[term] = count * idf
		}
		weighted[i] = w
	}

	numHashes := idx.numBands * idx.numRows
	signatures := make([][]uint64, len(docs))
	for i, w := range weighted {
		signatures[i] = minHashSignature(w, numHashes)
	}

	score := make([]int, len(docs))
	for band := 0; band < idx.numBands; band++ {
		buckets := make(map[uint64][]int)
		for doc, sig := range signatures {
			bucket := bandBucket(sig, band, idx.numRows)
			buckets[bucket] = append(buckets[bucket], doc)
		}
		for _, members := range buckets {
			if len(members) < 2 {
				continue
			}
			for _, doc := range members {
				score[doc] += len(members) - 1
			}
		}
	}

	order := make([]int, len(docs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if score[order[a]] != score[order[b]] {
			return score[order[a]] > score[order[b]]
		}
		return order[a] < order[b]
	})

	out := make([]string, 0, n)
	for _, i := range order[:n] {
		out = append(out, reviews[i])
	}
	return out
}

// tokenize lowercases and splits a review into its constituent word
// terms, stripping the handful of characters most likely to appear as
// punctuation in free-form reviews.
func tokenize(review string) []string {
	lowered := strings.ToLower(review)
	fields := strings.FieldsFunc(lowered, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z':
			return false
		case r >= '0' && r <= '9':
			return false
		default:
			return true
		}
	})
	return fields
}

// minHashSignature computes numHashes min-hash values over a weighted
// term set: terms with a higher TF-IDF weight are repeated proportionally
// more often before hashing, so they dominate the minimum the same way a
// higher-weight shingle would in a weighted Jaccard estimate.
func minHashSignature(weights map[string]float64, numHashes int) []uint64 {
	sig := make([]uint64, numHashes)
	for i := range sig {
		sig[i] = math.MaxUint64
	}
	for term, w := range weights {
		repeats := int(w) + 1
		for r := 0; r < repeats; r++ {
			for i := 0; i < numHashes; i++ {
				h := hashTerm(term, i, r)
				if h < sig[i] {
					sig[i] = h
				}
			}
		}
	}
	return sig
}

func hashTerm(term string, seed, repeat int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(term))
	h.Write([]byte{byte(seed), byte(seed >> 8), byte(repeat)})
	return h.Sum64()
}

// bandBucket hashes the slice of a signature belonging to one band into a
// single bucket identifier.
func bandBucket(sig []uint64, band, numRows int) uint64 {
	h := fnv.New64a()
	start := band * numRows
	end := start + numRows
	if end > len(sig) {
		end = len(sig)
	}
	for _, v := range sig[start:end] {
		b := []byte{
			byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
			byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
		}
		h.Write(b)
	}
	return h.Sum64()
}
