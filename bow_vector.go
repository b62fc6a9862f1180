package sembow

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// WordID identifies a visual word: a dense index into the vocabulary's leaf
// weight table.
type WordID uint32

// NormKind selects the vector norm used when normalizing a bag-of-words
// vector prior to scoring.
type NormKind string

const (
	// NormL1 normalizes weights so they sum to 1.
	NormL1 NormKind = "l1"

	// NormL2 normalizes weights to unit Euclidean length.
	NormL2 NormKind = "l2"
)

// BowVector is a sparse bag-of-words vector: a mapping from visual word id to
// a strictly positive weight. It is logically a sparse vector over the full
// word-id space (vocabulary size); absent keys have weight 0.
//
// Iteration order of the underlying map is irrelevant: every consumer in this
// package is a pure function of the (word, weight) set.
type BowVector map[WordID]float64

// AddWeight accumulates w onto the word's current weight. Used by
// term-frequency weighting modes where repeated observations of a word in one
// image compound.
func (v BowVector) AddWeight(id WordID, w float64) {
	v[id] += w
}

// AddIfNotExist sets the word's weight only on first observation. Used by
// IDF and binary weighting modes where repetition within an image carries no
// information.
func (v BowVector) AddIfNotExist(id WordID, w float64) {
	if _, ok := v[id]; !ok {
		v[id] = w
	}
}

// Normalize scales the vector in place so that its norm of the given kind is
// 1. A zero vector is left unchanged.
func (v BowVector) Normalize(kind NormKind) {
	var norm float64
	if kind == NormL1 {
		for _, w := range v {
			norm += math.Abs(w)
		}
	} else {
		for _, w := range v {
			norm += w * w
		}
		norm = math.Sqrt(norm)
	}
	if norm == 0 {
		return
	}
	for id, w := range v {
		v[id] = w / norm
	}
}

// Clone returns a deep copy of the vector.
func (v BowVector) Clone() BowVector {
	out := make(BowVector, len(v))
	for id, w := range v {
		out[id] = w
	}
	return out
}

// String renders the vector as "<word:weight, ...>" with words in ascending
// order, for logs and test failure messages.
func (v BowVector) String() string {
	ids := make([]WordID, 0, len(v))
	for id := range v {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var sb strings.Builder
	sb.WriteByte('<')
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.FormatUint(uint64(id), 10))
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatFloat(v[id], 'g', 6, 64))
	}
	sb.WriteByte('>')
	return sb.String()
}
