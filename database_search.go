package sembow

import (
	"fmt"
	"math"
	"sort"
)

// DatabaseSearch is a builder for configuring and executing one database
// query. Obtain one from Database.NewSearch, chain the With* methods and
// call Execute:
//
//	results, err := db.NewSearch().
//	    WithDescriptors(descs...).
//	    WithK(5).
//	    WithLabelPolicy(sembow.LabelExclude).
//	    Execute()
//
// The builder is not safe for concurrent use; the query it executes is.
type DatabaseSearch struct {
	db          *Database
	descriptors []Descriptor
	vector      BowVector
	k           int
	filter      *EntryFilter
	policy      LabelPolicy
	policySet   bool
}

// NewSearch creates a new search builder for this database with k = 10 and
// the database-wide label policy.
func (db *Database) NewSearch() *DatabaseSearch {
	return &DatabaseSearch{db: db, k: 10}
}

// WithDescriptors sets the query image's descriptor set. The descriptors
// are transformed through the vocabulary and their semantic classes drive
// label filtering.
func (s *DatabaseSearch) WithDescriptors(descs ...Descriptor) *DatabaseSearch {
	s.descriptors = descs
	return s
}

// WithVector queries with a pre-transformed bag-of-words vector instead of
// raw descriptors. Label policies other than LabelOff need per-descriptor
// classes and therefore reject vector queries.
func (s *DatabaseSearch) WithVector(v BowVector) *DatabaseSearch {
	s.vector = v
	return s
}

// WithK sets the maximum number of results. k <= 0 yields an empty result
// list. Defaults to 10.
func (s *DatabaseSearch) WithK(k int) *DatabaseSearch {
	s.k = k
	return s
}

// WithFilter restricts the query to an allowlist of entry ids. A nil filter
// means no restriction.
func (s *DatabaseSearch) WithFilter(f *EntryFilter) *DatabaseSearch {
	s.filter = f
	return s
}

// WithLabelPolicy overrides the database-wide semantic filtering policy for
// this query only.
func (s *DatabaseSearch) WithLabelPolicy(p LabelPolicy) *DatabaseSearch {
	s.policy = p
	s.policySet = true
	return s
}

// Execute runs the query and returns results sorted best-first: descending
// score for similarity metrics, ascending for KLDivergence, ties broken by
// the lower entry id.
//
// Only the inverted lists of words present in the query vector are walked,
// so the cost is proportional to the query's shared support with the index,
// not to the corpus size.
func (s *DatabaseSearch) Execute() ([]Result, error) {
	if len(s.descriptors) == 0 && s.vector == nil {
		return nil, fmt.Errorf("must specify either descriptors or a query vector")
	}
	if len(s.descriptors) > 0 && s.vector != nil {
		return nil, fmt.Errorf("specify descriptors or a query vector, not both")
	}

	policy := s.db.LabelPolicy()
	if s.policySet {
		if !validLabelPolicy(s.policy) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLabelPolicy, s.policy)
		}
		policy = s.policy
	}

	var qv BowVector
	var qLabels map[WordID]int32
	if len(s.descriptors) > 0 {
		var words []WordID
		var err error
		qv, _, words, err = s.db.voc.transform(s.descriptors, -1)
		if err != nil {
			return nil, err
		}
		qLabels = dominantWordLabels(s.descriptors, words)
	} else {
		if s.db.voc.Empty() {
			return nil, ErrUntrainedVocabulary
		}
		if policy != LabelOff {
			return nil, fmt.Errorf("label policy %q requires a descriptor query, not a pre-transformed vector", policy)
		}
		qv = s.vector
	}

	results := s.db.accumulate(qv, qLabels, s.filter, policy)
	return limitResults(results, s.k), nil
}

// accumulator collects one candidate entry's partial score and its label
// agreement bookkeeping.
type accumulator struct {
	score   float64
	labeled int
	agreed  int
}

// accumulate walks the inverted lists of the query's words and builds the
// sorted candidate ranking. Each scoring kind has its own accumulation
// identity so that only shared words are ever visited:
//
//	L1:   Σ(|q-d| - |q| - |d|) over shared words; score = -Σ/2
//	L2:   Σ(-q·d); score = 1 - sqrt(1 + Σ), clamped at 1
//	χ²:   Σ q·d/(q+d); score = 2Σ
//	KL:   per shared word q·ln(q/d) - q·(ln q - ln ε), plus the query's
//	      total guarded self term; a distance, sorted ascending
//	Bhat: Σ sqrt(q·d)
//	Dot:  Σ q·d
//
// For L1-/L2-normalized stored and query vectors these reproduce the exact
// pairwise Scorer results over the candidates that share support with the
// query.
func (db *Database) accumulate(qv BowVector, qLabels map[WordID]int32, filter *EntryFilter, policy LabelPolicy) []Result {
	db.mu.RLock()
	defer db.mu.RUnlock()

	kind := db.voc.Scoring()
	higher := db.voc.Scorer().HigherIsBetter()

	// KL accumulates relative to the query's total guarded self-entropy.
	var klTotal float64
	if kind == KLDivergence {
		for _, qw := range qv {
			if qw > 0 {
				klTotal += qw * (math.Log(qw) - logEps)
			}
		}
	}

	acc := make(map[EntryID]*accumulator)
	for word, qw := range qv {
		if int(word) >= len(db.invertedFile) {
			continue
		}
		if !filter.intersects(db.wordEntries[word]) {
			continue
		}
		qLabel := labelFor(qLabels, word)
		for i := range db.invertedFile[word] {
			e := &db.invertedFile[word][i]
			if filter.ShouldSkip(e.entry) {
				continue
			}
			decision := db.registry.Decision(qLabel, e.label)
			if policy == LabelExclude && decision == LabelDisagree {
				continue
			}
			a := acc[e.entry]
			if a == nil {
				a = &accumulator{}
				acc[e.entry] = a
			}
			if policy == LabelRescale && decision != LabelNeutral {
				a.labeled++
				if decision == LabelAgree {
					a.agreed++
				}
			}
			switch kind {
			case L1Norm:
				a.score += math.Abs(qw-e.weight) - math.Abs(qw) - math.Abs(e.weight)
			case L2Norm:
				a.score -= qw * e.weight
			case ChiSquare:
				if sum := qw + e.weight; sum != 0 {
					a.score += qw * e.weight / sum
				}
			case KLDivergence:
				if qw > 0 && e.weight > 0 {
					a.score += qw*math.Log(qw/e.weight) - qw*(math.Log(qw)-logEps)
				}
			case Bhattacharyya:
				a.score += math.Sqrt(qw * e.weight)
			case DotProduct:
				a.score += qw * e.weight
			}
		}
	}

	results := make([]Result, 0, len(acc))
	for id, a := range acc {
		score := a.score
		switch kind {
		case L1Norm:
			score = -score / 2
		case L2Norm:
			if dot := -score; dot >= 1 {
				score = 1
			} else {
				score = 1 - math.Sqrt(1-dot)
			}
		case ChiSquare:
			score = 2 * score
		case KLDivergence:
			score += klTotal
		}

		if policy == LabelRescale && a.labeled > 0 {
			ratio := float64(a.agreed) / float64(a.labeled)
			if ratio == 0 {
				// Every labeled match disagreed: drop the candidate.
				continue
			}
			if higher {
				score *= ratio
			} else {
				score /= ratio
			}
		}
		results = append(results, Result{Entry: id, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			if higher {
				return results[i].Score > results[j].Score
			}
			return results[i].Score < results[j].Score
		}
		return results[i].Entry < results[j].Entry
	})
	return results
}
