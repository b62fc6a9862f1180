package sembow

import (
	"errors"
	"math"
)

// ErrUnknownScoringKind is returned when an unknown scoring kind is provided
// to NewScorer or a vocabulary configuration.
var ErrUnknownScoringKind = errors.New("unknown scoring kind")

// ScoringKind selects the similarity (or distance) function applied to two
// sparse bag-of-words vectors. Different kinds have different normalization
// requirements and different numeric ranges:
//   - L1Norm, L2Norm, ChiSquare, Bhattacharyya: similarities in [0,1] for
//     properly normalized inputs, 1 = identical
//   - DotProduct: unbounded similarity, cheapest to accumulate sparsely
//   - KLDivergence: a DISTANCE - larger = farther, 0 = identical
type ScoringKind string

const (
	// L1Norm scores 1 - 0.5*Σ|v_i - w_i| over L1-normalized vectors.
	// Range [0,1]: 1 = identical, 0 = disjoint support.
	L1Norm ScoringKind = "l1_norm"

	// L2Norm scores 1 - sqrt(1 - Σ v_i*w_i) over L2-normalized vectors.
	// Equivalent to a transform of the Euclidean distance between unit
	// vectors. Range [0,1].
	L2Norm ScoringKind = "l2_norm"

	// ChiSquare scores 2*Σ v_i*w_i/(v_i+w_i) over L1-normalized vectors,
	// the similarity form of the chi-square test statistic. Range [0,1].
	ChiSquare ScoringKind = "chi_square"

	// KLDivergence scores Σ v_i*ln(v_i/w_i) over L1-normalized vectors.
	// This is a distance: larger = farther, 0 = identical. Zero-probability
	// terms follow the 0*ln(0/x) = 0 convention and w_i = 0 terms are
	// epsilon-guarded, so the result is always finite.
	KLDivergence ScoringKind = "kl_divergence"

	// Bhattacharyya scores Σ sqrt(v_i*w_i) over L1-normalized vectors.
	// Range [0,1]: 1 = identical distributions.
	Bhattacharyya ScoringKind = "bhattacharyya"

	// DotProduct scores Σ v_i*w_i over the shared keys only. No
	// normalization requirement and no finite upper bound; the natural
	// choice for raw TF or binary weighted vectors.
	DotProduct ScoringKind = "dot_product"
)

// logEps is ln(DBL_EPSILON), the guard value substituted for ln(w_i) when a
// KL term hits w_i = 0.
var logEps = math.Log(2.220446049250313e-16)

// Singleton instances of the scoring strategies. All are stateless and safe
// for concurrent use.
var (
	l1ScorerImpl            = l1Scorer{}
	l2ScorerImpl            = l2Scorer{}
	chiSquareScorerImpl     = chiSquareScorer{}
	klScorerImpl            = klScorer{}
	bhattacharyyaScorerImpl = bhattacharyyaScorer{}
	dotProductScorerImpl    = dotProductScorer{}
)

// Scorer computes a similarity (or distance) between two sparse bag-of-words
// vectors. Implementations are pure functions of the (word, weight) sets:
// missing keys count as weight 0 and map iteration order never affects the
// result.
type Scorer interface {
	// Score computes the metric over two vectors. Both-empty input returns
	// the metric's identical-vectors value (maximal similarity, or 0 for
	// KLDivergence) and is always finite.
	Score(v, w BowVector) float64

	// MustNormalize reports whether vectors must be pre-normalized before
	// scoring and with which norm. Vocabulary transforms consult this so
	// the vectors they produce are always valid scoring inputs.
	MustNormalize() (NormKind, bool)

	// HigherIsBetter reports whether larger scores mean more similar.
	// False only for native distances (KLDivergence).
	HigherIsBetter() bool

	// Kind returns the scoring kind implemented by this scorer.
	Kind() ScoringKind
}

// NewScorer returns the singleton Scorer for the given kind. The returned
// instances are stateless and safe for concurrent use. Returns
// ErrUnknownScoringKind for unrecognized kinds.
func NewScorer(kind ScoringKind) (Scorer, error) {
	switch kind {
	case L1Norm:
		return l1ScorerImpl, nil
	case L2Norm:
		return l2ScorerImpl, nil
	case ChiSquare:
		return chiSquareScorerImpl, nil
	case KLDivergence:
		return klScorerImpl, nil
	case Bhattacharyya:
		return bhattacharyyaScorerImpl, nil
	case DotProduct:
		return dotProductScorerImpl, nil
	default:
		return nil, ErrUnknownScoringKind
	}
}

// ---------------------------------------------------------------------------
// L1
// ---------------------------------------------------------------------------

type l1Scorer struct{}

// Score computes 1 - 0.5*Σ|v_i - w_i| using only the shared keys: for
// L1-normalized vectors the total reduces to -Σ_shared(|v_i-w_i| - v_i - w_i)/2,
// so words absent from either vector never need to be visited.
func (l1Scorer) Score(v, w BowVector) float64 {
	if len(v) == 0 && len(w) == 0 {
		return 1
	}
	var acc float64
	for id, vi := range v {
		wi, ok := w[id]
		if !ok {
			continue
		}
		acc += math.Abs(vi-wi) - math.Abs(vi) - math.Abs(wi)
	}
	return -acc / 2
}

func (l1Scorer) MustNormalize() (NormKind, bool) { return NormL1, true }
func (l1Scorer) HigherIsBetter() bool            { return true }
func (l1Scorer) Kind() ScoringKind               { return L1Norm }

// ---------------------------------------------------------------------------
// L2
// ---------------------------------------------------------------------------

type l2Scorer struct{}

// Score computes 1 - sqrt(1 - Σ v_i*w_i) for L2-normalized vectors, where
// Σ v_i*w_i over shared keys is the full dot product. The dot is clamped at 1
// so floating error on self-comparison cannot produce NaN.
func (l2Scorer) Score(v, w BowVector) float64 {
	if len(v) == 0 && len(w) == 0 {
		return 1
	}
	var dot float64
	for id, vi := range v {
		if wi, ok := w[id]; ok {
			dot += vi * wi
		}
	}
	if dot >= 1 {
		return 1
	}
	return 1 - math.Sqrt(1-dot)
}

func (l2Scorer) MustNormalize() (NormKind, bool) { return NormL2, true }
func (l2Scorer) HigherIsBetter() bool            { return true }
func (l2Scorer) Kind() ScoringKind               { return L2Norm }

// ---------------------------------------------------------------------------
// Chi-square
// ---------------------------------------------------------------------------

type chiSquareScorer struct{}

// Score computes 2*Σ v_i*w_i/(v_i+w_i) over shared keys, skipping terms
// where v_i + w_i = 0. Non-shared keys contribute nothing to the similarity
// form, so the sparse intersection is exact, not an approximation.
func (chiSquareScorer) Score(v, w BowVector) float64 {
	if len(v) == 0 && len(w) == 0 {
		return 1
	}
	var acc float64
	for id, vi := range v {
		wi, ok := w[id]
		if !ok {
			continue
		}
		if sum := vi + wi; sum != 0 {
			acc += vi * wi / sum
		}
	}
	return 2 * acc
}

func (chiSquareScorer) MustNormalize() (NormKind, bool) { return NormL1, true }
func (chiSquareScorer) HigherIsBetter() bool            { return true }
func (chiSquareScorer) Kind() ScoringKind               { return ChiSquare }

// ---------------------------------------------------------------------------
// KL divergence
// ---------------------------------------------------------------------------

type klScorer struct{}

// Score computes Σ v_i*ln(v_i/w_i) over the keys of v. Terms with w_i = 0
// substitute ln(DBL_EPSILON) for ln(w_i) instead of dividing by zero, and
// keys absent from v contribute 0 by the 0*ln(0/x) = 0 convention. The
// result is a divergence: 0 for identical vectors, growing as they diverge.
func (klScorer) Score(v, w BowVector) float64 {
	var acc float64
	for id, vi := range v {
		if vi <= 0 {
			continue
		}
		if wi, ok := w[id]; ok && wi > 0 {
			acc += vi * math.Log(vi/wi)
		} else {
			acc += vi * (math.Log(vi) - logEps)
		}
	}
	return acc
}

func (klScorer) MustNormalize() (NormKind, bool) { return NormL1, true }
func (klScorer) HigherIsBetter() bool            { return false }
func (klScorer) Kind() ScoringKind               { return KLDivergence }

// ---------------------------------------------------------------------------
// Bhattacharyya
// ---------------------------------------------------------------------------

type bhattacharyyaScorer struct{}

// Score computes the Bhattacharyya coefficient Σ sqrt(v_i*w_i) over shared
// keys.
func (bhattacharyyaScorer) Score(v, w BowVector) float64 {
	if len(v) == 0 && len(w) == 0 {
		return 1
	}
	var acc float64
	for id, vi := range v {
		if wi, ok := w[id]; ok {
			acc += math.Sqrt(vi * wi)
		}
	}
	return acc
}

func (bhattacharyyaScorer) MustNormalize() (NormKind, bool) { return NormL1, true }
func (bhattacharyyaScorer) HigherIsBetter() bool            { return true }
func (bhattacharyyaScorer) Kind() ScoringKind               { return Bhattacharyya }

// ---------------------------------------------------------------------------
// Dot product
// ---------------------------------------------------------------------------

type dotProductScorer struct{}

// Score computes Σ v_i*w_i over shared keys. Two empty vectors score 0 (the
// literal sum; the dot product has no finite maximum to return instead).
func (dotProductScorer) Score(v, w BowVector) float64 {
	var acc float64
	for id, vi := range v {
		if wi, ok := w[id]; ok {
			acc += vi * wi
		}
	}
	return acc
}

func (dotProductScorer) MustNormalize() (NormKind, bool) { return "", false }
func (dotProductScorer) HigherIsBetter() bool            { return true }
func (dotProductScorer) Kind() ScoringKind               { return DotProduct }
