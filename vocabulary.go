package sembow

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrInvalidConfiguration is returned when vocabulary parameters are out of
// range (k < 2, depth < 1, descriptor length < 1) or name an unknown
// weighting or scoring kind.
var ErrInvalidConfiguration = errors.New("invalid vocabulary configuration")

// ErrUntrainedVocabulary is returned when a transform or query is attempted
// against a vocabulary that was never trained or loaded. Scoring against an
// empty tree is a programmer error and fails fast instead of silently
// returning empty vectors.
var ErrUntrainedVocabulary = errors.New("vocabulary not trained or loaded")

// ErrUnknownWeightingKind is returned for an unrecognized WeightingKind.
var ErrUnknownWeightingKind = errors.New("unknown weighting kind")

// NodeID identifies a node in the vocabulary tree's arena. The root is
// always node 0.
type NodeID uint32

// WeightingKind selects how per-word weights are derived at training time
// and how term frequency is accumulated during a transform.
type WeightingKind string

const (
	// TFIDF weights each word occurrence by the word's corpus IDF and
	// accumulates per occurrence (term frequency times inverse document
	// frequency). This is the default for place recognition.
	TFIDF WeightingKind = "tf_idf"

	// TF weights each occurrence 1 and accumulates per occurrence.
	TF WeightingKind = "tf"

	// IDF weights a word by its corpus IDF, counted once per image.
	IDF WeightingKind = "idf"

	// BinaryWeighting weights a word 1, counted once per image.
	BinaryWeighting WeightingKind = "binary"
)

// validWeighting reports whether kind names a known weighting scheme.
func validWeighting(kind WeightingKind) bool {
	switch kind {
	case TFIDF, TF, IDF, BinaryWeighting:
		return true
	}
	return false
}

// node is one entry in the vocabulary tree arena. Nodes are addressed by
// dense NodeID instead of pointers, which avoids ownership cycles between
// parents and children and makes serialization a flat walk.
type node struct {
	parent     NodeID
	children   []NodeID
	descriptor Descriptor
	// weight is the word weight; meaningful for leaves only.
	weight float64
	// word is the dense word id; meaningful for leaves only.
	word WordID
}

func (n *node) isLeaf() bool {
	return len(n.children) == 0
}

// Vocabulary is a hierarchical tree of binary descriptor centroids that
// quantizes descriptors into visual words.
//
// The tree is built by recursive k-majority clustering of a training corpus
// (Create) or loaded from a persisted file. Each leaf is a visual word with a
// dense word id and a corpus-derived weight. Lookup walks root to leaf
// choosing the child of minimum Hamming distance at every level, so a
// transform costs O(depth × k) per descriptor.
//
// Thread-safety: guarded by a read-write mutex. Once built or loaded the
// vocabulary is read-mostly; any number of concurrent transforms may proceed,
// while Create and the load operations are exclusive.
type Vocabulary struct {
	// k is the branching factor of the tree.
	k int

	// depth is the maximum number of levels below the root.
	depth int

	weighting WeightingKind
	scoring   ScoringKind

	// descLen is the configured descriptor length in bytes, validated on
	// every descriptor ingestion rather than compiled in.
	descLen int

	// scorer is the stateless scoring strategy matching the scoring kind.
	scorer Scorer

	// nodes is the tree arena; nodes[0] is the root. Empty until trained
	// or loaded.
	nodes []node

	// words maps a word id to its leaf node id.
	words []NodeID

	mu sync.RWMutex
}

// NewVocabulary creates an empty vocabulary with the given branching factor
// k, tree depth, weighting and scoring kinds, and descriptor length in
// bytes. The vocabulary must be trained with Create or loaded from a file
// before it can transform descriptors.
//
// A k=10, depth=5 vocabulary (up to 100,000 words) over 32-byte ORB
// descriptors is a typical configuration:
//
//	voc, err := sembow.NewVocabulary(10, 5, sembow.TFIDF, sembow.L1Norm, sembow.DefaultDescriptorBytes)
//
// Returns an error wrapping ErrInvalidConfiguration if k < 2, depth < 1,
// descriptorLen < 1, or the weighting/scoring kind is unknown.
func NewVocabulary(k, depth int, weighting WeightingKind, scoring ScoringKind, descriptorLen int) (*Vocabulary, error) {
	if k < 2 {
		return nil, fmt.Errorf("%w: branching factor k must be at least 2, got %d", ErrInvalidConfiguration, k)
	}
	if depth < 1 {
		return nil, fmt.Errorf("%w: depth must be at least 1, got %d", ErrInvalidConfiguration, depth)
	}
	if descriptorLen < 1 {
		return nil, fmt.Errorf("%w: descriptor length must be at least 1 byte, got %d", ErrInvalidConfiguration, descriptorLen)
	}
	if !validWeighting(weighting) {
		return nil, fmt.Errorf("%w: %q: %s", ErrInvalidConfiguration, weighting, ErrUnknownWeightingKind)
	}
	scorer, err := NewScorer(scoring)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %s", ErrInvalidConfiguration, scoring, err)
	}

	return &Vocabulary{
		k:         k,
		depth:     depth,
		weighting: weighting,
		scoring:   scoring,
		descLen:   descriptorLen,
		scorer:    scorer,
	}, nil
}

// K returns the branching factor of the tree.
func (v *Vocabulary) K() int { return v.k }

// Depth returns the configured tree depth.
func (v *Vocabulary) Depth() int { return v.depth }

// Weighting returns the weighting kind used by this vocabulary.
func (v *Vocabulary) Weighting() WeightingKind { return v.weighting }

// Scoring returns the scoring kind used by this vocabulary.
func (v *Vocabulary) Scoring() ScoringKind { return v.scoring }

// DescriptorLength returns the configured descriptor length in bytes.
func (v *Vocabulary) DescriptorLength() int { return v.descLen }

// Size returns the number of visual words (leaves) in the vocabulary.
func (v *Vocabulary) Size() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.words)
}

// Empty returns true if the vocabulary has not been trained or loaded.
func (v *Vocabulary) Empty() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.nodes) == 0
}

// Score computes the vocabulary's configured metric over two bag-of-words
// vectors. Both vectors must have been produced under this vocabulary's
// weighting for the documented score ranges to hold.
func (v *Vocabulary) Score(a, b BowVector) float64 {
	return v.scorer.Score(a, b)
}

// Scorer returns the stateless scoring strategy configured for this
// vocabulary.
func (v *Vocabulary) Scorer() Scorer {
	return v.scorer
}

// WordWeight returns the weight of the given word.
func (v *Vocabulary) WordWeight(id WordID) (float64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if int(id) >= len(v.words) {
		return 0, fmt.Errorf("word %d out of range (vocabulary has %d words)", id, len(v.words))
	}
	return v.nodes[v.words[id]].weight, nil
}

// WordDescriptor returns the centroid descriptor of the given word's leaf.
func (v *Vocabulary) WordDescriptor(id WordID) (Descriptor, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if int(id) >= len(v.words) {
		return Descriptor{}, fmt.Errorf("word %d out of range (vocabulary has %d words)", id, len(v.words))
	}
	return v.nodes[v.words[id]].descriptor, nil
}

// ---------------------------------------------------------------------------
// Training
// ---------------------------------------------------------------------------

// Create builds the vocabulary tree from a training corpus of per-image
// descriptor sets, replacing any previous tree wholesale.
//
// The descriptors of all images are pooled and recursively partitioned into
// k clusters by k-majority clustering down to the configured depth. A
// partition that cannot be split further (a single descriptor) becomes a
// leaf early. Node ids follow creation order (a parent's k children first,
// then each child's subtree), and word ids are assigned densely over leaves
// in node-id order, so construction is fully reproducible for identical
// input order.
//
// After the topology is fixed, word weights are computed from the corpus:
// TF-IDF and IDF weight word i as ln(N/N_i) with N the number of training
// images and N_i the number of images containing word i (0 when a word was
// never observed); TF and binary weighting assign every word weight 1.
func (v *Vocabulary) Create(corpus [][]Descriptor) error {
	var pool []Descriptor
	for imgIdx, image := range corpus {
		for descIdx, d := range image {
			if len(d.Bits) != v.descLen {
				return fmt.Errorf("%w: image %d descriptor %d has %d bytes, vocabulary configured for %d",
					ErrDimensionMismatch, imgIdx, descIdx, len(d.Bits), v.descLen)
			}
			pool = append(pool, d)
		}
	}
	if len(pool) == 0 {
		return fmt.Errorf("create vocabulary: training corpus contains no descriptors")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Fresh arena: retraining replaces the previous tree wholesale.
	v.nodes = []node{{parent: 0}}
	v.words = nil

	v.buildSubtree(0, pool, 1)
	v.assignWords()
	v.setNodeWeights(corpus)
	return nil
}

// buildSubtree partitions descs into up to k clusters, creates one child of
// parent per cluster (in cluster-creation order), and recurses. level is the
// depth of the children being created.
func (v *Vocabulary) buildSubtree(parent NodeID, descs []Descriptor, level int) {
	if len(descs) == 0 {
		return
	}

	var centroids []Descriptor
	var groups [][]Descriptor
	if len(descs) <= v.k {
		// Too few descriptors to cluster: each becomes its own child.
		centroids = make([]Descriptor, len(descs))
		groups = make([][]Descriptor, len(descs))
		for i, d := range descs {
			centroids[i] = NewDescriptor(append([]byte(nil), d.Bits...))
			groups[i] = descs[i : i+1]
		}
	} else {
		var assignment []int
		centroids, assignment = KMajority(descs, v.k, DefaultMaxIter)
		groups = make([][]Descriptor, len(centroids))
		for descIdx, clusterIdx := range assignment {
			groups[clusterIdx] = append(groups[clusterIdx], descs[descIdx])
		}
	}

	// Create all children of this node first, then descend. Node ids are
	// therefore dense and reproducible for identical input order.
	childIDs := make([]NodeID, 0, len(centroids))
	for clusterIdx, centroid := range centroids {
		if len(groups[clusterIdx]) == 0 {
			// k-majority can leave a cluster empty; no node for it.
			continue
		}
		id := NodeID(len(v.nodes))
		v.nodes = append(v.nodes, node{parent: parent, descriptor: centroid})
		v.nodes[parent].children = append(v.nodes[parent].children, id)
		childIDs = append(childIDs, id)
	}

	if level >= v.depth {
		return
	}
	groupIdx := 0
	for clusterIdx := range groups {
		if len(groups[clusterIdx]) == 0 {
			continue
		}
		// A single descriptor cannot be split further: early leaf.
		if len(groups[clusterIdx]) > 1 {
			v.buildSubtree(childIDs[groupIdx], groups[clusterIdx], level+1)
		}
		groupIdx++
	}
}

// assignWords gives every leaf a dense word id, walking the arena in node-id
// order.
func (v *Vocabulary) assignWords() {
	for id := range v.nodes {
		if v.nodes[id].isLeaf() {
			v.nodes[id].word = WordID(len(v.words))
			v.words = append(v.words, NodeID(id))
		}
	}
}

// setNodeWeights fills in leaf weights from the training corpus according to
// the weighting kind.
func (v *Vocabulary) setNodeWeights(corpus [][]Descriptor) {
	switch v.weighting {
	case TF, BinaryWeighting:
		for _, nid := range v.words {
			v.nodes[nid].weight = 1
		}
	case TFIDF, IDF:
		// N_i = number of training images containing word i.
		counts := make([]int, len(v.words))
		for _, image := range corpus {
			seen := make(map[WordID]struct{}, len(image))
			for _, d := range image {
				word, _, _ := v.quantize(d.Bits, -1)
				if _, ok := seen[word]; !ok {
					seen[word] = struct{}{}
					counts[word]++
				}
			}
		}
		n := float64(len(corpus))
		for word, nid := range v.words {
			// A word never observed at training time keeps weight 0;
			// ln(N/0) would be infinite.
			if counts[word] > 0 {
				v.nodes[nid].weight = math.Log(n / float64(counts[word]))
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

// quantize walks the tree from root to leaf for one descriptor, choosing at
// each level the child of minimum Hamming distance (ties to the lowest child
// index). It returns the leaf's word id and weight and, when nidLevel >= 0,
// the ancestor node at that level. If the walk ends on an early leaf above
// nidLevel, the leaf itself is recorded.
//
// Callers must hold at least a read lock and have validated that the
// vocabulary is non-empty and the descriptor length matches.
func (v *Vocabulary) quantize(bits []byte, nidLevel int) (WordID, float64, NodeID) {
	cur := NodeID(0)
	levelNode := NodeID(0)
	level := 0
	for !v.nodes[cur].isLeaf() {
		children := v.nodes[cur].children
		best := children[0]
		bestDist := hamming(bits, v.nodes[best].descriptor.Bits)
		for _, c := range children[1:] {
			if d := hamming(bits, v.nodes[c].descriptor.Bits); d < bestDist {
				bestDist = d
				best = c
			}
		}
		cur = best
		level++
		if nidLevel >= 0 && level == nidLevel {
			levelNode = cur
		}
	}
	if nidLevel > level {
		levelNode = cur
	}
	n := &v.nodes[cur]
	return n.word, n.weight, levelNode
}

// checkTransform validates the common transform preconditions.
func (v *Vocabulary) checkTransform(descs []Descriptor) error {
	if len(v.nodes) == 0 {
		return ErrUntrainedVocabulary
	}
	for i, d := range descs {
		if len(d.Bits) != v.descLen {
			return fmt.Errorf("%w: descriptor %d has %d bytes, vocabulary configured for %d",
				ErrDimensionMismatch, i, len(d.Bits), v.descLen)
		}
	}
	return nil
}

// WordID quantizes a single descriptor to its visual word. Repeated calls
// with the same descriptor against an unchanged tree return the same word.
func (v *Vocabulary) WordID(d Descriptor) (WordID, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.checkTransform([]Descriptor{d}); err != nil {
		return 0, err
	}
	word, _, _ := v.quantize(d.Bits, -1)
	return word, nil
}

// Transform converts an image's descriptor set into a sparse bag-of-words
// vector.
//
// Each descriptor is quantized to its word; TF-style weighting accumulates
// per occurrence while IDF/binary weighting counts a word once per image.
// Words whose weight works out to zero (IDF 0) are omitted, and the vector
// is normalized with the norm required by the configured scoring kind, so
// the result is always a valid scoring input.
func (v *Vocabulary) Transform(descs []Descriptor) (BowVector, error) {
	bv, _, _, err := v.transform(descs, -1)
	return bv, err
}

// TransformWithFeatures is Transform plus the direct-index side: it also
// returns a feature vector recording, per ancestor node levelsUp levels
// above the leaves, which descriptor indices fell under that node.
// levelsUp >= depth records everything under the root.
func (v *Vocabulary) TransformWithFeatures(descs []Descriptor, levelsUp int) (BowVector, FeatureVector, error) {
	bv, fv, _, err := v.transform(descs, v.nidLevel(levelsUp))
	return bv, fv, err
}

// nidLevel converts a levels-above-the-leaves count into an absolute tree
// level, clamped to the root.
func (v *Vocabulary) nidLevel(levelsUp int) int {
	l := v.depth - levelsUp
	if l < 0 {
		l = 0
	}
	return l
}

// transform is the shared implementation behind the exported transforms and
// the database's add/query paths. It always reports the per-descriptor word
// ids; the feature vector is built only when nidLevel >= 0.
func (v *Vocabulary) transform(descs []Descriptor, nidLevel int) (BowVector, FeatureVector, []WordID, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.checkTransform(descs); err != nil {
		return nil, nil, nil, err
	}

	bv := make(BowVector)
	words := make([]WordID, len(descs))
	var fv FeatureVector
	if nidLevel >= 0 {
		fv = make(FeatureVector)
	}

	perOccurrence := v.weighting == TFIDF || v.weighting == TF
	for idx, d := range descs {
		word, weight, levelNode := v.quantize(d.Bits, nidLevel)
		words[idx] = word
		if weight > 0 {
			if perOccurrence {
				bv.AddWeight(word, weight)
			} else {
				bv.AddIfNotExist(word, weight)
			}
		}
		if fv != nil {
			fv.Append(levelNode, idx)
		}
	}

	if norm, must := v.scorer.MustNormalize(); must {
		bv.Normalize(norm)
	}
	return bv, fv, words, nil
}
