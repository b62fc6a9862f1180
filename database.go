package sembow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// ErrNilVocabulary is returned when a database is constructed without a
// vocabulary.
var ErrNilVocabulary = errors.New("database requires a vocabulary")

// ErrNoDirectIndex is returned by RetrieveFeatures when the database was
// constructed without the direct index.
var ErrNoDirectIndex = errors.New("direct index not enabled")

// ErrUnknownEntry is returned when an entry id does not name a stored image.
var ErrUnknownEntry = errors.New("unknown entry id")

// ErrUnknownLabelPolicy is returned for an unrecognized LabelPolicy.
var ErrUnknownLabelPolicy = errors.New("unknown label policy")

// EntryID identifies an indexed image. Ids are assigned sequentially
// starting at 0 in Add order.
type EntryID uint32

// Result is one ranked query answer: an indexed entry and its score under
// the vocabulary's scoring kind. For KLDivergence the score is a distance
// (larger = farther); for every other kind larger = more similar.
type Result struct {
	Entry EntryID
	Score float64
}

// LabelPolicy selects how the semantic classes attached to descriptors gate
// query results. All policies are deterministic.
type LabelPolicy string

const (
	// LabelOff ignores semantic classes entirely. The default.
	LabelOff LabelPolicy = "off"

	// LabelExclude gates at the word level: an inverted-list entry whose
	// stored dominant class disagrees with the query's dominant class for
	// that word contributes nothing to the candidate's score. Entries where
	// either side is unlabeled are never gated.
	LabelExclude LabelPolicy = "exclude"

	// LabelRescale gates at the score level: the aggregate score is scaled
	// by the label-agreement ratio (agreeing labeled word matches over all
	// labeled word matches; no labeled matches leaves the score untouched).
	// A candidate whose labeled matches all disagree is dropped.
	LabelRescale LabelPolicy = "rescale"
)

func validLabelPolicy(p LabelPolicy) bool {
	switch p {
	case LabelOff, LabelExclude, LabelRescale:
		return true
	}
	return false
}

// ifEntry is one inverted-list posting: "this entry contains this word with
// this weight". label is the dominant semantic class of the entry's
// descriptors that quantized to the word, UnlabeledClass when none carried a
// class.
type ifEntry struct {
	entry  EntryID
	weight float64
	label  int32
}

// entryRecord is the per-image store: the entry's bag-of-words vector, its
// feature vector when the direct index is enabled, and its dominant class
// per word (only words with a labeled dominant are present).
type entryRecord struct {
	vector     BowVector
	features   FeatureVector
	wordLabels map[WordID]int32
}

// Database is an inverted-file index over bag-of-words vectors with
// optional direct index and semantic-class filtering.
//
// For every indexed entry it stores the entry's vector (and feature vector
// when the direct index is enabled); for every visual word it keeps the
// ordered list of (entry, weight) postings plus a roaring bitmap of the
// entries containing the word. The posting weight is always identical to
// the weight in the entry's stored vector: both are fanned out from the
// same transform, and snapshot loading rebuilds the postings from the
// stored vectors, so the two views cannot diverge.
//
// The index is append-only: entries are never removed or replaced.
// Deployments that need deletion must rebuild the database.
//
// Thread-safety: guarded by a read-write mutex; concurrent queries proceed
// under the read lock while Add is exclusive.
type Database struct {
	voc *Vocabulary

	useDirectIndex    bool
	directIndexLevels int

	labelPolicy LabelPolicy
	registry    *LabelRegistry

	entries []entryRecord

	// invertedFile[w] lists the postings of word w ordered by ascending
	// entry id (Add appends at most once per word).
	invertedFile [][]ifEntry

	// wordEntries[w] is the set of entry ids containing word w, used to
	// intersect with query-time entry filters.
	wordEntries []*roaring.Bitmap

	mu sync.RWMutex
}

// NewDatabase creates an empty database over the given vocabulary.
//
// useDirectIndex enables per-entry feature vectors so RetrieveFeatures can
// hand descriptor indices to downstream geometric verification;
// directIndexLevels is how many levels above the leaves the recorded
// ancestor nodes sit. With the direct index disabled no feature vectors are
// stored at all.
//
// The default label policy is LabelOff; see SetLabelPolicy and
// SetLabelRegistry.
func NewDatabase(voc *Vocabulary, useDirectIndex bool, directIndexLevels int) (*Database, error) {
	if voc == nil {
		return nil, ErrNilVocabulary
	}
	if useDirectIndex && directIndexLevels < 0 {
		return nil, fmt.Errorf("direct index levels must be non-negative, got %d", directIndexLevels)
	}
	return &Database{
		voc:               voc,
		useDirectIndex:    useDirectIndex,
		directIndexLevels: directIndexLevels,
		labelPolicy:       LabelOff,
	}, nil
}

// Vocabulary returns the vocabulary the database quantizes with.
func (db *Database) Vocabulary() *Vocabulary {
	return db.voc
}

// UsingDirectIndex reports whether feature vectors are stored.
func (db *Database) UsingDirectIndex() bool {
	return db.useDirectIndex
}

// DirectIndexLevels returns the configured direct-index level offset.
func (db *Database) DirectIndexLevels() int {
	return db.directIndexLevels
}

// Size returns the number of indexed entries.
func (db *Database) Size() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.entries)
}

// SetLabelPolicy sets the database-wide semantic filtering policy applied
// when a query does not override it.
func (db *Database) SetLabelPolicy(p LabelPolicy) error {
	if !validLabelPolicy(p) {
		return fmt.Errorf("%w: %q", ErrUnknownLabelPolicy, p)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.labelPolicy = p
	return nil
}

// LabelPolicy returns the database-wide semantic filtering policy.
func (db *Database) LabelPolicy() LabelPolicy {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.labelPolicy
}

// SetLabelRegistry attaches an external class registry consulted for filter
// decisions. A nil registry is valid: decisions then compare class ids
// directly.
func (db *Database) SetLabelRegistry(reg *LabelRegistry) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.registry = reg
}

// Add indexes an image's descriptor set and returns its entry id.
//
// The descriptors are transformed through the vocabulary; the resulting
// vector is stored and fanned out into the inverted file, and the feature
// vector is stored when the direct index is enabled. Semantic classes on
// the descriptors are reduced to a dominant class per word for filtering.
//
// Add never partially mutates: a failed transform (untrained vocabulary,
// dimension mismatch) leaves the database unchanged.
func (db *Database) Add(descs []Descriptor) (EntryID, error) {
	nidLevel := -1
	if db.useDirectIndex {
		nidLevel = db.voc.nidLevel(db.directIndexLevels)
	}
	bv, fv, words, err := db.voc.transform(descs, nidLevel)
	if err != nil {
		return 0, err
	}
	wordLabels := dominantWordLabels(descs, words)

	db.mu.Lock()
	defer db.mu.Unlock()

	db.ensureWordCapacity(db.voc.Size())

	id := EntryID(len(db.entries))
	rec := entryRecord{vector: bv, wordLabels: wordLabels}
	if db.useDirectIndex {
		rec.features = fv
	}
	db.entries = append(db.entries, rec)
	db.fanOut(id, bv, wordLabels)
	return id, nil
}

// Query ranks the indexed entries by similarity to the given descriptor
// set, truncated to maxResults. maxResults <= 0 returns an empty list, not
// an error. Semantic filtering follows the database-wide policy; use
// NewSearch to override it per query.
func (db *Database) Query(descs []Descriptor, maxResults int) ([]Result, error) {
	return db.NewSearch().WithDescriptors(descs...).WithK(maxResults).Execute()
}

// RetrieveFeatures returns the ordered descriptor indices of an entry that
// fell under the given direct-index node. An entry that has no descriptors
// under the node yields an empty slice, not an error.
func (db *Database) RetrieveFeatures(entry EntryID, nodeID NodeID) ([]int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if !db.useDirectIndex {
		return nil, ErrNoDirectIndex
	}
	if int(entry) >= len(db.entries) {
		return nil, fmt.Errorf("%w: %d (database has %d entries)", ErrUnknownEntry, entry, len(db.entries))
	}
	return append([]int(nil), db.entries[entry].features[nodeID]...), nil
}

// Entry returns a copy of the stored bag-of-words vector of an entry.
func (db *Database) Entry(id EntryID) (BowVector, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if int(id) >= len(db.entries) {
		return nil, fmt.Errorf("%w: %d (database has %d entries)", ErrUnknownEntry, id, len(db.entries))
	}
	return db.entries[id].vector.Clone(), nil
}

// Clear removes every entry and posting. The vocabulary and configuration
// are kept.
func (db *Database) Clear() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.entries = nil
	db.invertedFile = nil
	db.wordEntries = nil
}

// ensureWordCapacity grows the inverted file to cover the vocabulary's
// current word count. Needed because a database may be constructed before
// its vocabulary is trained or loaded.
func (db *Database) ensureWordCapacity(words int) {
	for len(db.invertedFile) < words {
		db.invertedFile = append(db.invertedFile, nil)
		db.wordEntries = append(db.wordEntries, nil)
	}
}

// fanOut appends the entry's postings. Caller holds the write lock.
func (db *Database) fanOut(id EntryID, bv BowVector, wordLabels map[WordID]int32) {
	for word, weight := range bv {
		db.invertedFile[word] = append(db.invertedFile[word], ifEntry{
			entry:  id,
			weight: weight,
			label:  labelFor(wordLabels, word),
		})
		if db.wordEntries[word] == nil {
			db.wordEntries[word] = roaring.New()
		}
		db.wordEntries[word].Add(uint32(id))
	}
}

// labelFor looks up a word's dominant class, defaulting to UnlabeledClass.
func labelFor(wordLabels map[WordID]int32, word WordID) int32 {
	if l, ok := wordLabels[word]; ok {
		return l
	}
	return UnlabeledClass
}

// dominantWordLabels reduces per-descriptor semantic classes to a dominant
// class per visual word: the most frequent class among the labeled
// descriptors that quantized to the word, ties broken by the lowest class
// id. Words whose descriptors are all unlabeled are absent from the result.
func dominantWordLabels(descs []Descriptor, words []WordID) map[WordID]int32 {
	var counts map[WordID]map[int32]int
	for i, d := range descs {
		if !d.Labeled() {
			continue
		}
		if counts == nil {
			counts = make(map[WordID]map[int32]int)
		}
		c := counts[words[i]]
		if c == nil {
			c = make(map[int32]int)
			counts[words[i]] = c
		}
		c[d.Class]++
	}
	if counts == nil {
		return nil
	}

	out := make(map[WordID]int32, len(counts))
	for word, c := range counts {
		best := UnlabeledClass
		bestCount := 0
		for class, n := range c {
			if n > bestCount || (n == bestCount && class < best) {
				best = class
				bestCount = n
			}
		}
		out[word] = best
	}
	return out
}
