package sembow

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// ErrMalformedSnapshot is returned when loading encounters corrupt,
// truncated, or schema-mismatched database data.
var ErrMalformedSnapshot = errors.New("malformed database snapshot")

// dbMagic identifies the binary database snapshot format.
var dbMagic = [4]byte{'S', 'B', 'O', 'W'}

// dbFormatVersion is the current snapshot format version.
const dbFormatVersion = uint32(1)

// WriteTo serializes the database (vocabulary included) at full weight
// precision. Equivalent to WriteSnapshot with FullWeights.
func (db *Database) WriteTo(w io.Writer) (int64, error) {
	return db.WriteSnapshot(w, FullWeights)
}

// WriteSnapshot serializes the database to an io.Writer.
//
// The snapshot format is:
//  1. Magic number (4 bytes) - "SBOW"
//  2. Version (4 bytes)
//  3. Weight precision string (length-prefixed)
//  4. Direct index flag (1 byte) + direct index levels (4 bytes)
//  5. Label policy string (length-prefixed)
//  6. The embedded vocabulary (its own "SVOC" block)
//  7. Entry count, then per entry:
//     - vector: word count, then (word id, weight) pairs in ascending
//     word order, weights encoded by the chosen quantizer
//     - feature vector presence flag; if present, (node id, index list)
//     groups in ascending node order
//     - dominant class per word: count, then (word id, class) pairs
//
// The inverted file is not written: it is rebuilt from the stored entry
// vectors on load, which restores the vector/posting weight invariant by
// construction even under lossy HalfWeights compaction.
//
// HalfWeights quarters the weight payload but is lossy; use it for large
// deployments where snapshot size matters more than the last digits of a
// score. The label registry is an external collaborator and is never part
// of a snapshot; re-attach it after loading.
func (db *Database) WriteSnapshot(w io.Writer, precision WeightPrecision) (int64, error) {
	quantizer, err := NewWeightQuantizer(precision)
	if err != nil {
		return 0, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	bw := newBinWriter(w)

	bw.bytes(dbMagic[:])
	bw.u32(dbFormatVersion)
	bw.str(string(precision))
	if db.useDirectIndex {
		bw.u8(1)
	} else {
		bw.u8(0)
	}
	bw.u32(uint32(db.directIndexLevels))
	bw.str(string(db.labelPolicy))
	if bw.err != nil {
		return bw.n, fmt.Errorf("failed to write snapshot header: %w", bw.err)
	}

	vn, err := db.voc.WriteTo(w)
	bw.n += vn
	if err != nil {
		return bw.n, fmt.Errorf("failed to write embedded vocabulary: %w", err)
	}

	bw.u32(uint32(len(db.entries)))
	for id := range db.entries {
		rec := &db.entries[id]

		// Vector, ascending word order for reproducible snapshots.
		wordIDs := sortedWords(rec.vector)
		bw.u32(uint32(len(wordIDs)))
		for _, word := range wordIDs {
			bw.u32(uint32(word))
			if bw.err == nil {
				n, err := quantizer.WriteWeight(w, rec.vector[word])
				bw.n += int64(n)
				bw.err = err
			}
		}

		// Feature vector.
		if rec.features == nil {
			bw.u8(0)
		} else {
			bw.u8(1)
			nodeIDs := make([]NodeID, 0, len(rec.features))
			for nid := range rec.features {
				nodeIDs = append(nodeIDs, nid)
			}
			sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })
			bw.u32(uint32(len(nodeIDs)))
			for _, nid := range nodeIDs {
				bw.u32(uint32(nid))
				bw.u32(uint32(len(rec.features[nid])))
				for _, idx := range rec.features[nid] {
					bw.u32(uint32(idx))
				}
			}
		}

		// Dominant classes.
		labelWords := make([]WordID, 0, len(rec.wordLabels))
		for word := range rec.wordLabels {
			labelWords = append(labelWords, word)
		}
		sort.Slice(labelWords, func(i, j int) bool { return labelWords[i] < labelWords[j] })
		bw.u32(uint32(len(labelWords)))
		for _, word := range labelWords {
			bw.u32(uint32(word))
			bw.i32(rec.wordLabels[word])
		}

		if bw.err != nil {
			return bw.n, fmt.Errorf("failed to write entry %d: %w", id, bw.err)
		}
	}

	return bw.n, bw.err
}

// ReadFrom deserializes a snapshot created by WriteSnapshot, replacing the
// database's entire state including its vocabulary. The replacement happens
// only after the whole stream parses; a corrupt stream leaves the receiver
// unchanged. The label registry is not part of snapshots and is carried
// over from the receiver.
func (db *Database) ReadFrom(r io.Reader) (int64, error) {
	br := newBinReader(r)

	var magic [4]byte
	br.bytes(magic[:])
	if br.err != nil {
		return br.n, fmt.Errorf("failed to read magic number: %w", br.err)
	}
	if magic != dbMagic {
		return br.n, fmt.Errorf("%w: bad magic number %q", ErrMalformedSnapshot, magic)
	}
	if v := br.u32(); br.err == nil && v != dbFormatVersion {
		return br.n, fmt.Errorf("%w: unsupported version %d", ErrMalformedSnapshot, v)
	}

	precision := WeightPrecision(br.str(64))
	if br.err != nil {
		return br.n, fmt.Errorf("failed to read snapshot header: %w", br.err)
	}
	quantizer, err := NewWeightQuantizer(precision)
	if err != nil {
		return br.n, fmt.Errorf("%w: %s %q", ErrMalformedSnapshot, err, precision)
	}

	useDirectIndex := br.u8() == 1
	directIndexLevels := int(br.u32())
	policy := LabelPolicy(br.str(64))
	if br.err != nil {
		return br.n, fmt.Errorf("failed to read snapshot header: %w", br.err)
	}
	if !validLabelPolicy(policy) {
		return br.n, fmt.Errorf("%w: %s %q", ErrMalformedSnapshot, ErrUnknownLabelPolicy, policy)
	}

	voc := &Vocabulary{}
	vn, err := voc.ReadFrom(r)
	br.n += vn
	if err != nil {
		return br.n, fmt.Errorf("failed to read embedded vocabulary: %w", err)
	}

	loaded, err := NewDatabase(voc, useDirectIndex, directIndexLevels)
	if err != nil {
		return br.n, fmt.Errorf("%w: %s", ErrMalformedSnapshot, err)
	}
	loaded.labelPolicy = policy

	entryCount := br.u32()
	if br.err != nil {
		return br.n, fmt.Errorf("failed to read entry count: %w", br.err)
	}
	wordCount := voc.Size()
	loaded.ensureWordCapacity(wordCount)

	for id := uint32(0); id < entryCount; id++ {
		rec := entryRecord{vector: make(BowVector)}

		vecLen := br.u32()
		for i := uint32(0); i < vecLen && br.err == nil; i++ {
			word := br.u32()
			if int(word) >= wordCount {
				return br.n, fmt.Errorf("%w: entry %d references word %d beyond vocabulary size %d",
					ErrMalformedSnapshot, id, word, wordCount)
			}
			weight, n, err := quantizer.ReadWeight(r)
			br.n += int64(n)
			if err != nil {
				br.err = err
				break
			}
			rec.vector[WordID(word)] = weight
		}

		if br.u8() == 1 {
			rec.features = make(FeatureVector)
			nodeCount := br.u32()
			for i := uint32(0); i < nodeCount && br.err == nil; i++ {
				nid := NodeID(br.u32())
				idxCount := br.u32()
				idxs := make([]int, 0, preallocHint(idxCount))
				for j := uint32(0); j < idxCount && br.err == nil; j++ {
					idxs = append(idxs, int(br.u32()))
				}
				rec.features[nid] = idxs
			}
		}

		labelCount := br.u32()
		for i := uint32(0); i < labelCount && br.err == nil; i++ {
			word := WordID(br.u32())
			class := br.i32()
			if rec.wordLabels == nil {
				rec.wordLabels = make(map[WordID]int32, preallocHint(labelCount))
			}
			rec.wordLabels[word] = class
		}

		if br.err != nil {
			return br.n, fmt.Errorf("failed to read entry %d: %w", id, br.err)
		}

		// Rebuild the postings from the stored vector so vector and
		// inverted file agree even under lossy weight compaction.
		loaded.entries = append(loaded.entries, rec)
		loaded.fanOut(EntryID(id), rec.vector, rec.wordLabels)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.voc = loaded.voc
	db.useDirectIndex = loaded.useDirectIndex
	db.directIndexLevels = loaded.directIndexLevels
	db.labelPolicy = loaded.labelPolicy
	db.entries = loaded.entries
	db.invertedFile = loaded.invertedFile
	db.wordEntries = loaded.wordEntries
	return br.n, nil
}

// SaveFile persists a snapshot to a file at the given weight precision.
func (db *Database) SaveFile(path string, precision WeightPrecision) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer f.Close()
	if _, err := db.WriteSnapshot(f, precision); err != nil {
		return err
	}
	return f.Close()
}

// LoadDatabaseFile loads a database snapshot persisted by SaveFile.
// Re-attach the label registry afterwards if semantic filtering is used;
// registries are external and never serialized.
func LoadDatabaseFile(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer f.Close()

	db := &Database{}
	if _, err := db.ReadFrom(f); err != nil {
		return nil, err
	}
	return db, nil
}

// sortedWords returns a vector's word ids in ascending order.
func sortedWords(v BowVector) []WordID {
	out := make([]WordID, 0, len(v))
	for word := range v {
		out = append(out, word)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
