package sembow

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"testing"
)

// snapshotDatabase builds a database exercising every serialized field:
// direct index, labeled entries, and a non-default policy.
func snapshotDatabase(t *testing.T) (*Database, [][]Descriptor) {
	t.Helper()
	voc, corpus := trainedVocabulary(t, TFIDF, L1Norm)
	db, err := NewDatabase(voc, true, 1)
	if err != nil {
		t.Fatalf("NewDatabase unexpected error: %v", err)
	}
	if err := db.SetLabelPolicy(LabelRescale); err != nil {
		t.Fatal(err)
	}
	for img, descs := range corpus {
		if _, err := db.Add(labeledAs(descs, int32(img))); err != nil {
			t.Fatalf("Add unexpected error: %v", err)
		}
	}
	return db, corpus
}

// checkPostingInvariant asserts that every inverted-list posting weight is
// identical to the weight in the owning entry's stored vector.
func checkPostingInvariant(t *testing.T, db *Database) {
	t.Helper()
	for word, postings := range db.invertedFile {
		for _, p := range postings {
			stored := db.entries[p.entry].vector[WordID(word)]
			if stored != p.weight {
				t.Fatalf("word %d entry %d: posting weight %g, vector weight %g", word, p.entry, p.weight, stored)
			}
		}
	}
}

func TestDatabaseSnapshotRoundTrip(t *testing.T) {
	db, corpus := snapshotDatabase(t)

	var buf bytes.Buffer
	n, err := db.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo unexpected error: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Errorf("WriteTo reported %d bytes, buffer holds %d", n, buf.Len())
	}

	loaded := &Database{}
	if _, err := loaded.ReadFrom(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("ReadFrom unexpected error: %v", err)
	}

	if loaded.Size() != db.Size() {
		t.Fatalf("loaded %d entries, expected %d", loaded.Size(), db.Size())
	}
	if !loaded.UsingDirectIndex() || loaded.DirectIndexLevels() != db.DirectIndexLevels() {
		t.Error("direct index configuration lost in round-trip")
	}
	if loaded.LabelPolicy() != LabelRescale {
		t.Errorf("label policy = %q, expected %q", loaded.LabelPolicy(), LabelRescale)
	}
	if loaded.Vocabulary().Size() != db.Vocabulary().Size() {
		t.Error("embedded vocabulary lost words in round-trip")
	}

	// Stored vectors, features and labels must survive exactly.
	for id := range db.entries {
		want := db.entries[id]
		got := loaded.entries[id]
		if len(got.vector) != len(want.vector) {
			t.Fatalf("entry %d vector size %d, expected %d", id, len(got.vector), len(want.vector))
		}
		for word, w := range want.vector {
			if got.vector[word] != w {
				t.Errorf("entry %d word %d weight %g, expected %g", id, word, got.vector[word], w)
			}
		}
		if len(got.features) != len(want.features) {
			t.Errorf("entry %d features lost in round-trip", id)
		}
		if len(got.wordLabels) != len(want.wordLabels) {
			t.Errorf("entry %d labels lost in round-trip", id)
		}
		for word, class := range want.wordLabels {
			if got.wordLabels[word] != class {
				t.Errorf("entry %d word %d class %d, expected %d", id, word, got.wordLabels[word], class)
			}
		}
	}

	checkPostingInvariant(t, loaded)

	// Queries against the loaded database behave identically.
	query := labeledAs(corpus[3], 3)
	origResults, err := db.Query(query, 6)
	if err != nil {
		t.Fatal(err)
	}
	loadedResults, err := loaded.Query(query, 6)
	if err != nil {
		t.Fatal(err)
	}
	if len(origResults) != len(loadedResults) {
		t.Fatalf("result counts differ: %v vs %v", origResults, loadedResults)
	}
	for i := range origResults {
		if origResults[i].Entry != loadedResults[i].Entry || !almostEqual(origResults[i].Score, loadedResults[i].Score) {
			t.Errorf("result %d differs: %v vs %v", i, origResults[i], loadedResults[i])
		}
	}
}

func TestDatabaseSnapshotHalfPrecision(t *testing.T) {
	db, corpus := snapshotDatabase(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "db.sbow")

	if err := db.SaveFile(path, HalfWeights); err != nil {
		t.Fatalf("SaveFile unexpected error: %v", err)
	}
	loaded, err := LoadDatabaseFile(path)
	if err != nil {
		t.Fatalf("LoadDatabaseFile unexpected error: %v", err)
	}
	if loaded.Size() != db.Size() {
		t.Fatalf("loaded %d entries, expected %d", loaded.Size(), db.Size())
	}

	// Weights are compacted: close, not identical.
	for id := range db.entries {
		for word, w := range db.entries[id].vector {
			got := loaded.entries[id].vector[word]
			if math.Abs(got-w) > 1e-3*math.Abs(w)+1e-6 {
				t.Errorf("entry %d word %d half-precision weight %g too far from %g", id, word, got, w)
			}
		}
	}

	// Postings are rebuilt from the compacted vectors, so the weight
	// invariant holds exactly even though the weights themselves moved.
	checkPostingInvariant(t, loaded)

	// Ranking survives compaction for well-separated entries.
	results, err := loaded.Query(labeledAs(corpus[2], 2), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 || results[0].Entry != 2 {
		t.Errorf("half-precision best match = %v, expected entry 2", results)
	}
}

func TestDatabaseSnapshotRegistryNotSerialized(t *testing.T) {
	db, _ := snapshotDatabase(t)
	db.SetLabelRegistry(NewLabelRegistry(map[int32]string{1: "person"}))

	var buf bytes.Buffer
	if _, err := db.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	loaded := &Database{}
	if _, err := loaded.ReadFrom(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatal(err)
	}
	if loaded.registry != nil {
		t.Error("the label registry is external and must not travel in snapshots")
	}
}

func TestDatabaseSnapshotMalformed(t *testing.T) {
	db, _ := snapshotDatabase(t)
	var buf bytes.Buffer
	if _, err := db.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	good := buf.Bytes()

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte("NOPE"), good[4:]...)
		target := &Database{}
		if _, err := target.ReadFrom(bytes.NewReader(bad)); !errors.Is(err, ErrMalformedSnapshot) {
			t.Errorf("expected ErrMalformedSnapshot, got %v", err)
		}
	})

	t.Run("truncated stream", func(t *testing.T) {
		target := &Database{}
		if _, err := target.ReadFrom(bytes.NewReader(good[:len(good)/3])); err == nil {
			t.Error("truncated snapshot must fail to load")
		}
	})

	t.Run("corrupt stream leaves receiver unchanged", func(t *testing.T) {
		target, _ := snapshotDatabase(t)
		size := target.Size()
		bad := append([]byte("NOPE"), good[4:]...)
		if _, err := target.ReadFrom(bytes.NewReader(bad)); err == nil {
			t.Fatal("expected load failure")
		}
		if target.Size() != size || target.LabelPolicy() != LabelRescale {
			t.Error("failed load must not modify the receiver")
		}
	})
}

func TestWriteSnapshotUnknownPrecision(t *testing.T) {
	db, _ := snapshotDatabase(t)
	var buf bytes.Buffer
	if _, err := db.WriteSnapshot(&buf, "float8"); !errors.Is(err, ErrUnknownWeightPrecision) {
		t.Errorf("expected ErrUnknownWeightPrecision, got %v", err)
	}
}
