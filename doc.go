/*
Package sembow is a visual bag-of-words indexing and retrieval engine for
binary image descriptors, extended with per-feature semantic classes.

It builds a hierarchical vocabulary (a k-majority clustering tree over
binary descriptors such as ORB), converts per-image descriptor sets into
sparse TF-IDF weighted bag-of-words vectors, stores them in an inverted-file
database, and answers "which indexed images most resemble this one" queries
with optional semantic-class filtering. It is the recognition backbone of a
larger perception pipeline (for example loop-closure detection in visual
SLAM); feature extraction, geometric verification and classifier training
live outside this package.

# Quick Start

Train a vocabulary, index a few images, and query:

	package main

	import (
	    "fmt"
	    "log"

	    "github.com/NateGyory/sembow"
	)

	func main() {
	    // corpus: one descriptor set per training image, produced by an
	    // external extractor (e.g. ORB: 32-byte binary descriptors).
	    var corpus [][]sembow.Descriptor
	    // ... fill corpus ...

	    voc, err := sembow.NewVocabulary(9, 3, sembow.TFIDF, sembow.L1Norm, sembow.DefaultDescriptorBytes)
	    if err != nil {
	        log.Fatal(err)
	    }
	    if err := voc.Create(corpus); err != nil {
	        log.Fatal(err)
	    }

	    db, err := sembow.NewDatabase(voc, false, 0)
	    if err != nil {
	        log.Fatal(err)
	    }
	    for _, image := range corpus {
	        if _, err := db.Add(image); err != nil {
	            log.Fatal(err)
	        }
	    }

	    results, err := db.Query(corpus[0], 5)
	    if err != nil {
	        log.Fatal(err)
	    }
	    for i, r := range results {
	        fmt.Printf("%d. entry=%d score=%.4f\n", i+1, r.Entry, r.Score)
	    }
	}

# Vocabulary

The vocabulary is a k-ary tree of centroid descriptors built by recursive
k-majority clustering (Hamming-distance k-means with majority-vote centroid
updates) to a fixed depth. Every leaf is a visual word carrying a corpus
IDF weight. Construction is fully deterministic for a fixed input order.
Vocabularies persist to binary ("SVOC"), YAML (optionally gzipped, e.g.
"voc.yml.gz") and a legacy line-oriented text format, all round-trip exact.

# Scoring

Six interchangeable metrics score two sparse vectors, selected at
vocabulary construction: L1Norm, L2Norm, ChiSquare, Bhattacharyya and
DotProduct are similarities (higher = more similar); KLDivergence is a
distance (larger = farther). The vocabulary normalizes the vectors it
produces with whatever norm the chosen metric requires, so transform output
is always a valid scoring input.

# Database

The database keeps, per visual word, the list of (entry, weight) postings,
so a query only touches the words it actually contains instead of scoring
against every stored image. An optional direct index records which
descriptor indices of each entry fell under each tree node at a configured
level, for downstream geometric verification (RetrieveFeatures). The
database is append-only: entries are never removed.

# Semantic Filtering

When descriptors carry semantic class ids (from an external classifier), a
query can gate matches on class agreement: LabelExclude drops disagreeing
inverted-list postings word by word, LabelRescale scales final scores by
the label-agreement ratio. A LabelRegistry loaded from an external JSON
class file maps class ids to names and lets distinct ids with the same
normalized name agree.
*/
package sembow
