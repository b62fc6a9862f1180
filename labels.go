package sembow

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/clipperhouse/uax29/v2/words"
	"golang.org/x/text/unicode/norm"
)

// LabelDecision is the outcome of comparing the semantic class of a query
// descriptor against the class stored for an indexed word.
type LabelDecision int

const (
	// LabelNeutral means at least one side is unlabeled; the comparison
	// carries no information and never gates a match.
	LabelNeutral LabelDecision = iota

	// LabelAgree means both sides are labeled and denote the same class.
	LabelAgree

	// LabelDisagree means both sides are labeled with different classes.
	LabelDisagree
)

// LabelRegistry resolves semantic class ids to human-readable names and
// answers the database's filter decisions. It is loaded from an external
// class file produced alongside the semantic classifier; the engine itself
// never trains or assigns classes.
//
// Name matching is Unicode-normalized (NFKC), case-insensitive and
// word-segmented, so "Traffic Light" and "traffic  light" resolve to the
// same class. Two distinct class ids that normalize to the same name are
// treated as the same class by Decision.
//
// A nil *LabelRegistry is valid everywhere one is accepted: decisions then
// compare class ids directly.
type LabelRegistry struct {
	// names maps class id to the display name from the class file.
	names map[int32]string

	// canonical maps class id to its normalized, token-joined name.
	canonical map[int32]string

	// byName maps a normalized name to the lowest class id carrying it.
	byName map[string]int32
}

// labelFile is the JSON schema of an external class file.
type labelFile struct {
	Classes []labelFileClass `json:"classes"`
}

type labelFileClass struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
}

// NewLabelRegistry builds a registry from a class id to name mapping.
func NewLabelRegistry(classes map[int32]string) *LabelRegistry {
	reg := &LabelRegistry{
		names:     make(map[int32]string, len(classes)),
		canonical: make(map[int32]string, len(classes)),
		byName:    make(map[string]int32, len(classes)),
	}

	// Ingest in ascending id order so byName deterministically keeps the
	// lowest id for duplicate names.
	ids := make([]int32, 0, len(classes))
	for id := range classes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		name := classes[id]
		canon := canonicalLabel(name)
		reg.names[id] = name
		reg.canonical[id] = canon
		if _, ok := reg.byName[canon]; !ok {
			reg.byName[canon] = id
		}
	}
	return reg
}

// LoadLabelFile reads a JSON class file of the form
//
//	{"classes": [{"id": 0, "name": "person"}, {"id": 9, "name": "traffic light"}]}
//
// and builds a registry from it.
func LoadLabelFile(path string) (*LabelRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read label file: %w", err)
	}
	var lf labelFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("failed to parse label file %s: %w", path, err)
	}
	classes := make(map[int32]string, len(lf.Classes))
	for _, c := range lf.Classes {
		if c.ID == UnlabeledClass {
			return nil, fmt.Errorf("label file %s: class id -1 is reserved for unlabeled descriptors", path)
		}
		classes[c.ID] = c.Name
	}
	return NewLabelRegistry(classes), nil
}

// canonicalLabel normalizes a class name for matching: NFKC normalization,
// lowercasing, then UAX#29 word segmentation joined by single spaces.
func canonicalLabel(s string) string {
	toks := words.FromString(strings.ToLower(norm.NFKC.String(s)))
	var parts []string
	for toks.Next() {
		t := strings.TrimSpace(toks.Value())
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Size returns the number of classes in the registry.
func (reg *LabelRegistry) Size() int {
	if reg == nil {
		return 0
	}
	return len(reg.names)
}

// ClassName returns the display name of a class id.
func (reg *LabelRegistry) ClassName(id int32) (string, bool) {
	if reg == nil {
		return "", false
	}
	name, ok := reg.names[id]
	return name, ok
}

// ClassByName resolves a class name to its id, applying the same
// normalization used at load time. Duplicate names resolve to the lowest id.
func (reg *LabelRegistry) ClassByName(name string) (int32, bool) {
	if reg == nil {
		return UnlabeledClass, false
	}
	id, ok := reg.byName[canonicalLabel(name)]
	return id, ok
}

// SearchClasses returns the ids of all classes whose normalized name
// contains every token of the query, in ascending id order. An empty query
// matches nothing.
func (reg *LabelRegistry) SearchClasses(query string) []int32 {
	if reg == nil {
		return nil
	}
	q := canonicalLabel(query)
	if q == "" {
		return nil
	}
	queryTokens := strings.Split(q, " ")

	var out []int32
	for id, canon := range reg.canonical {
		nameTokens := strings.Split(canon, " ")
		if containsAllTokens(nameTokens, queryTokens) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func containsAllTokens(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Decision compares the semantic class of a query word against the class
// stored for an indexed word. Either side unlabeled is LabelNeutral. With a
// nil registry, agreement is plain id equality; with a registry, two ids
// whose names normalize identically also agree.
func (reg *LabelRegistry) Decision(query, stored int32) LabelDecision {
	if query == UnlabeledClass || stored == UnlabeledClass {
		return LabelNeutral
	}
	if query == stored {
		return LabelAgree
	}
	if reg != nil {
		qc, qok := reg.canonical[query]
		sc, sok := reg.canonical[stored]
		if qok && sok && qc == sc {
			return LabelAgree
		}
	}
	return LabelDisagree
}
