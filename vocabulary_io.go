package sembow

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrMalformedVocabulary is returned when loading encounters corrupt,
// truncated, or schema-mismatched vocabulary data.
var ErrMalformedVocabulary = errors.New("malformed vocabulary data")

// vocMagic identifies the binary vocabulary format.
var vocMagic = [4]byte{'S', 'V', 'O', 'C'}

// vocFormatVersion is the current binary format version.
const vocFormatVersion = uint32(1)

// ---------------------------------------------------------------------------
// Binary format
// ---------------------------------------------------------------------------

// WriteTo serializes the vocabulary to an io.Writer.
//
// The serialization format is:
//  1. Magic number (4 bytes) - "SVOC" identifier for validation
//  2. Version (4 bytes)
//  3. Branching factor k (4 bytes), depth (4 bytes)
//  4. Weighting kind length (4 bytes) + string, scoring kind length + string
//  5. Descriptor length in bytes (4 bytes)
//  6. Node count (4 bytes), then for every node in id order:
//     - Parent id (4 bytes)
//     - Centroid length (4 bytes) + centroid bytes (empty for the root)
//     - Word weight (8 bytes float64)
//
// Child lists and word ids are not written: children are recreated from the
// parent ids (a node's children always have consecutive ids in creation
// order) and word ids are re-derived densely over leaves, which reproduces
// the original assignment exactly.
//
// Round-trip through ReadFrom is exact, weights included.
func (v *Vocabulary) WriteTo(w io.Writer) (int64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var bytesWritten int64
	write := func(data interface{}) error {
		err := binary.Write(w, binary.LittleEndian, data)
		if err == nil {
			switch d := data.(type) {
			case uint32, int32, float32:
				bytesWritten += 4
			case uint64, int64, float64:
				bytesWritten += 8
			case []byte:
				bytesWritten += int64(len(d))
			}
		}
		return err
	}

	if _, err := w.Write(vocMagic[:]); err != nil {
		return bytesWritten, fmt.Errorf("failed to write magic number: %w", err)
	}
	bytesWritten += 4

	if err := write(vocFormatVersion); err != nil {
		return bytesWritten, fmt.Errorf("failed to write version: %w", err)
	}
	if err := write(uint32(v.k)); err != nil {
		return bytesWritten, fmt.Errorf("failed to write branching factor: %w", err)
	}
	if err := write(uint32(v.depth)); err != nil {
		return bytesWritten, fmt.Errorf("failed to write depth: %w", err)
	}
	for _, s := range []string{string(v.weighting), string(v.scoring)} {
		if err := write(uint32(len(s))); err != nil {
			return bytesWritten, fmt.Errorf("failed to write kind length: %w", err)
		}
		if err := write([]byte(s)); err != nil {
			return bytesWritten, fmt.Errorf("failed to write kind: %w", err)
		}
	}
	if err := write(uint32(v.descLen)); err != nil {
		return bytesWritten, fmt.Errorf("failed to write descriptor length: %w", err)
	}

	if err := write(uint32(len(v.nodes))); err != nil {
		return bytesWritten, fmt.Errorf("failed to write node count: %w", err)
	}
	for id := range v.nodes {
		n := &v.nodes[id]
		if err := write(uint32(n.parent)); err != nil {
			return bytesWritten, fmt.Errorf("failed to write node %d parent: %w", id, err)
		}
		if err := write(uint32(len(n.descriptor.Bits))); err != nil {
			return bytesWritten, fmt.Errorf("failed to write node %d centroid length: %w", id, err)
		}
		if err := write(n.descriptor.Bits); err != nil {
			return bytesWritten, fmt.Errorf("failed to write node %d centroid: %w", id, err)
		}
		if err := write(n.weight); err != nil {
			return bytesWritten, fmt.Errorf("failed to write node %d weight: %w", id, err)
		}
	}

	return bytesWritten, nil
}

// ReadFrom deserializes a vocabulary from an io.Reader, replacing the
// receiver's entire state (configuration included). The replacement happens
// only after the whole stream parses: a corrupt stream leaves the receiver
// unchanged.
func (v *Vocabulary) ReadFrom(r io.Reader) (int64, error) {
	var bytesRead int64
	read := func(data interface{}) error {
		err := binary.Read(r, binary.LittleEndian, data)
		if err == nil {
			switch data.(type) {
			case *uint32, *int32, *float32:
				bytesRead += 4
			case *uint64, *int64, *float64:
				bytesRead += 8
			}
		}
		return err
	}
	readString := func() (string, error) {
		var n uint32
		if err := read(&n); err != nil {
			return "", err
		}
		if n > 64 {
			return "", fmt.Errorf("%w: implausible kind length %d", ErrMalformedVocabulary, n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		bytesRead += int64(n)
		return string(buf), nil
	}

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return bytesRead, fmt.Errorf("failed to read magic number: %w", err)
	}
	bytesRead += 4
	if magic != vocMagic {
		return bytesRead, fmt.Errorf("%w: bad magic number %q", ErrMalformedVocabulary, magic)
	}

	var version uint32
	if err := read(&version); err != nil {
		return bytesRead, fmt.Errorf("failed to read version: %w", err)
	}
	if version != vocFormatVersion {
		return bytesRead, fmt.Errorf("%w: unsupported version %d", ErrMalformedVocabulary, version)
	}

	var k, depth uint32
	if err := read(&k); err != nil {
		return bytesRead, fmt.Errorf("failed to read branching factor: %w", err)
	}
	if err := read(&depth); err != nil {
		return bytesRead, fmt.Errorf("failed to read depth: %w", err)
	}
	weighting, err := readString()
	if err != nil {
		return bytesRead, fmt.Errorf("failed to read weighting kind: %w", err)
	}
	scoring, err := readString()
	if err != nil {
		return bytesRead, fmt.Errorf("failed to read scoring kind: %w", err)
	}
	var descLen uint32
	if err := read(&descLen); err != nil {
		return bytesRead, fmt.Errorf("failed to read descriptor length: %w", err)
	}

	loaded, err := NewVocabulary(int(k), int(depth), WeightingKind(weighting), ScoringKind(scoring), int(descLen))
	if err != nil {
		return bytesRead, fmt.Errorf("%w: %s", ErrMalformedVocabulary, err)
	}

	var nodeCount uint32
	if err := read(&nodeCount); err != nil {
		return bytesRead, fmt.Errorf("failed to read node count: %w", err)
	}
	if nodeCount > 0 {
		loaded.nodes = make([]node, 0, preallocHint(nodeCount))
		for id := uint32(0); id < nodeCount; id++ {
			var parent, centroidLen uint32
			if err := read(&parent); err != nil {
				return bytesRead, fmt.Errorf("failed to read node %d parent: %w", id, err)
			}
			if parent >= nodeCount {
				return bytesRead, fmt.Errorf("%w: node %d parent %d out of range", ErrMalformedVocabulary, id, parent)
			}
			if err := read(&centroidLen); err != nil {
				return bytesRead, fmt.Errorf("failed to read node %d centroid length: %w", id, err)
			}
			// Only the root carries no centroid.
			wantLen := descLen
			if id == 0 {
				wantLen = 0
			}
			if centroidLen != wantLen {
				return bytesRead, fmt.Errorf("%w: node %d centroid has %d bytes, expected %d",
					ErrMalformedVocabulary, id, centroidLen, wantLen)
			}
			var centroid []byte
			if centroidLen > 0 {
				centroid = make([]byte, centroidLen)
				if _, err := io.ReadFull(r, centroid); err != nil {
					return bytesRead, fmt.Errorf("failed to read node %d centroid: %w", id, err)
				}
				bytesRead += int64(centroidLen)
			}
			var weight float64
			if err := read(&weight); err != nil {
				return bytesRead, fmt.Errorf("failed to read node %d weight: %w", id, err)
			}
			loaded.nodes = append(loaded.nodes, node{
				parent:     NodeID(parent),
				descriptor: NewDescriptor(centroid),
				weight:     weight,
			})
		}
		if err := loaded.relink(); err != nil {
			return bytesRead, err
		}
	}

	v.replaceWith(loaded)
	return bytesRead, nil
}

// relink rebuilds child lists and word ids from parent ids. A node's
// children were created with consecutive ids, so appending each non-root
// node to its parent in id order reproduces the original child ordering.
func (v *Vocabulary) relink() error {
	for id := 1; id < len(v.nodes); id++ {
		parent := v.nodes[id].parent
		if int(parent) >= id {
			return fmt.Errorf("%w: node %d has non-ancestor parent %d", ErrMalformedVocabulary, id, parent)
		}
		v.nodes[parent].children = append(v.nodes[parent].children, NodeID(id))
	}
	v.assignWords()
	return nil
}

// replaceWith atomically swaps in another vocabulary's state.
func (v *Vocabulary) replaceWith(loaded *Vocabulary) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.k = loaded.k
	v.depth = loaded.depth
	v.weighting = loaded.weighting
	v.scoring = loaded.scoring
	v.descLen = loaded.descLen
	v.scorer = loaded.scorer
	v.nodes = loaded.nodes
	v.words = loaded.words
}

// ---------------------------------------------------------------------------
// YAML format
// ---------------------------------------------------------------------------

// yamlVocabulary is the YAML schema for a persisted vocabulary.
type yamlVocabulary struct {
	K                int           `yaml:"k"`
	Depth            int           `yaml:"depth"`
	Weighting        string        `yaml:"weighting"`
	Scoring          string        `yaml:"scoring"`
	DescriptorLength int           `yaml:"descriptor_length"`
	Nodes            []yamlVocNode `yaml:"nodes"`
}

// yamlVocNode is one non-root node: its parent id, centroid byte string and
// (for leaves) IDF weight. Nodes appear in id order starting at node 1.
type yamlVocNode struct {
	Parent     uint32  `yaml:"parent"`
	Descriptor string  `yaml:"descriptor"`
	Weight     float64 `yaml:"weight,omitempty"`
}

// SaveFile persists the vocabulary to a file, choosing the format from the
// extension: ".yml"/".yaml" write YAML, a further ".gz" suffix gzips it
// (e.g. "voc.yml.gz"), ".txt" writes the plain-text format, anything else
// writes the binary format. All formats round-trip exactly.
func (v *Vocabulary) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create vocabulary file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	switch {
	case isYAMLPath(path):
		err = v.saveYAML(w)
	case strings.HasSuffix(trimGz(path), ".txt"):
		err = v.saveText(w)
	default:
		_, err = v.WriteTo(w)
	}
	if err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream: %w", err)
		}
	}
	return f.Close()
}

// LoadVocabularyFile loads a vocabulary persisted by SaveFile, dispatching
// on the file extension the same way.
func LoadVocabularyFile(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%w: bad gzip stream: %s", ErrMalformedVocabulary, err)
		}
		defer gz.Close()
		r = gz
	}

	v := &Vocabulary{}
	switch {
	case isYAMLPath(path):
		err = v.loadYAML(r)
	case strings.HasSuffix(trimGz(path), ".txt"):
		err = v.loadText(r)
	default:
		_, err = v.ReadFrom(r)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func trimGz(path string) string {
	return strings.TrimSuffix(path, ".gz")
}

func isYAMLPath(path string) bool {
	p := trimGz(path)
	return strings.HasSuffix(p, ".yml") || strings.HasSuffix(p, ".yaml")
}

func (v *Vocabulary) saveYAML(w io.Writer) error {
	v.mu.RLock()
	out := yamlVocabulary{
		K:                v.k,
		Depth:            v.depth,
		Weighting:        string(v.weighting),
		Scoring:          string(v.scoring),
		DescriptorLength: v.descLen,
		Nodes:            make([]yamlVocNode, 0, max(len(v.nodes)-1, 0)),
	}
	for id := 1; id < len(v.nodes); id++ {
		n := &v.nodes[id]
		out.Nodes = append(out.Nodes, yamlVocNode{
			Parent:     uint32(n.parent),
			Descriptor: n.descriptor.String(),
			Weight:     n.weight,
		})
	}
	v.mu.RUnlock()

	enc := yaml.NewEncoder(w)
	if err := enc.Encode(&out); err != nil {
		return fmt.Errorf("failed to encode vocabulary YAML: %w", err)
	}
	return enc.Close()
}

func (v *Vocabulary) loadYAML(r io.Reader) error {
	var in yamlVocabulary
	if err := yaml.NewDecoder(r).Decode(&in); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedVocabulary, err)
	}

	loaded, err := NewVocabulary(in.K, in.Depth, WeightingKind(in.Weighting), ScoringKind(in.Scoring), in.DescriptorLength)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedVocabulary, err)
	}
	if len(in.Nodes) > 0 {
		loaded.nodes = make([]node, 1, len(in.Nodes)+1)
		for i, yn := range in.Nodes {
			id := i + 1
			if int(yn.Parent) >= id {
				return fmt.Errorf("%w: node %d has non-ancestor parent %d", ErrMalformedVocabulary, id, yn.Parent)
			}
			desc, err := ParseDescriptor(yn.Descriptor, in.DescriptorLength)
			if err != nil {
				return fmt.Errorf("%w: node %d: %s", ErrMalformedVocabulary, id, err)
			}
			loaded.nodes = append(loaded.nodes, node{
				parent:     NodeID(yn.Parent),
				descriptor: desc,
				weight:     yn.Weight,
			})
		}
		if err := loaded.relink(); err != nil {
			return err
		}
	}

	v.replaceWith(loaded)
	return nil
}

// ---------------------------------------------------------------------------
// Plain-text format
// ---------------------------------------------------------------------------

// SaveToTextFile persists the vocabulary in the line-oriented text format:
// a header line "k depth weighting scoring descriptorLength" followed by one
// line per non-root node in id order, "parent isLeaf byte0 .. byteN-1
// weight". This is the legacy interchange format for pre-trained
// vocabularies.
func (v *Vocabulary) SaveToTextFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create vocabulary file: %w", err)
	}
	defer f.Close()
	if err := v.saveText(f); err != nil {
		return err
	}
	return f.Close()
}

// LoadFromTextFile loads a vocabulary persisted by SaveToTextFile, replacing
// the receiver's entire state. A corrupt file leaves the receiver unchanged
// and returns an error wrapping ErrMalformedVocabulary.
func (v *Vocabulary) LoadFromTextFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open vocabulary file: %w", err)
	}
	defer f.Close()
	return v.loadText(f)
}

func (v *Vocabulary) saveText(w io.Writer) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%d %d %s %s %d\n", v.k, v.depth, v.weighting, v.scoring, v.descLen); err != nil {
		return fmt.Errorf("failed to write vocabulary header: %w", err)
	}
	for id := 1; id < len(v.nodes); id++ {
		n := &v.nodes[id]
		isLeaf := 0
		if n.isLeaf() {
			isLeaf = 1
		}
		if _, err := fmt.Fprintf(bw, "%d %d %s %s\n",
			n.parent, isLeaf, n.descriptor.String(),
			strconv.FormatFloat(n.weight, 'g', -1, 64)); err != nil {
			return fmt.Errorf("failed to write node %d: %w", id, err)
		}
	}
	return bw.Flush()
}

func (v *Vocabulary) loadText(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return fmt.Errorf("failed to read vocabulary header: %w", err)
		}
		return fmt.Errorf("%w: missing header line", ErrMalformedVocabulary)
	}
	header := strings.Fields(sc.Text())
	if len(header) != 5 {
		return fmt.Errorf("%w: header has %d fields, expected 5", ErrMalformedVocabulary, len(header))
	}
	k, err1 := strconv.Atoi(header[0])
	depth, err2 := strconv.Atoi(header[1])
	descLen, err3 := strconv.Atoi(header[4])
	if err1 != nil || err2 != nil || err3 != nil {
		return fmt.Errorf("%w: non-numeric header field in %q", ErrMalformedVocabulary, sc.Text())
	}
	loaded, err := NewVocabulary(k, depth, WeightingKind(header[2]), ScoringKind(header[3]), descLen)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedVocabulary, err)
	}

	loaded.nodes = []node{{parent: 0}}
	line := 1
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		// parent + isLeaf + descriptor bytes + weight
		if len(fields) != descLen+3 {
			return fmt.Errorf("%w: line %d has %d fields, expected %d", ErrMalformedVocabulary, line, len(fields), descLen+3)
		}
		id := len(loaded.nodes)
		parent, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil || int(parent) >= id {
			return fmt.Errorf("%w: line %d has bad parent id %q", ErrMalformedVocabulary, line, fields[0])
		}
		if fields[1] != "0" && fields[1] != "1" {
			return fmt.Errorf("%w: line %d has bad leaf flag %q", ErrMalformedVocabulary, line, fields[1])
		}
		desc, err := ParseDescriptor(strings.Join(fields[2:2+descLen], " "), descLen)
		if err != nil {
			return fmt.Errorf("%w: line %d: %s", ErrMalformedVocabulary, line, err)
		}
		weight, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err != nil {
			return fmt.Errorf("%w: line %d has bad weight %q", ErrMalformedVocabulary, line, fields[len(fields)-1])
		}
		loaded.nodes = append(loaded.nodes, node{
			parent:     NodeID(parent),
			descriptor: desc,
			weight:     weight,
		})
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read vocabulary file: %w", err)
	}
	if len(loaded.nodes) == 1 {
		return fmt.Errorf("%w: no nodes", ErrMalformedVocabulary)
	}
	if err := loaded.relink(); err != nil {
		return err
	}

	v.replaceWith(loaded)
	return nil
}
