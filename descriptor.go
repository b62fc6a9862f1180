package sembow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// ErrDimensionMismatch is returned when two descriptors (or a descriptor and
// a vocabulary) disagree on the configured descriptor length.
var ErrDimensionMismatch = errors.New("descriptor dimension mismatch")

// DefaultDescriptorBytes is the descriptor length used by ORB-style binary
// features: 32 bytes = 256 bits.
const DefaultDescriptorBytes = 32

const (
	// UnlabeledClass marks a descriptor with no semantic class attached.
	UnlabeledClass int32 = -1

	// NoInstance marks a descriptor with no instance id attached.
	NoInstance int32 = -1
)

// Descriptor is a fixed-length binary feature descriptor with an optional
// semantic class id and instance id supplied by an external extractor.
//
// Bits is a packed bit string, MSB-first within each byte: bit i of the
// descriptor lives in Bits[i/8] under mask 1<<(7-i%8). Descriptors are
// immutable once produced; none of the functions in this package mutate them.
//
// Class and Instance are UnlabeledClass/NoInstance when the extractor did not
// provide them. They never participate in distance or centroid computation;
// they are only consulted by the database's semantic filtering.
type Descriptor struct {
	Bits     []byte
	Class    int32
	Instance int32
}

// NewDescriptor wraps a packed bit string in an unlabeled Descriptor.
// The byte slice is used as-is, not copied.
func NewDescriptor(bits []byte) Descriptor {
	return Descriptor{Bits: bits, Class: UnlabeledClass, Instance: NoInstance}
}

// Len returns the descriptor length in bytes.
func (d Descriptor) Len() int {
	return len(d.Bits)
}

// Labeled returns true if the descriptor carries a semantic class id.
func (d Descriptor) Labeled() bool {
	return d.Class != UnlabeledClass
}

// Clone returns a deep copy of the descriptor.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Bits = append([]byte(nil), d.Bits...)
	return out
}

// HammingDistance computes the exact bit-difference count between two
// descriptors of equal length.
//
// The computation is chunked: 64 bits at a time via XOR + population count,
// with a byte-wise tail for lengths not divisible by 8. Semantics are the
// exact Hamming distance, not an approximation.
//
// Returns ErrDimensionMismatch if the descriptors have different lengths.
func HammingDistance(a, b Descriptor) (int, error) {
	if len(a.Bits) != len(b.Bits) {
		return 0, fmt.Errorf("%w: %d bytes vs %d bytes", ErrDimensionMismatch, len(a.Bits), len(b.Bits))
	}
	return hamming(a.Bits, b.Bits), nil
}

// hamming is the unchecked core of HammingDistance. Callers must have
// validated that len(a) == len(b).
func hamming(a, b []byte) int {
	dist := 0
	i := 0
	for ; i+8 <= len(a); i += 8 {
		x := binary.LittleEndian.Uint64(a[i:]) ^ binary.LittleEndian.Uint64(b[i:])
		dist += bits.OnesCount64(x)
	}
	for ; i < len(a); i++ {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist
}

// MeanValue computes the majority-vote centroid of a set of descriptors.
//
// A bit is set in the centroid iff it is set in at least ceil(N/2) of the N
// inputs, so a perfect tie sets the bit. This is the clustering primitive
// used during vocabulary training.
//
// Special cases: zero inputs return an empty descriptor; a single input
// returns a copy of that input. The centroid is always unlabeled.
func MeanValue(descriptors []Descriptor) Descriptor {
	if len(descriptors) == 0 {
		return NewDescriptor(nil)
	}
	if len(descriptors) == 1 {
		return NewDescriptor(append([]byte(nil), descriptors[0].Bits...))
	}

	nbytes := len(descriptors[0].Bits)
	counts := make([]int, nbytes*8)
	for _, d := range descriptors {
		for j, by := range d.Bits {
			base := j * 8
			for k := 0; k < 8; k++ {
				if by&(1<<(7-k)) != 0 {
					counts[base+k]++
				}
			}
		}
	}

	// Round-up half: ties set the bit.
	n2 := len(descriptors)/2 + len(descriptors)%2

	mean := make([]byte, nbytes)
	for i, c := range counts {
		if c >= n2 {
			mean[i/8] |= 1 << (7 - i%8)
		}
	}
	return NewDescriptor(mean)
}

// String serializes the descriptor as its byte values separated by single
// spaces, e.g. "12 0 255 ...". The representation is lossless and is the
// per-node centroid format used by the plain-text vocabulary files.
func (d Descriptor) String() string {
	var sb strings.Builder
	for i, by := range d.Bits {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.Itoa(int(by)))
	}
	return sb.String()
}

// ParseDescriptor parses the String representation of a descriptor of the
// given byte length. Unlike a best-effort scan, malformed input (wrong token
// count, non-numeric token, value outside 0..255) fails explicitly so a
// corrupt vocabulary file can never produce a partially filled descriptor.
func ParseDescriptor(s string, length int) (Descriptor, error) {
	fields := strings.Fields(s)
	if len(fields) != length {
		return Descriptor{}, fmt.Errorf("parse descriptor: expected %d byte tokens, got %d", length, len(fields))
	}
	out := make([]byte, length)
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			return Descriptor{}, fmt.Errorf("parse descriptor: token %d %q: %w", i, f, err)
		}
		out[i] = byte(v)
	}
	return NewDescriptor(out), nil
}

// ToFloatMatrix expands descriptors into a dense numeric form: one row per
// descriptor, one 0.0/1.0 value per bit, MSB-first within each byte. This is
// for consumers that need a float representation (e.g. alternative
// clustering backends); the Hamming-based pipeline never calls it.
func ToFloatMatrix(descriptors []Descriptor) [][]float32 {
	if len(descriptors) == 0 {
		return nil
	}
	out := make([][]float32, len(descriptors))
	for i, d := range descriptors {
		row := make([]float32, len(d.Bits)*8)
		for j, by := range d.Bits {
			base := j * 8
			for k := 0; k < 8; k++ {
				if by&(1<<(7-k)) != 0 {
					row[base+k] = 1
				}
			}
		}
		out[i] = row
	}
	return out
}

// PackDescriptors concatenates the bit strings of a descriptor set into a
// single contiguous byte matrix (row-major, one row per descriptor). All
// descriptors must share the same length; mismatches return
// ErrDimensionMismatch.
func PackDescriptors(descriptors []Descriptor) ([]byte, error) {
	if len(descriptors) == 0 {
		return nil, nil
	}
	stride := len(descriptors[0].Bits)
	out := make([]byte, 0, stride*len(descriptors))
	for i, d := range descriptors {
		if len(d.Bits) != stride {
			return nil, fmt.Errorf("%w: descriptor %d has %d bytes, expected %d", ErrDimensionMismatch, i, len(d.Bits), stride)
		}
		out = append(out, d.Bits...)
	}
	return out, nil
}
