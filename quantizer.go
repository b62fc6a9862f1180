package sembow

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/x448/float16"
)

// ErrUnknownWeightPrecision is returned when an unknown precision is passed
// to NewWeightQuantizer or found in a persisted snapshot.
var ErrUnknownWeightPrecision = errors.New("unknown weight precision")

// WeightPrecision selects how bag-of-words weights are encoded in database
// snapshots.
type WeightPrecision string

const (
	// FullWeights stores weights as 8-byte float64 values. Lossless; the
	// default.
	FullWeights WeightPrecision = "float64"

	// HalfWeights stores weights as 2-byte IEEE 754 half-precision values,
	// quartering the weight payload of a snapshot. Lossy: roughly three
	// decimal digits survive, which is ample for TF-IDF ranking but rules
	// this mode out wherever exact round-trip is part of the contract
	// (vocabulary files always use full precision).
	HalfWeights WeightPrecision = "float16"
)

// Singleton quantizer instances; stateless and safe for concurrent use.
var (
	fullWeightQuantizerImpl = fullWeightQuantizer{}
	halfWeightQuantizerImpl = halfWeightQuantizer{}
)

// WeightQuantizer encodes and decodes a single weight value in a snapshot
// stream.
type WeightQuantizer interface {
	// WriteWeight encodes one weight, returning the number of bytes written.
	WriteWeight(w io.Writer, weight float64) (int, error)

	// ReadWeight decodes one weight, returning the number of bytes read.
	ReadWeight(r io.Reader) (float64, int, error)

	// Precision returns the precision implemented by this quantizer.
	Precision() WeightPrecision
}

// NewWeightQuantizer returns the singleton quantizer for the given
// precision. Returns ErrUnknownWeightPrecision for unrecognized values.
func NewWeightQuantizer(p WeightPrecision) (WeightQuantizer, error) {
	switch p {
	case FullWeights:
		return fullWeightQuantizerImpl, nil
	case HalfWeights:
		return halfWeightQuantizerImpl, nil
	default:
		return nil, ErrUnknownWeightPrecision
	}
}

type fullWeightQuantizer struct{}

func (fullWeightQuantizer) WriteWeight(w io.Writer, weight float64) (int, error) {
	if err := binary.Write(w, binary.LittleEndian, weight); err != nil {
		return 0, err
	}
	return 8, nil
}

func (fullWeightQuantizer) ReadWeight(r io.Reader) (float64, int, error) {
	var weight float64
	if err := binary.Read(r, binary.LittleEndian, &weight); err != nil {
		return 0, 0, err
	}
	return weight, 8, nil
}

func (fullWeightQuantizer) Precision() WeightPrecision { return FullWeights }

type halfWeightQuantizer struct{}

func (halfWeightQuantizer) WriteWeight(w io.Writer, weight float64) (int, error) {
	bits := float16.Fromfloat32(float32(weight)).Bits()
	if err := binary.Write(w, binary.LittleEndian, bits); err != nil {
		return 0, err
	}
	return 2, nil
}

func (halfWeightQuantizer) ReadWeight(r io.Reader) (float64, int, error) {
	var bits uint16
	if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
		return 0, 0, err
	}
	return float64(float16.Frombits(bits).Float32()), 2, nil
}

func (halfWeightQuantizer) Precision() WeightPrecision { return HalfWeights }
