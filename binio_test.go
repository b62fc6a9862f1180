package sembow

import (
	"bytes"
	"errors"
	"testing"
)

func TestPreallocHint(t *testing.T) {
	tests := []struct {
		name string
		n    uint32
		want int
	}{
		{name: "zero", n: 0, want: 0},
		{name: "small", n: 128, want: 128},
		{name: "at cap", n: 1 << 16, want: 1 << 16},
		{name: "corrupt count", n: 0xFFFFFFFF, want: 1 << 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := preallocHint(tt.n); got != tt.want {
				t.Errorf("preallocHint(%d) = %d, want %d", tt.n, got, tt.want)
			}
		})
	}
}

func TestBinReaderStringGuard(t *testing.T) {
	var buf bytes.Buffer
	bw := newBinWriter(&buf)
	bw.u32(0xFFFFFFFF)
	if bw.err != nil {
		t.Fatalf("u32 unexpected error: %v", bw.err)
	}

	br := newBinReader(&buf)
	br.str(64)
	if !errors.Is(br.err, ErrMalformedSnapshot) {
		t.Errorf("expected ErrMalformedSnapshot, got %v", br.err)
	}
}
