package sembow

import (
	"encoding/binary"
	"fmt"
	"io"
)

// binWriter is a little-endian stream writer that tracks the byte count and
// sticks at the first error, so serialization code can chain writes without
// checking every call.
type binWriter struct {
	w   io.Writer
	n   int64
	err error
}

func newBinWriter(w io.Writer) *binWriter {
	return &binWriter{w: w}
}

func (bw *binWriter) bytes(p []byte) {
	if bw.err != nil {
		return
	}
	var n int
	n, bw.err = bw.w.Write(p)
	bw.n += int64(n)
}

func (bw *binWriter) u8(v byte) {
	bw.bytes([]byte{v})
}

func (bw *binWriter) u32(v uint32) {
	if bw.err != nil {
		return
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	bw.bytes(buf[:])
}

func (bw *binWriter) i32(v int32) {
	bw.u32(uint32(v))
}

func (bw *binWriter) str(s string) {
	bw.u32(uint32(len(s)))
	bw.bytes([]byte(s))
}

// binReader is the matching sticky little-endian stream reader.
type binReader struct {
	r   io.Reader
	n   int64
	err error
}

func newBinReader(r io.Reader) *binReader {
	return &binReader{r: r}
}

func (br *binReader) bytes(p []byte) {
	if br.err != nil {
		return
	}
	var n int
	n, br.err = io.ReadFull(br.r, p)
	br.n += int64(n)
}

func (br *binReader) u8() byte {
	var buf [1]byte
	br.bytes(buf[:])
	return buf[0]
}

func (br *binReader) u32() uint32 {
	var buf [4]byte
	br.bytes(buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (br *binReader) i32() int32 {
	return int32(br.u32())
}

// str reads a length-prefixed string, rejecting lengths above maxLen so a
// corrupt prefix cannot trigger a huge allocation.
func (br *binReader) str(maxLen uint32) string {
	n := br.u32()
	if br.err != nil {
		return ""
	}
	if n > maxLen {
		br.err = fmt.Errorf("%w: implausible string length %d", ErrMalformedSnapshot, n)
		return ""
	}
	buf := make([]byte, n)
	br.bytes(buf)
	return string(buf)
}

// preallocHint bounds a capacity hint taken from an untrusted count field.
// The slice or map still grows to the real element count; the cap only
// keeps a corrupt count from requesting gigabytes up front, before the
// per-element reads hit the end of the stream.
func preallocHint(n uint32) int {
	const maxPrealloc = 1 << 16
	if n > maxPrealloc {
		return maxPrealloc
	}
	return int(n)
}
