package icap

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"
)

// decodeFragments feeds s to a fresh decoder in pieces of at most size bytes.
func decodeFragments(t *testing.T, s []byte, size int) ([]byte, *ChunkDecoder) {
	t.Helper()
	d := NewChunkDecoder(0)
	var out []byte
	for len(s) > 0 && !d.Done() {
		n := min(size, len(s))
		var (
			m   int
			err error
		)
		out, m, err = d.Decode(out, s[:n])
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		s = s[m:]
	}
	return out, d
}

func TestChunkSplitMidData(t *testing.T) {
	d := NewChunkDecoder(0)
	out, n, err := d.Decode(nil, []byte("4\r\nab"))
	if err != nil || n != 5 {
		t.Fatalf("first Decode = %d, %v", n, err)
	}
	if len(out) != 0 || d.Done() {
		t.Fatalf("chunk emitted early: %q done=%v", out, d.Done())
	}
	if c := d.Chunk(); c.Status != ChunkPartial || c.Size != 4 || string(c.Data) != "ab" {
		t.Errorf("chunk state = %+v", c)
	}

	out, n, err = d.Decode(out, []byte("cd\r\n0\r\n\r\n"))
	if err != nil || n != 9 {
		t.Fatalf("second Decode = %d, %v", n, err)
	}
	if string(out) != "abcd" || !d.Done() || d.IEOF() {
		t.Errorf("got %q done=%v ieof=%v", out, d.Done(), d.IEOF())
	}
}

func TestChunkIEOF(t *testing.T) {
	for _, in := range []string{"0;ieof\r\n\r\n", "0; ieof\r\n\r\n"} {
		out, d := decodeFragments(t, []byte(in), len(in))
		if len(out) != 0 || !d.Done() || !d.IEOF() {
			t.Errorf("%q: got %q done=%v ieof=%v", in, out, d.Done(), d.IEOF())
		}
	}

	out, d := decodeFragments(t, []byte("0;IEOF\r\n\r\n"), 3)
	if len(out) != 0 || !d.Done() || d.IEOF() {
		t.Errorf("uppercase extension: done=%v ieof=%v", d.Done(), d.IEOF())
	}
}

func TestChunkExtensionsAndTrailers(t *testing.T) {
	in := "3;name=value\r\nabc\r\nA\r\n0123456789\r\n0\r\nX-Checksum: 1\r\n\r\n"
	for _, size := range []int{1, 2, 5, len(in)} {
		out, d := decodeFragments(t, []byte(in), size)
		if string(out) != "abc0123456789" || !d.Done() || d.IEOF() {
			t.Errorf("fragment %d: got %q done=%v", size, out, d.Done())
		}
	}
}

func TestChunkStopsAtTerminator(t *testing.T) {
	d := NewChunkDecoder(0)
	out, n, err := d.Decode(nil, []byte("1\r\nx\r\n0\r\n\r\nREQMOD"))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "x" || n != 11 {
		t.Errorf("got %q, consumed %d", out, n)
	}
	if c := d.Chunk(); c.Overflow != 6 {
		t.Errorf("Overflow = %d, want 6", c.Overflow)
	}
	if _, n, _ := d.Decode(nil, []byte("more")); n != 0 {
		t.Errorf("decoder consumed %d bytes after the body ended", n)
	}
}

func TestChunkErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"bad hex", "zz\r\n"},
		{"signed size", "+4\r\nabcd\r\n"},
		{"empty size", "\r\n"},
		{"missing CRLF after data", "4\r\nabcdX\r\n"},
		{"overflowing size", "ffffffffffffffffff\r\n"},
		{"long size line", "4;" + strings.Repeat("x", 64) + "\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewChunkDecoder(32)
			_, _, err := d.Decode(nil, []byte(tt.in))
			if !errors.Is(err, ErrChunkFraming) {
				t.Errorf("Decode(%q) error = %v, want ErrChunkFraming", tt.in, err)
			}
		})
	}
}

func TestChunkRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, size := range []int{0, 1, 100, MaxChunkSize, 2*MaxChunkSize + 17} {
		data := make([]byte, size)
		rnd.Read(data)

		for _, ext := range []string{"", "ieof"} {
			var buf bytes.Buffer
			if err := WriteChunked(&buf, data, ext); err != nil {
				t.Fatal(err)
			}
			for _, frag := range []int{1, 7, 4096, buf.Len()} {
				if frag == 1 && size > MaxChunkSize {
					continue
				}
				out, d := decodeFragments(t, buf.Bytes(), frag)
				if !bytes.Equal(out, data) {
					t.Errorf("size %d ext %q frag %d: decoded %d bytes", size, ext, frag, len(out))
				}
				if d.IEOF() != (ext == "ieof") {
					t.Errorf("size %d ext %q frag %d: ieof = %v", size, ext, frag, d.IEOF())
				}
			}
		}
	}
}

func TestChunkRoundTripUnevenChunks(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	var enc bytes.Buffer
	rest := data
	for _, n := range []int{1, 0, 9, 3, 30} {
		n = min(n, len(rest))
		if n == 0 {
			continue
		}
		enc.WriteString(strings.ToUpper(string(hexDigits(n))) + "\r\n")
		enc.Write(rest[:n])
		enc.WriteString("\r\n")
		rest = rest[n:]
	}
	enc.WriteString("0\r\n\r\n")

	for frag := 1; frag <= enc.Len(); frag++ {
		out, d := decodeFragments(t, enc.Bytes(), frag)
		if !bytes.Equal(out, data) || !d.Done() {
			t.Fatalf("frag %d: got %q", frag, out)
		}
	}
}

func hexDigits(n int) []byte {
	const digits = "0123456789abcdef"
	if n == 0 {
		return []byte("0")
	}
	var b []byte
	for ; n > 0; n /= 16 {
		b = append([]byte{digits[n%16]}, b...)
	}
	return b
}
