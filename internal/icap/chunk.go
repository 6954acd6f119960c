package icap

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxChunkSize bounds the chunks written by WriteChunked.
const MaxChunkSize = 32 << 10

const defaultMaxLineBytes = 4096

// terminator watches the last four bytes of a stream for CRLF and CRLFCRLF.
type terminator uint32

func (t *terminator) push(c byte) { *t = *t<<8 | terminator(c) }

func (t terminator) crlf() bool { return t&0xffff == 0x0d0a }

func (t terminator) crlfcrlf() bool { return t == 0x0d0a0d0a }

// ChunkStatus is the progress of the chunk being decoded.
type ChunkStatus int

const (
	ChunkUnknown ChunkStatus = iota
	ChunkPartial
	ChunkEnd
)

// Chunk is the unit the decoder is currently working on.
type Chunk struct {
	Status    ChunkStatus
	Size      int
	Extension string
	Data      []byte

	// Overflow is the number of bytes left over by the last decode step.
	Overflow int
}

type chunkPhase int

const (
	phaseSize chunkPhase = iota
	phaseData
	phaseDataEnd
	phaseTrailer
	phaseDone
)

// ChunkDecoder decodes a chunked body delivered in arbitrary fragments.
type ChunkDecoder struct {
	chunk   Chunk
	phase   chunkPhase
	line    []byte
	term    terminator
	crlf    int
	ieof    bool
	maxLine int
}

// NewChunkDecoder returns a decoder that rejects size and trailer lines longer
// than maxLine bytes. A non-positive maxLine selects the default.
func NewChunkDecoder(maxLine int) *ChunkDecoder {
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	return &ChunkDecoder{maxLine: maxLine}
}

// Done reports whether the terminating zero-size chunk has been read.
func (d *ChunkDecoder) Done() bool { return d.phase == phaseDone }

// IEOF reports whether the terminating chunk carried the ieof extension.
func (d *ChunkDecoder) IEOF() bool { return d.ieof }

// Chunk returns the state of the current chunk.
func (d *ChunkDecoder) Chunk() Chunk { return d.chunk }

// Decode consumes bytes from p, appending the data of every completed chunk
// to dst. Running out of input is not an error: the decoder keeps its state
// and the next call picks up where this one stopped. Once the body has ended
// no further bytes are consumed, so n may be less than len(p).
func (d *ChunkDecoder) Decode(dst, p []byte) (out []byte, n int, err error) {
	out = dst
	for n < len(p) && d.phase != phaseDone {
		var m int
		out, m, err = d.step(out, p[n:])
		n += m
		d.chunk.Overflow = len(p) - n
		if err != nil {
			return out, n, err
		}
	}
	return out, n, nil
}

func (d *ChunkDecoder) step(dst, p []byte) ([]byte, int, error) {
	if d.chunk.Status == ChunkEnd {
		d.chunk = Chunk{}
	}

	switch d.phase {
	case phaseSize:
		n, ok, err := d.readLine(p)
		if err != nil || !ok {
			return dst, n, err
		}
		if err := d.parseSize(string(d.line)); err != nil {
			return dst, n, err
		}
		d.line = d.line[:0]
		d.chunk.Status = ChunkPartial
		if d.chunk.Size == 0 {
			d.phase = phaseTrailer
		} else {
			d.phase = phaseData
		}
		return dst, n, nil

	case phaseData:
		n := min(len(p), d.chunk.Size-len(d.chunk.Data))
		d.chunk.Data = append(d.chunk.Data, p[:n]...)
		if len(d.chunk.Data) == d.chunk.Size {
			d.phase = phaseDataEnd
			d.crlf = 0
		}
		return dst, n, nil

	case phaseDataEnd:
		n := 0
		for n < len(p) && d.crlf < 2 {
			if p[n] != "\r\n"[d.crlf] {
				return dst, n, fmt.Errorf("%w: missing CRLF after %d byte chunk", ErrChunkFraming, d.chunk.Size)
			}
			d.crlf++
			n++
		}
		if d.crlf == 2 {
			dst = append(dst, d.chunk.Data...)
			d.chunk.Status = ChunkEnd
			d.phase = phaseSize
		}
		return dst, n, nil

	case phaseTrailer:
		n, ok, err := d.readLine(p)
		if err != nil || !ok {
			return dst, n, err
		}
		if len(d.line) == 0 {
			d.chunk.Status = ChunkEnd
			d.phase = phaseDone
			d.ieof = d.chunk.Extension == "ieof"
		}
		d.line = d.line[:0]
		return dst, n, nil
	}
	return dst, 0, nil
}

// readLine buffers bytes up to and including the next CRLF. It reports
// whether a full line, without its CRLF, is now in d.line.
func (d *ChunkDecoder) readLine(p []byte) (int, bool, error) {
	for i, c := range p {
		d.term.push(c)
		if d.term.crlf() && len(d.line) > 0 && d.line[len(d.line)-1] == '\r' {
			d.line = d.line[:len(d.line)-1]
			d.term = 0
			return i + 1, true, nil
		}
		d.line = append(d.line, c)
		if len(d.line) > d.maxLine {
			return i + 1, false, fmt.Errorf("%w: line exceeds %d bytes", ErrChunkFraming, d.maxLine)
		}
	}
	return len(p), false, nil
}

func (d *ChunkDecoder) parseSize(line string) error {
	size, ext, _ := strings.Cut(line, ";")
	size = strings.TrimSpace(size)
	v, err := strconv.ParseUint(size, 16, strconv.IntSize-1)
	if err != nil {
		return fmt.Errorf("%w: invalid chunk size %q", ErrChunkFraming, size)
	}
	d.chunk.Size = int(v)
	d.chunk.Extension = strings.TrimSpace(ext)
	d.chunk.Data = d.chunk.Data[:0]
	return nil
}

// WriteChunked writes p using the chunked encoding, followed by the
// terminating zero-size chunk. A non-empty ext is attached to the terminator.
func WriteChunked(w io.Writer, p []byte, ext string) error {
	for len(p) > 0 {
		n := min(len(p), MaxChunkSize)
		if _, err := fmt.Fprintf(w, "%x\r\n", n); err != nil {
			return err
		}
		if _, err := w.Write(p[:n]); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
		p = p[n:]
	}
	last := "0"
	if ext != "" {
		last += "; " + ext
	}
	_, err := io.WriteString(w, last+"\r\n\r\n")
	return err
}
