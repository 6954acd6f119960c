package icap

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// State is the progress of a Request through its byte stream.
type State int

const (
	StateAwaitingHeader State = iota
	StateHeaderParsed
	StateReadingPayload
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateAwaitingHeader:
		return "awaiting_header"
	case StateHeaderParsed:
		return "header_parsed"
	case StateReadingPayload:
		return "reading_payload"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

const defaultMaxHeaderBytes = 64 << 10

// Request is an ICAP request assembled from bytes handed to Feed. It is
// owned by a single connection and is not safe for concurrent use.
type Request struct {
	Method        string
	URI           string
	Proto         string
	Header        Header
	Encapsulation Encapsulation
	Payload       Payload

	state State
	err   error

	logger         *zap.Logger
	maxHeaderBytes int
	maxLineBytes   int

	head     []byte
	term     terminator
	sections []Section
	cur      int
	decoder  *ChunkDecoder
}

// RequestOption configures a Request.
type RequestOption func(*Request)

// WithLogger sets the logger used for tolerated protocol oddities.
func WithLogger(l *zap.Logger) RequestOption {
	return func(r *Request) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMaxHeaderBytes bounds the ICAP header block.
func WithMaxHeaderBytes(n int) RequestOption {
	return func(r *Request) {
		if n > 0 {
			r.maxHeaderBytes = n
		}
	}
}

// WithMaxLineBytes bounds chunk size and trailer lines.
func WithMaxLineBytes(n int) RequestOption {
	return func(r *Request) {
		if n > 0 {
			r.maxLineBytes = n
		}
	}
}

// NewRequest returns an empty request awaiting its header block.
func NewRequest(opts ...RequestOption) *Request {
	r := &Request{
		Proto:          "ICAP/1.0",
		Header:         make(Header),
		logger:         zap.NewNop(),
		maxHeaderBytes: defaultMaxHeaderBytes,
		maxLineBytes:   defaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current state.
func (r *Request) State() State { return r.state }

// Err returns the error that moved the request to StateError.
func (r *Request) Err() error { return r.err }

// Feed hands the next bytes of the stream to the request. It returns the
// number of bytes consumed, which is less than len(p) only when the request
// completed inside p; the remainder belongs to whatever follows on the
// stream. Needing more input is not an error.
func (r *Request) Feed(p []byte) (int, error) {
	switch r.state {
	case StateComplete:
		return 0, ErrRequestComplete
	case StateError:
		return 0, r.err
	}

	n := 0
	if r.state == StateAwaitingHeader {
		m, err := r.readHeader(p)
		n += m
		if err != nil {
			return n, r.fail(err)
		}
	}
	if r.state == StateReadingPayload {
		m, err := r.readPayload(p[n:])
		n += m
		if err != nil {
			return n, r.fail(err)
		}
	}
	return n, nil
}

func (r *Request) fail(err error) error {
	r.state = StateError
	r.err = err
	return err
}

func (r *Request) readHeader(p []byte) (int, error) {
	for i, c := range p {
		// Stray line breaks between pipelined messages.
		if len(r.head) == 0 && (c == '\r' || c == '\n') {
			continue
		}
		r.head = append(r.head, c)
		r.term.push(c)
		if r.term.crlfcrlf() {
			block := r.head[:len(r.head)-4]
			r.head = nil
			if err := r.parseHeader(string(block)); err != nil {
				return i + 1, err
			}
			return i + 1, r.beginPayload()
		}
		if len(r.head) > r.maxHeaderBytes {
			return i + 1, ErrHeaderTooLarge
		}
	}
	return len(p), nil
}

func (r *Request) parseHeader(block string) error {
	lines := strings.Split(block, "\r\n")

	parts := strings.Split(lines[0], " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return &badStringError{"malformed request line", lines[0]}
	}
	r.Method, r.URI, r.Proto = parts[0], parts[1], parts[2]

	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) == "" {
			r.logger.Warn("skipping malformed header line", zap.String("line", line))
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(key), "Encapsulated") {
			r.Header.Set(key, value)
			continue
		}
		skipped, err := r.Encapsulation.Parse(value)
		for _, pair := range skipped {
			r.logger.Warn("skipping malformed Encapsulated pair", zap.String("pair", pair))
		}
		if err != nil {
			return err
		}
	}
	r.state = StateHeaderParsed
	return nil
}

// beginPayload checks the declared layout: every section but the last must
// be a header section and the last must be a body.
func (r *Request) beginPayload() error {
	r.sections = r.Encapsulation.Entities()
	if len(r.sections) == 0 {
		r.state = StateComplete
		return nil
	}

	last := len(r.sections) - 1
	for i, s := range r.sections {
		if s.Entity.IsBody() != (i == last) {
			return fmt.Errorf("%w: %s at offset %d", ErrOffsetInconsistency, s.Entity, s.Offset)
		}
	}
	if t := r.sections[last].Entity; t != NullBody {
		r.decoder = NewChunkDecoder(r.maxLineBytes)
	}
	r.state = StateReadingPayload
	return nil
}

func (r *Request) readPayload(p []byte) (int, error) {
	n := 0
	for r.state == StateReadingPayload {
		if first := r.sections[0].Offset; r.Payload.Consumed < first {
			skip := min(len(p)-n, first-r.Payload.Consumed)
			if skip == 0 {
				break
			}
			r.Payload.Consumed += skip
			n += skip
			continue
		}

		for r.cur < len(r.sections)-1 && r.Payload.Consumed >= r.sections[r.cur+1].Offset {
			r.cur++
		}
		s := r.sections[r.cur]

		if r.cur < len(r.sections)-1 {
			take := min(len(p)-n, r.sections[r.cur+1].Offset-r.Payload.Consumed)
			if take == 0 {
				break
			}
			buf := r.Payload.section(s.Entity)
			*buf = append(*buf, p[n:n+take]...)
			r.Payload.Consumed += take
			n += take
			continue
		}

		if s.Entity == NullBody {
			r.state = StateComplete
			break
		}
		if n == len(p) {
			break
		}

		var (
			m   int
			err error
		)
		if buf := r.Payload.section(s.Entity); buf != nil {
			*buf, m, err = r.decoder.Decode(*buf, p[n:])
		} else {
			_, m, err = r.decoder.Decode(nil, p[n:])
		}
		r.Payload.Consumed += m
		n += m
		if err != nil {
			return n, err
		}
		if r.decoder.Done() {
			r.Payload.IEOF = r.decoder.IEOF()
			r.state = StateComplete
		}
	}
	return n, nil
}

// Continue reopens a complete request whose body was cut short by a preview,
// after the server has answered 100 Continue. Bytes fed afterwards are
// decoded as the rest of the same body.
func (r *Request) Continue() error {
	if r.state != StateComplete || r.decoder == nil || r.Payload.IEOF {
		return ErrNotContinuable
	}
	r.decoder = NewChunkDecoder(r.maxLineBytes)
	r.state = StateReadingPayload
	return nil
}

// PreviewSize returns the Preview header value, if the client sent a valid one.
func (r *Request) PreviewSize() (int, bool) {
	v, ok := r.Header.Lookup("Preview")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Allows204 reports whether the client accepts 204 outside of a preview.
func (r *Request) Allows204() bool {
	for _, v := range strings.Split(r.Header.Get("Allow"), ",") {
		if strings.TrimSpace(v) == "204" {
			return true
		}
	}
	return false
}

// Body returns the entity of the body section and its decoded bytes.
func (r *Request) Body() (Entity, []byte) {
	t, ok := r.Encapsulation.Terminal()
	if !ok {
		return NullBody, nil
	}
	return t, r.Payload.Section(t)
}

// WriteTo serializes the request the way a client sends it. The
// Encapsulated header is derived from the payload.
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: w}
	bw := bufio.NewWriter(cw)

	fmt.Fprintf(bw, "%s %s %s\r\n", r.Method, r.URI, valueOrDefault(r.Proto, "ICAP/1.0"))
	r.Encapsulation.ComputeFromSizes(r.Payload.Sizes())
	ext := ""
	if r.Payload.IEOF {
		ext = "ieof"
	}
	if err := writeMessage(bw, r.Header, &r.Encapsulation, &r.Payload, ext); err != nil {
		return cw.n, err
	}
	err := bw.Flush()
	return cw.n, err
}

// countWriter counts the bytes written through it.
type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// writeMessage writes the header lines, the Encapsulated line and the
// payload sections in wire order. Body sections are chunked, with ext on
// the terminating chunk.
func writeMessage(w io.Writer, h Header, m *Encapsulation, p *Payload, ext string) error {
	if err := h.Write(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "Encapsulated: "+m.String()+"\r\n\r\n"); err != nil {
		return err
	}
	for _, s := range m.Entities() {
		data := p.Section(s.Entity)
		switch s.Entity {
		case ReqHdr, ResHdr:
			if _, err := w.Write(data); err != nil {
				return err
			}
		case ReqBody, ResBody:
			if err := WriteChunked(w, data, ext); err != nil {
				return err
			}
		}
	}
	return nil
}

func valueOrDefault(value, def string) string {
	if value != "" {
		return value
	}
	return def
}
