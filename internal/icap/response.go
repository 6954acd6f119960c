package icap

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ServerName is sent in the Server header of every response.
var ServerName = "icapd/1.0"

// Response is an ICAP response ready to be written to a connection.
type Response struct {
	Status        int
	Proto         string
	Header        Header
	Encapsulation Encapsulation
	Payload       Payload
}

// NewResponse returns a response with the default header set and an empty
// payload. It fails if status has no reason phrase.
func NewResponse(status int) (*Response, error) {
	if StatusText(status) == "" {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, status)
	}
	r := &Response{
		Status: status,
		Proto:  "ICAP/1.0",
		Header: make(Header),
	}
	r.Header.Set("Connection", "close")
	r.Header.Set("Server", ServerName)
	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	r.Header.Set("ISTag", newISTag())
	r.Encapsulation.ComputeFromSizes(Sizes{})
	return r, nil
}

// newISTag returns a quoted tag that fits the 32 byte ISTag limit.
func newISTag() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return `"` + id[:30] + `"`
}

// SetPayload replaces the payload and derives the Encapsulated header from
// its section sizes.
func (r *Response) SetPayload(p Payload) {
	r.Payload = p
	r.Encapsulation.ComputeFromSizes(p.Sizes())
}

// WriteTo writes the status line, headers and payload. An interim 100
// Continue carries neither an Encapsulated header nor a payload.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: w}
	bw := bufio.NewWriter(cw)

	fmt.Fprintf(bw, "%s %d %s\r\n", valueOrDefault(r.Proto, "ICAP/1.0"), r.Status, StatusText(r.Status))
	if r.Status == StatusContinue {
		if err := r.Header.Write(bw); err != nil {
			return cw.n, err
		}
		io.WriteString(bw, "\r\n")
	} else if err := writeMessage(bw, r.Header, &r.Encapsulation, &r.Payload, ""); err != nil {
		return cw.n, err
	}
	err := bw.Flush()
	return cw.n, err
}
