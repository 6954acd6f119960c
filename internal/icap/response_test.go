package icap

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestNewResponseUnknownStatus(t *testing.T) {
	for _, code := range []int{0, 201, 299, 600} {
		if _, err := NewResponse(code); !errors.Is(err, ErrUnknownStatus) {
			t.Errorf("NewResponse(%d) error = %v", code, err)
		}
	}
}

func TestNewResponseDefaults(t *testing.T) {
	a, err := NewResponse(StatusNoModifications)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewResponse(StatusNoModifications)

	if a.Header.Get("Connection") != "close" {
		t.Errorf("Connection = %q", a.Header.Get("Connection"))
	}
	for _, k := range []string{"Server", "Date", "ISTag"} {
		if a.Header.Get(k) == "" {
			t.Errorf("missing %s header", k)
		}
	}
	tag := a.Header.Get("ISTag")
	if len(tag) > 32 || !strings.HasPrefix(tag, `"`) || !strings.HasSuffix(tag, `"`) {
		t.Errorf("ISTag = %s", tag)
	}
	if tag == b.Header.Get("ISTag") {
		t.Error("ISTag repeated across responses")
	}
	if got := a.Encapsulation.String(); got != "null-body=0" {
		t.Errorf("Encapsulated = %q", got)
	}
}

func TestResponseWriteTo(t *testing.T) {
	resp, err := NewResponse(StatusOK)
	if err != nil {
		t.Fatal(err)
	}
	resp.Header = Header{}
	resp.Header.Set("ISTag", `"W3E4R7U9-L2E4-2"`)
	resp.Header.Set("Connection", "close")
	resp.SetPayload(Payload{
		ResHeader: []byte("HTTP/1.1 200 OK\r\n\r\n"),
		ResBody:   []byte("hello"),
	})

	var buf bytes.Buffer
	n, err := resp.WriteTo(&buf)
	if err != nil {
		t.Fatal(err)
	}
	want := "ICAP/1.0 200 OK\r\n" +
		"Connection: close\r\n" +
		"ISTag: \"W3E4R7U9-L2E4-2\"\r\n" +
		"Encapsulated: res-hdr=0, res-body=19\r\n" +
		"\r\n" +
		"HTTP/1.1 200 OK\r\n\r\n" +
		"5\r\nhello\r\n" +
		"0\r\n\r\n"
	if buf.String() != want {
		t.Errorf("WriteTo wrote\n%q\nwant\n%q", buf.String(), want)
	}
	if n != int64(len(want)) {
		t.Errorf("WriteTo returned %d", n)
	}
}

func TestResponseWriteToLargeBody(t *testing.T) {
	resp, _ := NewResponse(StatusOK)
	body := bytes.Repeat([]byte("x"), MaxChunkSize+10)
	resp.SetPayload(Payload{ReqBody: body})

	var buf bytes.Buffer
	if _, err := resp.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	_, rest, _ := strings.Cut(buf.String(), "\r\n\r\n")
	if !strings.HasPrefix(rest, "8000\r\n") || !strings.Contains(rest, "\r\na\r\nxxxxxxxxxx\r\n0\r\n\r\n") {
		t.Errorf("unexpected chunking: %q...", rest[:16])
	}

	d := NewChunkDecoder(0)
	out, _, err := d.Decode(nil, []byte(rest))
	if err != nil || !bytes.Equal(out, body) || !d.Done() {
		t.Errorf("decoded %d bytes, err %v", len(out), err)
	}
}

func TestResponseWriteToNoContent(t *testing.T) {
	resp, _ := NewResponse(StatusNoModifications)
	var buf bytes.Buffer
	resp.WriteTo(&buf)
	if !strings.HasPrefix(buf.String(), "ICAP/1.0 204 No modifications needed\r\n") {
		t.Errorf("status line: %q", buf.String())
	}
	if !strings.HasSuffix(buf.String(), "Encapsulated: null-body=0\r\n\r\n") {
		t.Errorf("tail: %q", buf.String())
	}
}

func TestResponseWriteToContinue(t *testing.T) {
	resp, _ := NewResponse(StatusContinue)
	resp.Header = Header{}
	var buf bytes.Buffer
	resp.WriteTo(&buf)
	if got := buf.String(); got != "ICAP/1.0 100 Continue\r\n\r\n" {
		t.Errorf("WriteTo = %q", got)
	}
}

func TestStatusText(t *testing.T) {
	tests := map[int]string{
		100: "Continue",
		200: "OK",
		204: "No modifications needed",
		400: "Bad request",
		404: "ICAP Service not found",
		405: "Method not allowed for service",
		408: "Request timeout",
		500: "Server error",
		501: "Method not implemented",
		502: "Bad gateway",
		503: "Service overloaded",
		505: "ICAP version not supported by server",
		418: "",
	}
	for code, want := range tests {
		if got := StatusText(code); got != want {
			t.Errorf("StatusText(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestHeaderWriteSanitizes(t *testing.T) {
	h := Header{}
	h.Set("X-B", "two")
	h.Set("X-A", "one\r\nX-Injected: yes")
	var buf bytes.Buffer
	h.Write(&buf)
	if got, want := buf.String(), "X-A: one  X-Injected: yes\r\nX-B: two\r\n"; got != want {
		t.Errorf("Write = %q, want %q", got, want)
	}
}
