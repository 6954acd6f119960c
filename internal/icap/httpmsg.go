package icap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ParseHTTPRequest parses an encapsulated HTTP request header section.
func ParseHTTPRequest(hdr []byte) (*http.Request, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(hdr)))
	if err != nil {
		return nil, fmt.Errorf("icap: encapsulated http request: %w", err)
	}
	return req, nil
}

// ParseHTTPResponse parses an encapsulated HTTP response header section.
// req may be nil.
func ParseHTTPResponse(hdr []byte, req *http.Request) (*http.Response, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(hdr)), req)
	if err != nil {
		return nil, fmt.Errorf("icap: encapsulated http response: %w", err)
	}
	return resp, nil
}

// HTTPRequestHeader serializes the request line and headers of req. The
// body travels chunked inside ICAP, so Transfer-Encoding is dropped and
// Content-Length is written only when contentLength is non-negative.
func HTTPRequestHeader(req *http.Request, contentLength int) []byte {
	buf := new(bytes.Buffer)

	uri := req.RequestURI
	if uri == "" && req.URL != nil {
		uri = req.URL.RequestURI()
	}
	fmt.Fprintf(buf, "%s %s %s\r\n", valueOrDefault(req.Method, "GET"), valueOrDefault(uri, "/"), valueOrDefault(req.Proto, "HTTP/1.1"))
	if req.Host != "" && req.Header.Get("Host") == "" {
		fmt.Fprintf(buf, "Host: %s\r\n", req.Host)
	}
	writeHTTPHeader(buf, req.Header, contentLength)
	return buf.Bytes()
}

// HTTPResponseHeader serializes the status line and headers of resp, with
// the same Content-Length handling as HTTPRequestHeader.
func HTTPResponseHeader(resp *http.Response, contentLength int) []byte {
	buf := new(bytes.Buffer)

	text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
	if text == "" {
		text = http.StatusText(resp.StatusCode)
		if text == "" {
			text = "status code " + strconv.Itoa(resp.StatusCode)
		}
	}
	fmt.Fprintf(buf, "%s %d %s\r\n", valueOrDefault(resp.Proto, "HTTP/1.1"), resp.StatusCode, text)
	writeHTTPHeader(buf, resp.Header, contentLength)
	return buf.Bytes()
}

func writeHTTPHeader(w io.Writer, h http.Header, contentLength int) {
	h.WriteSubset(w, map[string]bool{
		"Transfer-Encoding": true,
		"Content-Length":    true,
	})
	if contentLength >= 0 {
		fmt.Fprintf(w, "Content-Length: %d\r\n", contentLength)
	}
	io.WriteString(w, "\r\n")
}
