package main

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"icapd/internal/icap"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Send one ICAP request and print the response",
	Long: `Send an OPTIONS, REQMOD or RESPMOD request to an ICAP server.

The HTTP messages to encapsulate are read from files holding a raw HTTP
request or response, header and body.`,
	Example: `  icapd client --method OPTIONS
  icapd client --method REQMOD --request post.http
  icapd client --method RESPMOD --request get.http --response page.http`,
	Args: cobra.NoArgs,
	RunE: runClient,
}

var clientOpts struct {
	server   string
	service  string
	method   string
	request  string
	response string
	insecure bool
	useTLS   bool
	timeout  time.Duration
}

func init() {
	f := clientCmd.Flags()
	f.StringVarP(&clientOpts.server, "server", "s", "localhost:1344", "ICAP server address")
	f.StringVar(&clientOpts.service, "service", "", "service path")
	f.StringVarP(&clientOpts.method, "method", "m", "OPTIONS", "ICAP method")
	f.StringVar(&clientOpts.request, "request", "", "file with the HTTP request to encapsulate")
	f.StringVar(&clientOpts.response, "response", "", "file with the HTTP response to encapsulate")
	f.BoolVar(&clientOpts.useTLS, "tls", false, "connect with TLS")
	f.BoolVar(&clientOpts.insecure, "insecure", false, "skip TLS certificate verification")
	f.DurationVar(&clientOpts.timeout, "timeout", 30*time.Second, "connection timeout")
}

func runClient(cmd *cobra.Command, args []string) error {
	req, err := buildClientRequest(clientOpts.method, clientOpts.server, clientOpts.service)
	if err != nil {
		return err
	}
	if err := loadEncapsulated(req, clientOpts.request, clientOpts.response); err != nil {
		return err
	}

	conn, err := dialICAP(clientOpts.server, clientOpts.useTLS, clientOpts.insecure, clientOpts.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	if clientOpts.timeout > 0 {
		conn.SetDeadline(time.Now().Add(clientOpts.timeout))
	}

	if _, err := req.WriteTo(conn); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if _, err := io.Copy(cmd.OutOrStdout(), conn); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return nil
}

func buildClientRequest(method, server, service string) (*icap.Request, error) {
	method = strings.ToUpper(method)
	switch method {
	case "OPTIONS", "REQMOD", "RESPMOD":
	default:
		return nil, fmt.Errorf("unsupported method %q", method)
	}
	host, _, err := net.SplitHostPort(server)
	if err != nil {
		host = server
	}

	req := icap.NewRequest()
	req.Method = method
	req.URI = "icap://" + server + "/" + strings.TrimLeft(service, "/")
	req.Proto = "ICAP/1.0"
	req.Header.Set("Host", host)
	req.Header.Set("User-Agent", "icapd-client/"+version)
	if method != "OPTIONS" {
		req.Header.Set("Allow", "204")
	}
	return req, nil
}

// loadEncapsulated fills the payload of req from raw HTTP message files.
func loadEncapsulated(req *icap.Request, requestFile, responseFile string) error {
	switch req.Method {
	case "OPTIONS":
		return nil
	case "REQMOD":
		if requestFile == "" {
			return errors.New("REQMOD needs --request")
		}
	case "RESPMOD":
		if responseFile == "" {
			return errors.New("RESPMOD needs --response")
		}
	}

	if requestFile != "" {
		hdr, body, err := readHTTPFile(requestFile)
		if err != nil {
			return err
		}
		req.Payload.ReqHeader = hdr
		if req.Method == "REQMOD" {
			req.Payload.ReqBody = body
		}
	}
	if responseFile != "" && req.Method == "RESPMOD" {
		hdr, body, err := readHTTPFile(responseFile)
		if err != nil {
			return err
		}
		req.Payload.ResHeader = hdr
		req.Payload.ResBody = body
	}
	return nil
}

func readHTTPFile(path string) (header, body []byte, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	header, body = splitHTTPMessage(data)
	if len(header) == 0 {
		return nil, nil, fmt.Errorf("%s: no HTTP header", path)
	}
	return header, body, nil
}

// splitHTTPMessage separates a raw HTTP message into its header block,
// including the blank line, and its body. Bare LF line endings in the
// header are converted to CRLF.
func splitHTTPMessage(data []byte) (header, body []byte) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[:i+4], data[i+4:]
	}
	i := bytes.Index(data, []byte("\n\n"))
	if i < 0 {
		header = data
	} else {
		header, body = data[:i+2], data[i+2:]
	}
	header = bytes.ReplaceAll(header, []byte("\r\n"), []byte("\n"))
	header = bytes.ReplaceAll(header, []byte("\n"), []byte("\r\n"))
	if !bytes.HasSuffix(header, []byte("\r\n\r\n")) {
		header = append(bytes.TrimRight(header, "\r\n"), "\r\n\r\n"...)
	}
	return header, body
}

func dialICAP(addr string, useTLS, insecure bool, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	if !useTLS {
		return d.Dial("tcp", addr)
	}
	return tls.DialWithDialer(d, "tcp", addr, &tls.Config{
		InsecureSkipVerify: insecure,
		MinVersion:         tls.VersionTLS12,
	})
}
