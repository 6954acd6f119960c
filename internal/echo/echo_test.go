package echo

import (
	"bytes"
	"context"
	"testing"

	"icapd/internal/icap"
)

func TestEcho(t *testing.T) {
	hdr := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\n"
	msg := "RESPMOD icap://localhost/echo ICAP/1.0\r\n" +
		"Host: localhost\r\n" +
		"Encapsulated: res-hdr=0, res-body=45\r\n\r\n" +
		hdr + "5; ext\r\nhello\r\n0; ieof\r\n\r\n"

	req := icap.NewRequest()
	if _, err := req.Feed([]byte(msg)); err != nil {
		t.Fatal(err)
	}

	m := New()
	if resp, err := m.Preview(context.Background(), req); err != nil || resp.Status != icap.StatusContinue {
		t.Fatalf("Preview = %v, %v", resp, err)
	}

	resp, err := m.Modify(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != icap.StatusOK {
		t.Errorf("Status = %d", resp.Status)
	}
	if got := resp.Encapsulation.String(); got != "res-hdr=0, res-body=45" {
		t.Errorf("Encapsulated = %q", got)
	}

	var out bytes.Buffer
	if _, err := resp.WriteTo(&out); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasSuffix(out.Bytes(), []byte(hdr+"5\r\nhello\r\n0\r\n\r\n")) {
		t.Errorf("response body:\n%q", out.String())
	}

	resp.Payload.ResBody[0] = 'j'
	if string(req.Payload.ResBody) != "hello" {
		t.Error("response shares buffers with the request")
	}
}
