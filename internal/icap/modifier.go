package icap

import "context"

// Modifier adapts the content carried by a request. Preview sees only the
// preview part of the body and answers 100 Continue to ask for the rest,
// 204 to leave the message alone, or a final response. Modify sees the whole
// body.
type Modifier interface {
	Preview(ctx context.Context, req *Request) (*Response, error)
	Modify(ctx context.Context, req *Request) (*Response, error)
}

// NewEchoResponse returns a 200 response carrying a copy of the request
// payload.
func NewEchoResponse(req *Request) (*Response, error) {
	resp, err := NewResponse(StatusOK)
	if err != nil {
		return nil, err
	}
	p := req.Payload.Clone()
	p.IEOF = false
	resp.SetPayload(p)
	return resp, nil
}
