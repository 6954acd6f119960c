// Package echo implements a modifier that returns every message unchanged.
package echo

import (
	"context"

	"icapd/internal/icap"
)

// Modifier asks for the whole body on preview and answers with a copy of
// the request payload.
type Modifier struct{}

func New() *Modifier { return &Modifier{} }

func (*Modifier) Preview(context.Context, *icap.Request) (*icap.Response, error) {
	return icap.NewResponse(icap.StatusContinue)
}

func (*Modifier) Modify(_ context.Context, req *icap.Request) (*icap.Response, error) {
	return icap.NewEchoResponse(req)
}
