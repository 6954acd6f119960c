package tokenizer

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"icapd/internal/icap"
)

// Modifier tokenizes card numbers in REQMOD JSON bodies and detokenizes
// RESPMOD bodies on their way back to the client.
type Modifier struct {
	tok    *Tokenizer
	logger *zap.Logger
}

// NewModifier wraps t for use by the ICAP server.
func NewModifier(t *Tokenizer, logger *zap.Logger) *Modifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Modifier{tok: t, logger: logger.Named("tokenizer")}
}

// Preview asks for the full body when the content type is one the
// tokenizer rewrites.
func (m *Modifier) Preview(ctx context.Context, req *icap.Request) (*icap.Response, error) {
	var h http.Header
	switch req.Method {
	case "REQMOD":
		if r, err := icap.ParseHTTPRequest(req.Payload.ReqHeader); err == nil {
			h = r.Header
		}
	case "RESPMOD":
		if r, err := icap.ParseHTTPResponse(req.Payload.ResHeader, nil); err == nil {
			h = r.Header
		}
	}
	if h != nil && m.handles(req.Method, h) {
		return icap.NewResponse(icap.StatusContinue)
	}
	return icap.NewResponse(icap.StatusNoModifications)
}

// Modify rewrites the body and answers 204 when nothing changed.
func (m *Modifier) Modify(ctx context.Context, req *icap.Request) (*icap.Response, error) {
	switch req.Method {
	case "REQMOD":
		return m.modifyRequest(ctx, req)
	case "RESPMOD":
		return m.modifyResponse(ctx, req)
	}
	return icap.NewResponse(icap.StatusNoModifications)
}

func (m *Modifier) modifyRequest(ctx context.Context, req *icap.Request) (*icap.Response, error) {
	if len(req.Payload.ReqBody) == 0 {
		return icap.NewResponse(icap.StatusNoModifications)
	}
	httpReq, err := icap.ParseHTTPRequest(req.Payload.ReqHeader)
	if err != nil {
		m.logger.Warn("unparseable encapsulated request", zap.Error(err))
		return icap.NewResponse(icap.StatusNoModifications)
	}
	if !m.handles(req.Method, httpReq.Header) {
		return icap.NewResponse(icap.StatusNoModifications)
	}

	body, modified, err := m.tok.TokenizeJSON(ctx, req.Payload.ReqBody)
	if errors.Is(err, ErrNotJSON) {
		m.logger.Debug("request body is not JSON", zap.String("uri", httpReq.RequestURI))
		return icap.NewResponse(icap.StatusNoModifications)
	}
	if err != nil {
		return nil, err
	}
	if !modified {
		return icap.NewResponse(icap.StatusNoModifications)
	}

	m.logger.Debug("REQMOD tokenized JSON body", zap.String("uri", httpReq.RequestURI))
	resp, err := icap.NewResponse(icap.StatusOK)
	if err != nil {
		return nil, err
	}
	resp.SetPayload(icap.Payload{
		ReqHeader: icap.HTTPRequestHeader(httpReq, len(body)),
		ReqBody:   body,
	})
	return resp, nil
}

func (m *Modifier) modifyResponse(ctx context.Context, req *icap.Request) (*icap.Response, error) {
	if len(req.Payload.ResBody) == 0 {
		return icap.NewResponse(icap.StatusNoModifications)
	}
	httpResp, err := icap.ParseHTTPResponse(req.Payload.ResHeader, nil)
	if err != nil {
		m.logger.Warn("unparseable encapsulated response", zap.Error(err))
		return icap.NewResponse(icap.StatusNoModifications)
	}
	if !m.handles(req.Method, httpResp.Header) {
		return icap.NewResponse(icap.StatusNoModifications)
	}

	var (
		body     []byte
		modified bool
	)
	if isJSON(mediaType(httpResp.Header)) {
		body, modified, err = m.tok.DetokenizeJSON(ctx, req.Payload.ResBody)
	} else {
		body, modified, err = m.tok.DetokenizeHTML(ctx, req.Payload.ResBody)
	}
	if errors.Is(err, ErrNotJSON) {
		return icap.NewResponse(icap.StatusNoModifications)
	}
	if err != nil {
		return nil, err
	}
	if !modified {
		return icap.NewResponse(icap.StatusNoModifications)
	}

	m.logger.Debug("RESPMOD detokenized body", zap.Int("status", httpResp.StatusCode))
	resp, err := icap.NewResponse(icap.StatusOK)
	if err != nil {
		return nil, err
	}
	resp.SetPayload(icap.Payload{
		ResHeader: icap.HTTPResponseHeader(httpResp, len(body)),
		ResBody:   body,
	})
	return resp, nil
}

// handles reports whether bodies carrying header h are rewritten for method.
func (m *Modifier) handles(method string, h http.Header) bool {
	if enc := h.Get("Content-Encoding"); enc != "" && enc != "identity" {
		return false
	}
	mt := mediaType(h)
	if method == "REQMOD" {
		return isJSON(mt)
	}
	return mt == "" || isJSON(mt) || strings.HasPrefix(mt, "text/")
}

func isJSON(mt string) bool {
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func mediaType(h http.Header) string {
	ct := h.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}
