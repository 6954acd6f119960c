package icap

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Limiter decides whether a client may open another exchange.
type Limiter interface {
	IsAllowed(client string) bool
}

// ServerConfig holds the protocol level settings of a Server.
type ServerConfig struct {
	// Service is the path served, e.g. "tokenize". Empty accepts any path.
	Service        string
	OptionsTTL     int
	PreviewSize    int
	MaxConnections int
	CommTimeout    time.Duration
	MaxHeaderBytes int
	MaxLineBytes   int
}

// Server accepts ICAP connections and runs each request through the
// modifiers configured for its method.
type Server struct {
	cfg      ServerConfig
	handlers map[string][]Modifier
	logger   *zap.Logger
	metrics  *Metrics
	limiter  Limiter
	sem      *semaphore.Weighted

	wg sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l.Named("icap")
		}
	}
}

// WithMetrics records server activity in m.
func WithMetrics(m *Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithLimiter rejects clients l does not allow with 503.
func WithLimiter(l Limiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// NewServer returns a server dispatching REQMOD and RESPMOD requests to the
// modifiers listed for each method, in order.
func NewServer(cfg ServerConfig, handlers map[string][]Modifier, opts ...ServerOption) *Server {
	if cfg.OptionsTTL <= 0 {
		cfg.OptionsTTL = 3600
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	s := &Server{
		cfg:      cfg,
		handlers: handlers,
		logger:   zap.NewNop(),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConnections)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections on ln until ctx is cancelled, then waits for the
// connections in flight to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer s.wg.Wait()

	s.logger.Info("ICAP server listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept timeout", zap.Error(err))
				continue
			}
			return err
		}

		if !s.sem.TryAcquire(1) {
			s.metrics.reject("overloaded")
			s.logger.Warn("rejecting connection, no free slot", zap.Stringer("remote", conn.RemoteAddr()))
			s.refuse(conn, StatusServiceOverloaded)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.HandleConnection(ctx, conn)
		}()
	}
}

func (s *Server) refuse(conn net.Conn, status int) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.writeStatus(conn, "", status)
}

// HandleConnection serves one request on conn and closes it.
func (s *Server) HandleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.metrics.connOpened()
	defer s.metrics.connClosed()

	log := s.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	if s.limiter != nil && !s.limiter.IsAllowed(clientHost(conn.RemoteAddr())) {
		s.metrics.reject("rate_limited")
		log.Warn("client rate limited")
		s.writeStatus(conn, "", StatusServiceOverloaded)
		return
	}

	start := time.Now()
	ex := &exchange{
		conn: conn,
		buf:  make([]byte, 32<<10),
		req: NewRequest(
			WithLogger(log),
			WithMaxHeaderBytes(s.cfg.MaxHeaderBytes),
			WithMaxLineBytes(s.cfg.MaxLineBytes),
		),
		timeout: s.cfg.CommTimeout,
	}

	resp, err := s.serve(ctx, ex, log)
	if err != nil {
		status, ok := errorStatus(err)
		if !ok {
			log.Debug("connection closed before a request was read", zap.Error(err))
			return
		}
		s.metrics.protocolError(errorKind(err))
		log.Warn("failed to read ICAP request", zap.Error(err), zap.Int("status", status))
		resp, _ = NewResponse(status)
	}

	if s.cfg.CommTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.CommTimeout))
	}
	n, err := resp.WriteTo(conn)
	ex.out += n
	if err != nil {
		log.Warn("failed to write ICAP response", zap.Error(err))
	}
	s.metrics.addBytes(ex.in, ex.out)
	s.metrics.observeRequest(ex.req.Method, resp.Status, time.Since(start).Seconds())
	log.Debug("ICAP exchange done",
		zap.String("method", ex.req.Method),
		zap.String("uri", ex.req.URI),
		zap.Int("status", resp.Status),
		zap.Int64("bytes_in", ex.in),
		zap.Int64("bytes_out", ex.out),
	)
}

// exchange is the connection side of one request.
type exchange struct {
	conn    net.Conn
	buf     []byte
	req     *Request
	timeout time.Duration
	in      int64
	out     int64
}

// read feeds the request until it is complete.
func (ex *exchange) read() error {
	for ex.req.State() != StateComplete {
		if ex.timeout > 0 {
			ex.conn.SetReadDeadline(time.Now().Add(ex.timeout))
		}
		n, err := ex.conn.Read(ex.buf)
		ex.in += int64(n)
		if n > 0 {
			if _, ferr := ex.req.Feed(ex.buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if ex.req.State() == StateComplete {
				return nil
			}
			if errors.Is(err, io.EOF) && ex.in > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

func (s *Server) serve(ctx context.Context, ex *exchange, log *zap.Logger) (*Response, error) {
	if err := ex.read(); err != nil {
		return nil, err
	}
	req := ex.req
	log.Debug("ICAP request",
		zap.String("method", req.Method),
		zap.String("uri", req.URI),
		zap.String("encapsulated", req.Encapsulation.String()),
	)

	if req.Proto != "ICAP/1.0" {
		return NewResponse(StatusVersionNotSupported)
	}
	switch req.Method {
	case "OPTIONS", "REQMOD", "RESPMOD":
	default:
		return NewResponse(StatusMethodNotImplemented)
	}
	if !s.matchService(req.URI) {
		return NewResponse(StatusServiceNotFound)
	}
	if req.Method == "OPTIONS" {
		return s.options()
	}

	mods := s.handlers[req.Method]
	if len(mods) == 0 {
		return NewResponse(StatusMethodNotAllowed)
	}
	if _, ok := req.Encapsulation.Terminal(); !ok {
		return NewResponse(StatusBadRequest)
	}

	_, preview := req.PreviewSize()
	if preview && !req.Payload.IEOF && req.decoder != nil {
		resp, err := s.preview(ctx, mods, req)
		if err != nil {
			log.Error("preview failed", zap.Error(err))
			return NewResponse(StatusServerError)
		}
		if resp.Status != StatusContinue {
			return resp, nil
		}

		n, err := resp.WriteTo(ex.conn)
		ex.out += n
		if err != nil {
			return nil, err
		}
		if err := req.Continue(); err != nil {
			return nil, err
		}
		if err := ex.read(); err != nil {
			return nil, err
		}
	}

	resp, err := s.modify(ctx, mods, req)
	if err != nil {
		log.Error("modifier failed", zap.Error(err))
		return NewResponse(StatusServerError)
	}
	if resp.Status == StatusNoModifications && !req.Allows204() {
		return NewEchoResponse(req)
	}
	return resp, nil
}

// preview asks every modifier about the preview. A final answer other than
// 204 wins; otherwise the rest of the body is wanted if any modifier asked
// for it.
func (s *Server) preview(ctx context.Context, mods []Modifier, req *Request) (*Response, error) {
	var cont *Response
	for _, m := range mods {
		resp, err := m.Preview(ctx, req)
		if err != nil {
			return nil, err
		}
		switch resp.Status {
		case StatusNoModifications:
		case StatusContinue:
			if cont == nil {
				cont = resp
			}
		default:
			return resp, nil
		}
	}
	if cont != nil {
		return cont, nil
	}
	return NewResponse(StatusNoModifications)
}

// modify runs the modifiers in order and returns the first response that
// is not 204.
func (s *Server) modify(ctx context.Context, mods []Modifier, req *Request) (*Response, error) {
	for _, m := range mods {
		resp, err := m.Modify(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.Status != StatusNoModifications {
			return resp, nil
		}
	}
	return NewResponse(StatusNoModifications)
}

func (s *Server) options() (*Response, error) {
	resp, err := NewResponse(StatusOK)
	if err != nil {
		return nil, err
	}

	var methods []string
	for _, m := range []string{"REQMOD", "RESPMOD"} {
		if len(s.handlers[m]) > 0 {
			methods = append(methods, m)
		}
	}
	if len(methods) > 0 {
		resp.Header.Set("Methods", strings.Join(methods, ", "))
	}
	if s.cfg.Service != "" {
		resp.Header.Set("Service", s.cfg.Service)
	}
	resp.Header.Set("Options-TTL", strconv.Itoa(s.cfg.OptionsTTL))
	resp.Header.Set("Allow", "204")
	resp.Header.Set("Max-Connections", strconv.Itoa(s.cfg.MaxConnections))
	if s.cfg.PreviewSize > 0 {
		resp.Header.Set("Preview", strconv.Itoa(s.cfg.PreviewSize))
		resp.Header.Set("Transfer-Preview", "*")
	}
	return resp, nil
}

func (s *Server) matchService(uri string) bool {
	if s.cfg.Service == "" {
		return true
	}
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return strings.Trim(u.Path, "/") == s.cfg.Service
}

func (s *Server) writeStatus(w io.Writer, method string, status int) {
	resp, err := NewResponse(status)
	if err != nil {
		return
	}
	n, _ := resp.WriteTo(w)
	s.metrics.addBytes(0, n)
	s.metrics.observeRequest(method, status, 0)
}

// errorStatus maps a read error to the status sent back. It reports false
// when the client went away and no response should be attempted.
func errorStatus(err error) (int, bool) {
	var ne net.Error
	switch {
	case errors.Is(err, ErrFraming), errors.Is(err, ErrChunkFraming):
		return StatusBadRequest, true
	case errors.As(err, &ne) && ne.Timeout():
		return StatusRequestTimeout, true
	}
	return 0, false
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrHeaderTooLarge):
		return "header_too_large"
	case errors.Is(err, ErrOffsetInconsistency):
		return "offset"
	case errors.Is(err, ErrFraming):
		return "framing"
	case errors.Is(err, ErrChunkFraming):
		return "chunk"
	}
	return "timeout"
}

func clientHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
