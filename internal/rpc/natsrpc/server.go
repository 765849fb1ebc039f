package natsrpc

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/tribunal/tribunal/internal/rpc"
	"github.com/vmihailenco/msgpack/v5"
)

// Server exposes a Judicator implementation over NATS request/reply, one
// subject per method under the server's prefix.
type Server struct {
	nc      *nats.Conn
	prefix  string
	svc     rpc.Judicator
	timeout time.Duration
	log     zerolog.Logger
	subs    []*nats.Subscription
}

func NewServer(nc *nats.Conn, prefix string, svc rpc.Judicator, timeout time.Duration, log zerolog.Logger) *Server {
	return &Server{
		nc:      nc,
		prefix:  prefix,
		svc:     svc,
		timeout: timeout,
		log:     log,
	}
}

// Prefix returns the subject prefix clients should address.
func (s *Server) Prefix() string {
	return s.prefix
}

// Start subscribes every method subject. Handlers run on the NATS dispatch
// goroutines; each one recovers its own panics so a single bad request never
// takes the server down.
func (s *Server) Start() error {
	type binding struct {
		method string
		handle func(ctx context.Context, data []byte) (any, error)
	}

	bindings := []binding{
		{rpc.MethodPing, func(ctx context.Context, _ []byte) (any, error) {
			return s.svc.Ping(ctx)
		}},
		{rpc.MethodAdd, func(ctx context.Context, data []byte) (any, error) {
			var req rpc.AddRequest
			if err := msgpack.Unmarshal(data, &req); err != nil {
				return &rpc.AddResponse{Code: rpc.CodeInvalidInput}, nil
			}
			return s.svc.Add(ctx, &req)
		}},
		{rpc.MethodCancel, func(ctx context.Context, data []byte) (any, error) {
			var req rpc.CancelRequest
			if err := msgpack.Unmarshal(data, &req); err != nil {
				return &rpc.CancelResponse{Code: rpc.CodeInvalidInput}, nil
			}
			return s.svc.Cancel(ctx, &req)
		}},
		{rpc.MethodSearch, func(ctx context.Context, data []byte) (any, error) {
			var req rpc.SearchRequest
			if err := msgpack.Unmarshal(data, &req); err != nil {
				return &rpc.SearchResponse{Code: rpc.CodeInvalidInput}, nil
			}
			return s.svc.Search(ctx, &req)
		}},
		{rpc.MethodGet, func(ctx context.Context, data []byte) (any, error) {
			var req rpc.GetRequest
			if err := msgpack.Unmarshal(data, &req); err != nil {
				return &rpc.GetResponse{Code: rpc.CodeInvalidInput}, nil
			}
			return s.svc.Get(ctx, &req)
		}},
		{rpc.MethodReport, func(ctx context.Context, data []byte) (any, error) {
			var req rpc.ReportRequest
			if err := msgpack.Unmarshal(data, &req); err != nil {
				return &rpc.ReportResponse{Code: rpc.CodeInvalidInput}, nil
			}
			return s.svc.Report(ctx, &req)
		}},
		{rpc.MethodExecutors, func(ctx context.Context, _ []byte) (any, error) {
			return s.svc.Executors(ctx)
		}},
	}

	for _, b := range bindings {
		b := b
		sub, err := s.nc.Subscribe(rpc.Subject(s.prefix, b.method), func(msg *nats.Msg) {
			s.serve(b.method, b.handle, msg)
		})
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to subscribe %s: %w", b.method, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Server) serve(method string, handle func(context.Context, []byte) (any, error), msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("method", method).Interface("panic", r).Msg("rpc handler panicked")
			s.respondError(method, msg)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	resp, err := handle(ctx, msg.Data)
	if err != nil {
		s.log.Error().Err(err).Str("method", method).Msg("rpc handler failed")
		s.respondError(method, msg)
		return
	}
	data, err := msgpack.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Str("method", method).Msg("failed to encode rpc response")
		s.respondError(method, msg)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Error().Err(err).Str("method", method).Msg("failed to publish rpc response")
	}
}

// respondError sends the method's typed response with an error code so the
// caller sees a protocol error instead of a timeout.
func (s *Server) respondError(method string, msg *nats.Msg) {
	var resp any
	switch method {
	case rpc.MethodPing:
		resp = &rpc.PingResponse{Code: rpc.CodeError}
	case rpc.MethodAdd:
		resp = &rpc.AddResponse{Code: rpc.CodeError}
	case rpc.MethodCancel:
		resp = &rpc.CancelResponse{Code: rpc.CodeError}
	case rpc.MethodSearch:
		resp = &rpc.SearchResponse{Code: rpc.CodeError}
	case rpc.MethodGet:
		resp = &rpc.GetResponse{Code: rpc.CodeError}
	case rpc.MethodReport:
		resp = &rpc.ReportResponse{Code: rpc.CodeError}
	case rpc.MethodExecutors:
		resp = &rpc.ExecutorsResponse{Code: rpc.CodeError}
	default:
		return
	}
	data, err := msgpack.Marshal(resp)
	if err != nil {
		return
	}
	_ = msg.Respond(data)
}

// Stop drains the method subscriptions.
func (s *Server) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}
