package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"time"

	"LeverLedger/internal/ingestion"
	"LeverLedger/internal/observability"
	"LeverLedger/internal/query"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// LedgerServiceName is the gRPC service carrying the ledger operations.
// Messages are google.protobuf.Struct holding the same snake_case JSON
// objects as the HTTP API.
const LedgerServiceName = "leverledger.v1.LedgerService"

type invoker func(ctx context.Context, m ingestion.Meta, req *structpb.Struct) (any, error)

type method struct {
	name   string
	access access
	invoke invoker
}

// mutation adapts an API mutation to a Struct-in, Struct-out method.
func mutation[Req, Resp any](fn func(context.Context, ingestion.Meta, Req) (Resp, error)) invoker {
	return func(ctx context.Context, m ingestion.Meta, s *structpb.Struct) (any, error) {
		var req Req
		if err := fromStruct(s, &req); err != nil {
			return nil, err
		}
		return fn(ctx, m, req)
	}
}

// view adapts an API read that takes no caller.
func view[Req, Resp any](fn func(context.Context, Req) (Resp, error)) invoker {
	return func(ctx context.Context, _ ingestion.Meta, s *structpb.Struct) (any, error) {
		var req Req
		if err := fromStruct(s, &req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	}
}

// maxExactNumber is the largest integer a Struct number (float64) holds exactly.
const maxExactNumber = 1 << 53

func fromStruct(s *structpb.Struct, v any) error {
	for name, field := range s.GetFields() {
		if n, ok := field.GetKind().(*structpb.Value_NumberValue); ok && math.Abs(n.NumberValue) > maxExactNumber {
			return fmt.Errorf("%w: %s exceeds 2^53 and cannot be carried exactly", ingestion.ErrInvalidCommand, name)
		}
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("%w: %v", ingestion.ErrInvalidCommand, err)
	}
	if err := strictUnmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ingestion.ErrInvalidCommand, err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// GRPCServer serves LedgerService and the standard health service.
type GRPCServer struct {
	server  *grpc.Server
	health  *health.Server
	addr    string
	api     *API
	auth    *Authenticator
	limiter *RateLimiter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewGRPCServer(addr string, api *API, auth *Authenticator, limiter *RateLimiter, metrics *observability.Metrics, logger zerolog.Logger) *GRPCServer {
	s := &GRPCServer{
		server:  grpc.NewServer(),
		health:  health.NewServer(),
		addr:    addr,
		api:     api,
		auth:    auth,
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
	}

	methods := []method{
		{"CreateOpportunity", authenticated, mutation(api.CreateOpportunity)},
		{"BuyTokens", authenticated, mutation(api.BuyTokens)},
		{"CreatePositionChain", authenticated, mutation(api.CreatePositionChain)},
		{"ExtendChain", authenticated, mutation(api.ExtendChain)},
		{"LiquidateChain", authenticated, mutation(api.LiquidateChain)},
		{"ResolveOpportunity", authenticated, mutation(api.ResolveOpportunity)},
		{"ClaimWinnings", authenticated, mutation(api.ClaimWinnings)},

		{"GetOpportunity", public, view(api.GetOpportunity)},
		{"ListOpportunities", public, func(ctx context.Context, _ ingestion.Meta, _ *structpb.Struct) (any, error) {
			opps, err := api.ListOpportunities(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"opportunities": opps}, nil
		}},
		{"GetQuote", public, view(api.GetQuote)},
		{"GetPositionChain", public, view(api.GetPositionChain)},
		{"GetUserChains", public, view(api.GetUserChains)},
		{"GetUserTokens", public, view(api.GetUserTokens)},
		{"GetCurrentPositionValue", public, view(api.GetCurrentPositionValue)},
		{"ProtocolFees", public, view(api.ProtocolFees)},

		{"JournalHistory", admin, func(ctx context.Context, _ ingestion.Meta, req *structpb.Struct) (any, error) {
			var f query.JournalFilter
			if err := fromStruct(req, &f); err != nil {
				return nil, err
			}
			entries, err := api.JournalHistory(ctx, f)
			if err != nil {
				return nil, err
			}
			return map[string]any{"entries": entries}, nil
		}},
		{"VerifyIntegrity", admin, func(ctx context.Context, _ ingestion.Meta, _ *structpb.Struct) (any, error) {
			return api.VerifyIntegrity(ctx)
		}},
	}

	desc := &grpc.ServiceDesc{
		ServiceName: LedgerServiceName,
		HandlerType: (*any)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "leverledger/v1/ledger.proto",
	}
	for _, m := range methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: m.name,
			Handler:    s.handler(m),
		})
	}
	s.server.RegisterService(desc, s)

	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(LedgerServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *GRPCServer) handler(m method) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + LedgerServiceName + "/" + m.name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return s.call(ctx, m, typed)
		}
		if interceptor == nil {
			return handler(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, req, info, handler)
	}
}

func (s *GRPCServer) call(ctx context.Context, m method, req *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()
	resp, err := s.serve(ctx, m, req)

	code := codes.OK
	var out *structpb.Struct
	if err == nil {
		out, err = toStruct(resp)
	}
	if err != nil {
		code = GRPCCode(err)
		if code == codes.Internal {
			s.logger.Error().Err(err).Str("operation", m.name).Msg("request failed")
		}
		err = GRPCError(err)
	}

	if s.metrics != nil {
		s.metrics.APIRequests.WithLabelValues("grpc", m.name, code.String()).Inc()
		s.metrics.APIDuration.WithLabelValues("grpc", m.name).Observe(time.Since(start).Seconds())
	}
	return out, err
}

func (s *GRPCServer) serve(ctx context.Context, m method, req *structpb.Struct) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var meta ingestion.Meta

	key := "grpc:anonymous"
	token := first(md, "authorization")
	if m.access != public || token != "" {
		caller, err := s.auth.Authenticate(token)
		if err != nil {
			return nil, err
		}
		meta.Caller = caller
		key = caller.Hex()
	}
	if m.access == admin && !s.api.IsAdmin(meta.Caller) {
		return nil, ErrForbidden
	}
	if !s.limiter.Allow(key) {
		if s.metrics != nil {
			s.metrics.APIRateLimited.WithLabelValues("grpc").Inc()
		}
		return nil, ErrRateLimited
	}
	if raw := first(md, "idempotency-key"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: idempotency-key must be a UUID", ingestion.ErrInvalidCommand)
		}
		meta.RequestID = id
	}
	return m.invoke(ctx, meta, req)
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// SetServing flips the health status once recovery completes.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(LedgerServiceName, st)
}

// Server exposes the underlying grpc.Server, e.g. for in-process tests.
func (s *GRPCServer) Server() *grpc.Server {
	return s.server
}

// Start serves until ctx is cancelled.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.server.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.addr).Msg("gRPC server listening")
	return s.server.Serve(lis)
}
