package server

import (
	"PerpSettle/internal/api"
	"PerpSettle/internal/command"
	"PerpSettle/internal/errs"
	"PerpSettle/internal/observability"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the gRPC service of the settlement API.
const ServiceName = "perpsettle.v1.Settlement"

// CodecName is the content subtype of the JSON codec; clients call with
// grpc.CallContentSubtype(CodecName).
const CodecName = "json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonCodec carries the api package's wire types over gRPC without generated protobuf code.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// settlementServer is the handler type of the service descriptor.
type settlementServer interface {
	Execute(ctx context.Context, commandType string, req api.Request) (*api.CommandResponse, error)
	GetConfiguredCollaterals(ctx context.Context, req *api.Empty) (*api.CollateralsResponse, error)
	GetMarketConfiguration(ctx context.Context, req *api.MarketRequest) (*api.MarketConfiguration, error)
	GetNotionalValue(ctx context.Context, req *api.AccountMarketRequest) (*api.NotionalResponse, error)
	GetMarginSummary(ctx context.Context, req *api.AccountMarketRequest) (*api.MarginSummary, error)
	GetPendingOrder(ctx context.Context, req *api.AccountMarketRequest) (*api.Order, error)
}

// ServiceDesc describes perpsettle.v1.Settlement: one unary method per command type plus the
// read queries.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*settlementServer)(nil),
	Methods:     methodDescs(),
	Streams:     []grpc.StreamDesc{},
}

func methodDescs() []grpc.MethodDesc {
	var out []grpc.MethodDesc
	for t := command.TypeTransferCollateral; t <= command.TypeSetMarketConfiguration; t++ {
		out = append(out, grpc.MethodDesc{MethodName: t.String(), Handler: commandHandler(t.String())})
	}
	return append(out,
		grpc.MethodDesc{MethodName: "GetConfiguredCollaterals", Handler: queryHandler("GetConfiguredCollaterals", settlementServer.GetConfiguredCollaterals)},
		grpc.MethodDesc{MethodName: "GetMarketConfiguration", Handler: queryHandler("GetMarketConfiguration", settlementServer.GetMarketConfiguration)},
		grpc.MethodDesc{MethodName: "GetNotionalValue", Handler: queryHandler("GetNotionalValue", settlementServer.GetNotionalValue)},
		grpc.MethodDesc{MethodName: "GetMarginSummary", Handler: queryHandler("GetMarginSummary", settlementServer.GetMarginSummary)},
		grpc.MethodDesc{MethodName: "GetPendingOrder", Handler: queryHandler("GetPendingOrder", settlementServer.GetPendingOrder)},
	)
}

func commandHandler(commandType string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req, err := api.NewRequest(commandType)
		if err != nil {
			return nil, toStatus(err)
		}
		if err := dec(req); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", commandType, err)
		}
		handler := func(ctx context.Context, in any) (any, error) {
			out, err := srv.(settlementServer).Execute(ctx, commandType, in.(api.Request))
			return out, toStatus(err)
		}
		if interceptor == nil {
			return handler(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + commandType}
		return interceptor(ctx, req, info, handler)
	}
}

func queryHandler[Req, Resp any](
	method string,
	call func(settlementServer, context.Context, *Req) (Resp, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", method, err)
		}
		handler := func(ctx context.Context, in any) (any, error) {
			out, err := call(srv.(settlementServer), ctx, in.(*Req))
			return out, toStatus(err)
		}
		if interceptor == nil {
			return handler(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, req, info, handler)
	}
}

// StatusCode maps a settlement error to a gRPC code.
func StatusCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, errUnauthenticated):
		return codes.Unauthenticated
	}
	switch errs.KindOf(err) {
	case errs.KindAuthorization:
		return codes.PermissionDenied
	case errs.KindInputValidation:
		for _, nf := range []error{errs.ErrAccountNotFound, errs.ErrMarketNotFound, errs.ErrPositionNotFound, errs.ErrOrderNotFound} {
			if errors.Is(err, nf) {
				return codes.NotFound
			}
		}
		return codes.InvalidArgument
	case errs.KindResourceLimit, errs.KindRiskViolation, errs.KindTiming:
		return codes.FailedPrecondition
	case errs.KindExternal:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(StatusCode(err), err.Error())
}

// GRPCServer serves the settlement API, gRPC health and reflection.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

// NewGRPCServer registers svc on a new gRPC server.
func NewGRPCServer(addr string, svc *Service) *GRPCServer {
	logger := observability.NewLogger("grpc")
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	grpcServer.RegisterService(&ServiceDesc, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		addr:       addr,
		logger:     logger,
	}
}

// SetServing flips the health status of the settlement service, after recovery completes.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Start listens on the configured address and serves until ctx is done.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("rpc")
		return resp, err
	}
}
