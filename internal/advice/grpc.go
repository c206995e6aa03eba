package advice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"backtester/internal/util"
)

// The advisor service exchanges google.protobuf.Struct messages, so it needs
// no generated stubs:
//
//	service Advisor { rpc Advise(google.protobuf.Struct) returns (google.protobuf.Struct); }
const (
	serviceName  = "backtester.advice.v1.Advisor"
	adviseMethod = "/" + serviceName + "/Advise"
)

type structAdvisorServer interface {
	Advise(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var advisorServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*structAdvisorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Advise", Handler: adviseHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "backtester/advice/v1/advisor.proto",
}

func adviseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(structAdvisorServer).Advise(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: adviseMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(structAdvisorServer).Advise(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ---------------------------------------------------------------------------
// Struct encoding
// ---------------------------------------------------------------------------

func requestToStruct(req Request) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"symbol":    req.Symbol,
		"strategy":  req.Strategy,
		"timestamp": req.Timestamp.UTC().Format(time.RFC3339Nano),
		"price":     req.Price.String(),
	})
}

func requestFromStruct(s *structpb.Struct) (Request, error) {
	f := s.GetFields()
	req := Request{
		Symbol:   f["symbol"].GetStringValue(),
		Strategy: f["strategy"].GetStringValue(),
	}
	if req.Symbol == "" {
		return Request{}, fmt.Errorf("symbol is required")
	}
	if raw := f["timestamp"].GetStringValue(); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Request{}, fmt.Errorf("parsing timestamp %q: %w", raw, err)
		}
		req.Timestamp = ts
	}
	if raw := f["price"].GetStringValue(); raw != "" {
		p, err := decimal.NewFromString(raw)
		if err != nil {
			return Request{}, fmt.Errorf("parsing price %q: %w", raw, err)
		}
		req.Price = p
	}
	return req, nil
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// GRPCServer exposes an Advisor over gRPC.
type GRPCServer struct {
	advisor Advisor
	log     *slog.Logger
}

// NewGRPCServer wraps advisor for gRPC serving.
func NewGRPCServer(advisor Advisor, log *slog.Logger) *GRPCServer {
	return &GRPCServer{advisor: advisor, log: log}
}

// RegisterGRPC registers the advisor service on the given gRPC server instance.
func (s *GRPCServer) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&advisorServiceDesc, s)
}

// Advise implements the unary RPC.
func (s *GRPCServer) Advise(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := requestFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	sig, err := s.advisor.Advise(ctx, req)
	if err != nil {
		s.log.Warn("advisor failed", "symbol", req.Symbol, "error", err)
		return nil, status.Error(codes.Unavailable, err.Error())
	}

	s.log.Debug("advice served", "symbol", req.Symbol, "signal", sig)
	return structpb.NewStruct(map[string]any{"signal": string(sig)})
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ Advisor = (*GRPCClient)(nil)

// GRPCClient calls a remote advisor service.
type GRPCClient struct {
	conn     *grpc.ClientConn
	attempts int
}

// DialGRPC creates a client for the advisor service at addr. The connection
// is established lazily on the first call.
func DialGRPC(addr string, opts ...grpc.DialOption) (*GRPCClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing advisor %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn, attempts: 5}, nil
}

// Advise sends req, retrying transient failures with exponential backoff.
// InvalidArgument responses are not retried.
func (c *GRPCClient) Advise(ctx context.Context, req Request) (Signal, error) {
	in, err := requestToStruct(req)
	if err != nil {
		return Hold, err
	}

	out := new(structpb.Struct)
	err = util.Retry(ctx, c.attempts, 200*time.Millisecond, func() error {
		err := c.conn.Invoke(ctx, adviseMethod, in, out)
		if status.Code(err) == codes.InvalidArgument {
			return util.Permanent(err)
		}
		return err
	})
	if err != nil {
		return Hold, fmt.Errorf("advise %s: %w", req.Symbol, err)
	}
	return Parse(out.GetFields()["signal"].GetStringValue()), nil
}

// Close releases the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
