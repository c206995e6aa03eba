package api

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"backtester/internal/advice"
)

// newGRPCServer builds the gRPC server exposing the advisor service.
func (s *Server) newGRPCServer() *grpc.Server {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	if s.advisor != nil {
		advice.NewGRPCServer(s.advisor, s.log).RegisterGRPC(gs)
	}
	return gs
}

// logUnary logs every unary call with its status code and latency.
func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("grpc call",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"elapsed", time.Since(start),
	)
	return resp, err
}
