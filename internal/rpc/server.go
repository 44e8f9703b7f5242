package rpc

import (
	"context"
	"time"

	"github.com/andresmejia3/oculus/internal/engine"
	"github.com/andresmejia3/oculus/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Server adapts gRPC streams to engine calls.
type Server struct {
	engine *engine.Engine
	logger *zap.Logger
}

func NewServer(eng *engine.Engine, logger *zap.Logger) *Server {
	return &Server{engine: eng, logger: logger}
}

// Detect blocks until the session serving req has been released.
func (s *Server) Detect(req *types.DetectRequest, stream grpc.ServerStream) error {
	call := &streamCall{stream: stream, req: req}
	st := s.engine.Serve(call)

	stream.SetTrailer(metadata.Pairs(StatusTrailer, st.Code.String()))
	if st.Failed() {
		return status.Error(GRPCCode(st.Code), st.Message)
	}
	return nil
}

// streamCall is the engine's view of one gRPC stream.
type streamCall struct {
	stream grpc.ServerStream
	req    *types.DetectRequest
}

func (c *streamCall) Context() context.Context { return c.stream.Context() }
func (c *streamCall) Request() *types.DetectRequest { return c.req }

func (c *streamCall) Send(msg *types.FrameMessage) error {
	return c.stream.SendMsg(msg)
}

// Finish is a no-op: the status goes out when Detect returns.
func (c *streamCall) Finish(types.Status) {}

// NewGRPCServer builds a gRPC server with the Detection service registered.
func NewGRPCServer(eng *engine.Engine, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	kaep := keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}
	kasp := keepalive.ServerParameters{
		Time:    10 * time.Second,
		Timeout: 3 * time.Second,
	}

	opts = append([]grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(kaep),
		grpc.KeepaliveParams(kasp),
		grpc.ChainStreamInterceptor(loggingInterceptor(logger)),
	}, opts...)

	srv := grpc.NewServer(opts...)
	RegisterDetectionServer(srv, NewServer(eng, logger))
	return srv
}

func loggingInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logger.Info("stream finished",
			zap.String("method", info.FullMethod),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("code", status.Code(err).String()),
		)
		return err
	}
}
