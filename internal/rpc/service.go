// Package rpc exposes the engine as a server-streaming gRPC service:
// one DetectRequest in, one FrameMessage per decoded frame out, then a
// terminal status.
package rpc

import (
	"github.com/andresmejia3/oculus/internal/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

const (
	ServiceName  = "oculus.v1.Detection"
	DetectMethod = "/" + ServiceName + "/Detect"

	// StatusTrailer carries the terminal StatusCode name, which tells EMPTY_INPUT apart from OK.
	StatusTrailer = "x-detect-status"
)

// DetectionServer handles one Detect stream.
type DetectionServer interface {
	Detect(req *types.DetectRequest, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DetectionServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Detect",
			Handler:       detectHandler,
			ServerStreams: true,
		},
	},
	Metadata: "oculus/v1/detection.proto",
}

func detectHandler(srv any, stream grpc.ServerStream) error {
	req := new(types.DetectRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(DetectionServer).Detect(req, stream)
}

// RegisterDetectionServer registers srv on s.
func RegisterDetectionServer(s grpc.ServiceRegistrar, srv DetectionServer) {
	s.RegisterService(&serviceDesc, srv)
}

var grpcCodes = map[types.StatusCode]codes.Code{
	types.StatusOK:          codes.OK,
	types.StatusEmptyInput:  codes.OK,
	types.StatusCancelled:   codes.Canceled,
	types.StatusSetupError:  codes.FailedPrecondition,
	types.StatusDecodeError: codes.DataLoss,
	types.StatusDetectError: codes.Aborted,
	types.StatusWriteError:  codes.Unavailable,
	types.StatusInternal:    codes.Internal,
}

// GRPCCode maps a terminal status onto a gRPC code.
func GRPCCode(c types.StatusCode) codes.Code {
	if code, ok := grpcCodes[c]; ok {
		return code
	}
	return codes.Unknown
}

// statusFromGRPC is used when the server did not send a StatusTrailer.
func statusFromGRPC(c codes.Code) types.StatusCode {
	switch c {
	case codes.OK:
		return types.StatusOK
	case codes.Canceled, codes.DeadlineExceeded:
		return types.StatusCancelled
	case codes.FailedPrecondition, codes.InvalidArgument, codes.NotFound:
		return types.StatusSetupError
	case codes.DataLoss:
		return types.StatusDecodeError
	case codes.Aborted:
		return types.StatusDetectError
	case codes.Unavailable:
		return types.StatusWriteError
	default:
		return types.StatusInternal
	}
}
