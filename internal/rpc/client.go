package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/andresmejia3/oculus/internal/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Client calls the Detection service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without TLS unless opts say otherwise.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Detect streams req and calls fn for every FrameMessage in order. The returned
// Status is the server's terminal status; the error is only set when the stream
// could not be opened or fn failed.
func (c *Client) Detect(ctx context.Context, req *types.DetectRequest, fn func(*types.FrameMessage) error) (types.Status, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], DetectMethod, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return types.Status{}, fmt.Errorf("open stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return types.Status{}, fmt.Errorf("send request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return types.Status{}, fmt.Errorf("close send: %w", err)
	}

	for {
		msg := new(types.FrameMessage)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return terminalStatus(stream, nil), nil
		}
		if err != nil {
			return terminalStatus(stream, err), nil
		}
		if err := fn(msg); err != nil {
			return types.Status{Code: types.StatusCancelled, Message: err.Error()}, err
		}
	}
}

func terminalStatus(stream grpc.ClientStream, recvErr error) types.Status {
	st := status.Convert(recvErr)
	out := types.Status{Code: statusFromGRPC(st.Code()), Message: st.Message()}
	if vals := stream.Trailer().Get(StatusTrailer); len(vals) > 0 {
		if code, ok := types.ParseStatusCode(vals[0]); ok {
			out.Code = code
		}
	}
	return out
}
