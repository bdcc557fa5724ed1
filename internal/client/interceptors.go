package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
)

// forwardMetadata is a gRPC unary client interceptor that propagates
// incoming request metadata (including the Bearer auth token) to outgoing
// calls. Without this, the user's JWT would be stripped when an intake
// service acts on a request on behalf of its own caller.
func forwardMetadata(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	return invoker(incomingToOutgoing(ctx), method, req, reply, cc, opts...)
}

// forwardStreamMetadata is forwardMetadata for streaming calls.
func forwardStreamMetadata(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return streamer(incomingToOutgoing(ctx), desc, cc, method, opts...)
}

func incomingToOutgoing(ctx context.Context) context.Context {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if _, already := metadata.FromOutgoingContext(ctx); !already {
			return metadata.NewOutgoingContext(ctx, md)
		}
	}
	return ctx
}

// bearerToken attaches a fixed token to every call. Used by the CLI, which
// has no incoming request to forward from.
type bearerToken string

var _ credentials.PerRPCCredentials = bearerToken("")

func (t bearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(t)}, nil
}

func (bearerToken) RequireTransportSecurity() bool {
	return false
}
