package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const certificateActionsService = "/certificates.v1.CertificateActions/"

// CertificatesGRPCClient is a gRPC client for the certificate actions service
type CertificatesGRPCClient struct {
	conn *grpc.ClientConn
}

// ActResult is the outcome of a remote Act call.
type ActResult struct {
	Status         string
	EntryID        string
	StepName       string
	AssignedStep   string
	AssignedUserID string
}

// NewCertificatesGRPCClient creates a new certificate actions gRPC client.
// A non-empty token is sent with every call; otherwise the metadata of the
// incoming request is forwarded.
func NewCertificatesGRPCClient(addr, token string, opts ...grpc.DialOption) (*CertificatesGRPCClient, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(forwardMetadata),
		grpc.WithChainStreamInterceptor(forwardStreamMetadata),
	}
	if token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearerToken(token)))
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &CertificatesGRPCClient{conn: conn}, nil
}

// Close closes the gRPC connection
func (c *CertificatesGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Act submits an action on a certificate request. comment may be empty.
func (c *CertificatesGRPCClient) Act(ctx context.Context, requestID, action, comment string) (*ActResult, error) {
	fields := map[string]any{
		"request_id": requestID,
		"action":     action,
	}
	if comment != "" {
		fields["comment"] = comment
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, certificateActionsService+"Act", in, out); err != nil {
		return nil, fmt.Errorf("failed to act on request: %w", err)
	}

	f := out.GetFields()
	return &ActResult{
		Status:         f["status"].GetStringValue(),
		EntryID:        f["entry_id"].GetStringValue(),
		StepName:       f["step_name"].GetStringValue(),
		AssignedStep:   f["assigned_step"].GetStringValue(),
		AssignedUserID: f["assigned_user_id"].GetStringValue(),
	}, nil
}

// History yields the audit trail of a request as sent by the server.
func (c *CertificatesGRPCClient) History(ctx context.Context, requestID string) iter.Seq2[map[string]any, error] {
	return func(yield func(map[string]any, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		desc := &grpc.StreamDesc{StreamName: "History", ServerStreams: true}
		stream, err := c.conn.NewStream(ctx, desc, certificateActionsService+"History")
		if err != nil {
			yield(nil, fmt.Errorf("failed to open history stream: %w", err))
			return
		}

		in, err := structpb.NewStruct(map[string]any{"request_id": requestID})
		if err != nil {
			yield(nil, err)
			return
		}
		// io.EOF means the server already ended the stream; its status
		// arrives through RecvMsg.
		if err := stream.SendMsg(in); err != nil && !errors.Is(err, io.EOF) {
			yield(nil, fmt.Errorf("failed to request history: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, fmt.Errorf("failed to request history: %w", err))
			return
		}

		for {
			msg := new(structpb.Struct)
			err := stream.RecvMsg(msg)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("failed to read history: %w", err))
				return
			}
			if !yield(msg.AsMap(), nil) {
				return
			}
		}
	}
}
