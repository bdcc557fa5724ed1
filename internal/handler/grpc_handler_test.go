package handler

import (
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/pesio-ai/be-gov-certificates/internal/client"
	"github.com/pesio-ai/be-gov-certificates/internal/errors"
	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

func newGRPCClient(t *testing.T, f *fixture, tok string) *client.CertificatesGRPCClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(f.auth.UnaryInterceptor),
		grpc.ChainStreamInterceptor(f.auth.StreamInterceptor),
	)
	NewGRPCHandler(f.proc, zerolog.Nop()).Register(srv)

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	c, err := client.NewCertificatesGRPCClient("passthrough:///bufnet", tok,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGRPC_ActAndHistory(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, "clearance", workflow.StatusStaffReview)
	ctx := context.Background()

	staff := newGRPCClient(t, f, token(t, testSecret, "u-staff", "staff"))
	res, err := staff.Act(ctx, id, "approve", "")
	require.NoError(t, err)
	require.Equal(t, "processing", res.Status)
	require.Equal(t, "Staff Review", res.StepName)
	require.Equal(t, "OIC Review", res.AssignedStep)
	require.Equal(t, "u-oic", res.AssignedUserID)

	oic := newGRPCClient(t, f, token(t, testSecret, "u-oic", "oic"))
	res, err = oic.Act(ctx, id, "return", "wrong purok")
	require.NoError(t, err)
	require.Equal(t, "returned", res.Status)

	var trail []map[string]any
	for e, err := range oic.History(ctx, id) {
		require.NoError(t, err)
		trail = append(trail, e)
	}
	require.Len(t, trail, 2)
	require.Equal(t, "approve", trail[0]["action"])
	require.Equal(t, "return", trail[1]["action"])
	require.Equal(t, "wrong purok", trail[1]["comment"])
	require.Equal(t, "u-oic", trail[1]["performed_by"])
}

func TestGRPC_ErrorCodes(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, "clearance", workflow.StatusOICReview)
	ctx := context.Background()

	_, err := newGRPCClient(t, f, "").Act(ctx, id, "approve", "")
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	staff := newGRPCClient(t, f, token(t, testSecret, "u-staff", "staff"))
	_, err = staff.Act(ctx, id, "approve", "")
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = staff.Act(ctx, "missing", "approve", "")
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = staff.Act(ctx, id, "escalate", "")
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	var streamErr error
	for _, err := range staff.History(ctx, "missing") {
		streamErr = err
	}
	require.Equal(t, codes.NotFound, status.Code(streamErr))

	streamErr = nil
	for _, err := range staff.History(ctx, id) {
		streamErr = err
	}
	require.Equal(t, codes.PermissionDenied, status.Code(streamErr))
}

func TestMapErrorToGRPC(t *testing.T) {
	tests := map[errors.Code]codes.Code{
		errors.ErrCodeNotFound:      codes.NotFound,
		errors.ErrCodeNoActiveStep:  codes.FailedPrecondition,
		errors.ErrCodeForbidden:     codes.PermissionDenied,
		errors.ErrCodeInvalidAction: codes.InvalidArgument,
		errors.ErrCodeInvalidInput:  codes.InvalidArgument,
		errors.ErrCodeConflict:      codes.Aborted,
		errors.ErrCodeUnavailable:   codes.Unavailable,
		errors.ErrCodeUnauthorized:  codes.Unauthenticated,
		errors.ErrCodeInternal:      codes.Internal,
	}
	for code, want := range tests {
		require.Equal(t, want, status.Code(mapErrorToGRPC(errors.New(code, "x"))), code)
	}
	require.NoError(t, mapErrorToGRPC(nil))
}
