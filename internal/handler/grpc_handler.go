package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-gov-certificates/internal/errors"
	"github.com/pesio-ai/be-gov-certificates/internal/service"
	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "certificates.v1.CertificateActions"

// CertificateActionsServer is the server API of the CertificateActions
// service. Messages are google.protobuf.Struct.
type CertificateActionsServer interface {
	Act(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(*structpb.Struct, grpc.ServerStream) error
}

// ServiceDesc describes CertificateActions for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CertificateActionsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Act", Handler: actHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "History", Handler: historyHandler, ServerStreams: true},
	},
	Metadata: "certificates/v1/actions.proto",
}

func actHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CertificateActionsServer).Act(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/Act",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CertificateActionsServer).Act(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func historyHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CertificateActionsServer).History(in, stream)
}

// GRPCHandler implements the CertificateActions gRPC interface
type GRPCHandler struct {
	service *service.ActionProcessor
	logger  zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(service *service.ActionProcessor, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		service: service,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

// Register adds the handler to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&ServiceDesc, h)
}

// Act applies an action. Request fields: request_id, action, and optional
// comment and signature.
func (h *GRPCHandler) Act(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	principal, _ := PrincipalFrom(ctx)
	fields := req.GetFields()

	h.logger.Info().
		Str("request_id", fields["request_id"].GetStringValue()).
		Str("action", fields["action"].GetStringValue()).
		Str("user_id", principal.UserID).
		Msg("gRPC Act called")

	in := service.ActRequest{
		RequestID: fields["request_id"].GetStringValue(),
		Principal: principal,
		Action:    workflow.Action(fields["action"].GetStringValue()),
		Comment:   optionalString(fields, "comment"),
		Signature: optionalString(fields, "signature"),
	}

	res, err := h.service.Act(ctx, in)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}

	out := map[string]any{
		"status":     string(res.Status),
		"entry_id":   res.Entry.ID,
		"step_name":  res.Entry.StepName,
		"created_at": res.Entry.CreatedAt.Format(time.RFC3339Nano),
	}
	if res.Assignment != nil {
		out["assigned_step"] = res.Assignment.StepName
		if res.Assignment.AssignedUserID != "" {
			out["assigned_user_id"] = res.Assignment.AssignedUserID
		}
	}
	return structpb.NewStruct(out)
}

// History streams the audit trail of request_id oldest-first, one entry per
// message.
func (h *GRPCHandler) History(req *structpb.Struct, stream grpc.ServerStream) error {
	requestID := req.GetFields()["request_id"].GetStringValue()

	h.logger.Debug().Str("request_id", requestID).Msg("gRPC History called")

	principal, _ := PrincipalFrom(stream.Context())
	for entry, err := range h.service.History(stream.Context(), principal, requestID) {
		if err != nil {
			return mapErrorToGRPC(err)
		}
		msg, err := structpb.NewStruct(entryToMap(entry))
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

func optionalString(fields map[string]*structpb.Value, key string) *string {
	v, ok := fields[key]
	if !ok {
		return nil
	}
	s := v.GetStringValue()
	if s == "" {
		return nil
	}
	return &s
}

func entryToMap(e *workflow.AuditEntry) map[string]any {
	m := map[string]any{
		"id":            e.ID,
		"request_id":    e.RequestID,
		"step_name":     e.StepName,
		"action":        string(e.Action),
		"performed_by":  e.PerformedBy,
		"status_before": string(e.StatusBefore),
		"status_after":  string(e.StatusAfter),
		"created_at":    e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.Comment != nil {
		m["comment"] = *e.Comment
	}
	if e.Signature != nil {
		m["signature"] = *e.Signature
	}
	return m
}

// mapErrorToGRPC converts application errors to gRPC status errors.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, msg)
	case errors.ErrCodeNoActiveStep:
		return status.Error(codes.FailedPrecondition, msg)
	case errors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, msg)
	case errors.ErrCodeInvalidAction, errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, msg)
	case errors.ErrCodeConflict:
		return status.Error(codes.Aborted, msg)
	case errors.ErrCodeUnavailable:
		return status.Error(codes.Unavailable, msg)
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}
