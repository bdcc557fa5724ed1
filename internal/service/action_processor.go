// Package service orchestrates certificate approval actions: it loads the
// request, resolves the step it waits on, authorizes the caller, computes the
// next status and commits the transition together with its audit entry.
package service

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/pesio-ai/be-gov-certificates/internal/client"
	"github.com/pesio-ai/be-gov-certificates/internal/definition"
	"github.com/pesio-ai/be-gov-certificates/internal/errors"
	"github.com/pesio-ai/be-gov-certificates/internal/logger"
	"github.com/pesio-ai/be-gov-certificates/internal/metrics"
	"github.com/pesio-ai/be-gov-certificates/internal/repository"
	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

// Store is the persistence the processor needs. Status changes and audit
// appends only happen inside InTransaction.
type Store interface {
	GetRequest(ctx context.Context, id string) (*workflow.Request, error)
	ListAssignedTo(ctx context.Context, userID string) ([]*workflow.Request, error)
	ListAudit(ctx context.Context, requestID string) iter.Seq2[*workflow.AuditEntry, error]
	InTransaction(ctx context.Context, fn func(tx repository.Tx) error) error
}

// EventPublisher announces committed transitions. Implementations must not
// block for long and must not fail the caller.
type EventPublisher interface {
	PublishTransition(ctx context.Context, ev *client.TransitionEvent)
}

// ActRequest is one action submitted by a principal.
type ActRequest struct {
	RequestID string
	Principal workflow.Principal
	Action    workflow.Action
	Comment   *string
	Signature *string
}

// ActResult is the outcome of a committed action.
type ActResult struct {
	Status     workflow.Status
	Entry      *workflow.AuditEntry
	Assignment *workflow.Assignment
}

// ActionProcessor applies actions to certificate requests.
type ActionProcessor struct {
	store       Store
	definitions definition.Source
	resolver    *workflow.Resolver
	events      EventPublisher
	metrics     *metrics.Metrics
	clock       clock.Clock
	tracer      trace.Tracer
	log         *logger.Logger
}

// Option configures an ActionProcessor.
type Option func(*ActionProcessor)

// WithClock sets the clock used for audit timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *ActionProcessor) { s.clock = c }
}

// WithTracer sets the tracer used for action spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *ActionProcessor) { s.tracer = t }
}

// WithEvents sets the publisher notified after each committed action.
func WithEvents(p EventPublisher) Option {
	return func(s *ActionProcessor) { s.events = p }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ActionProcessor) { s.metrics = m }
}

// NewActionProcessor creates a new ActionProcessor.
func NewActionProcessor(
	store Store,
	definitions definition.Source,
	resolver *workflow.Resolver,
	log *logger.Logger,
	opts ...Option,
) *ActionProcessor {
	s := &ActionProcessor{
		store:       store,
		definitions: definitions,
		resolver:    resolver,
		clock:       clock.New(),
		tracer:      noop.NewTracerProvider().Tracer("service"),
		log:         log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ── Act ───────────────────────────────────────────────────────────────────────

// Act applies in.Action to the request on behalf of in.Principal. Exactly one
// audit entry is written when it succeeds and none when it fails. A request
// whose status changed since it was read is reported as a conflict and never
// retried here.
func (s *ActionProcessor) Act(ctx context.Context, in ActRequest) (res *ActResult, err error) {
	ctx, span := s.tracer.Start(ctx, "ActionProcessor.Act", trace.WithAttributes(
		attribute.String("certificate.request_id", in.RequestID),
		attribute.String("certificate.action", string(in.Action)),
		attribute.String("principal.id", in.Principal.UserID),
	))
	start := s.clock.Now()

	defer func() {
		err = unavailable(ctx, err)

		outcome := "ok"
		if err != nil {
			outcome = strings.ToLower(string(errors.CodeOf(err)))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.metrics.ObserveAction(actionLabel(in.Action), outcome, s.clock.Since(start))
		span.End()
	}()

	if in.RequestID == "" {
		return nil, errors.InvalidInput("request_id", "is required")
	}

	req, err := s.store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}

	if !in.Action.Valid() {
		return nil, errors.New(errors.ErrCodeInvalidAction, fmt.Sprintf("unknown action %q", in.Action))
	}
	if req.Status.IsTerminal() {
		return nil, errors.New(errors.ErrCodeInvalidAction,
			fmt.Sprintf("request %s is already %s", req.ID, req.Status))
	}

	def, err := s.definitions.Definition(ctx, req.CertificateType)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.Wrap(err, errors.ErrCodeNoActiveStep,
				fmt.Sprintf("no workflow defined for certificate type %q", req.CertificateType))
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("workflow.version", def.Version))

	resolution, ok, err := s.resolver.ResolveStep(ctx, req, def)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to resolve current step")
	}
	if !ok {
		return nil, errors.New(errors.ErrCodeNoActiveStep,
			fmt.Sprintf("request %s in status %s has no active step", req.ID, req.Status))
	}

	if !workflow.CanAct(in.Principal, resolution.Step, resolution.AuthorizedUserIDs) {
		s.log.Warn().
			Str("request_id", req.ID).
			Str("step", resolution.Step.Name).
			Str("user_id", in.Principal.UserID).
			Msg("Action denied")
		return nil, errors.New(errors.ErrCodeForbidden,
			fmt.Sprintf("user %q may not act on step %q", in.Principal.UserID, resolution.Step.Name))
	}

	next, err := workflow.NextStatusAt(req.Status, in.Action, def, resolution.Index)
	if err != nil {
		return nil, err
	}

	assignment, err := s.resolver.NextAssignment(ctx, next, def)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to resolve next assignment")
	}

	now := s.clock.Now().UTC()
	entry := &workflow.AuditEntry{
		ID:           uuid.NewString(),
		RequestID:    req.ID,
		StepName:     resolution.Step.Name,
		Action:       in.Action,
		PerformedBy:  in.Principal.UserID,
		Comment:      in.Comment,
		Signature:    in.Signature,
		StatusBefore: req.Status,
		StatusAfter:  next,
		CreatedAt:    now,
	}

	err = s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if err := tx.CompareAndSwapStatus(ctx, req.ID, req.Status, next, assignment, now); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, entry)
	})
	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			s.log.Info().
				Str("request_id", req.ID).
				Str("expected_status", string(req.Status)).
				Msg("Action lost a concurrent update")
		}
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("action", string(in.Action)).
		Str("performed_by", in.Principal.UserID).
		Str("step", resolution.Step.Name).
		Str("status_before", string(req.Status)).
		Str("status_after", string(next)).
		Msg("Certificate request transitioned")

	s.metrics.ObserveTransition(req.CertificateType, string(req.Status), string(next))
	s.publish(ctx, req, entry, assignment)

	return &ActResult{Status: next, Entry: entry, Assignment: assignment}, nil
}

// actionLabel bounds the metric label to the known actions.
func actionLabel(a workflow.Action) string {
	if !a.Valid() {
		return "invalid"
	}
	return string(a)
}

func (s *ActionProcessor) publish(ctx context.Context, req *workflow.Request, entry *workflow.AuditEntry, next *workflow.Assignment) {
	if s.events == nil {
		return
	}

	ev := &client.TransitionEvent{
		RequestID:       req.ID,
		CertificateType: req.CertificateType,
		ActorID:         entry.PerformedBy,
		Action:          string(entry.Action),
		StepName:        entry.StepName,
		StatusBefore:    string(entry.StatusBefore),
		StatusAfter:     string(entry.StatusAfter),
		AuditEntryID:    entry.ID,
		OccurredAt:      entry.CreatedAt,
	}
	if next != nil && next.AssignedUserID != "" {
		ev.Recipients = []string{next.AssignedUserID}
	}
	s.events.PublishTransition(ctx, ev)
}

// unavailable reports deadline and cancellation failures as unavailable so
// callers can tell them apart from rule violations.
func unavailable(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if errors.CodeOf(err) != errors.ErrCodeUnavailable {
			return errors.Wrap(err, errors.ErrCodeUnavailable, "request interrupted")
		}
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.CodeOf(err) == errors.ErrCodeInternal {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "request interrupted")
	}
	return err
}

// ── Queries ───────────────────────────────────────────────────────────────────

// History yields the audit trail of a request oldest-first to principal.
// Nothing is read until the sequence is ranged over. An unknown request
// yields a single not-found error.
//
// Admins may read every trail. Anyone else must have acted on the request,
// be assigned to it, or be authorized for its current step.
func (s *ActionProcessor) History(ctx context.Context, principal workflow.Principal, requestID string) iter.Seq2[*workflow.AuditEntry, error] {
	return func(yield func(*workflow.AuditEntry, error) bool) {
		req, err := s.store.GetRequest(ctx, requestID)
		if err != nil {
			yield(nil, unavailable(ctx, err))
			return
		}

		var entries []*workflow.AuditEntry
		for entry, err := range s.store.ListAudit(ctx, requestID) {
			if err != nil {
				yield(nil, unavailable(ctx, err))
				return
			}
			entries = append(entries, entry)
		}

		ok, err := s.canRead(ctx, principal, req, entries)
		if err != nil {
			yield(nil, unavailable(ctx, err))
			return
		}
		if !ok {
			s.log.Warn().
				Str("request_id", req.ID).
				Str("user_id", principal.UserID).
				Msg("History denied")
			yield(nil, errors.New(errors.ErrCodeForbidden,
				fmt.Sprintf("user %q may not read the history of request %s", principal.UserID, req.ID)))
			return
		}

		for _, entry := range entries {
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (s *ActionProcessor) canRead(ctx context.Context, p workflow.Principal, req *workflow.Request, entries []*workflow.AuditEntry) (bool, error) {
	if p.UserID == "" {
		return false, nil
	}
	if p.IsAdmin() {
		return true, nil
	}
	if a := req.CurrentAssignment; a != nil && a.AssignedUserID == p.UserID {
		return true, nil
	}
	for _, e := range entries {
		if e.PerformedBy == p.UserID {
			return true, nil
		}
	}

	def, err := s.definitions.Definition(ctx, req.CertificateType)
	if errors.Is(err, errors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	res, ok, err := s.resolver.ResolveStep(ctx, req, def)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to resolve current step")
	}
	return ok && workflow.CanAct(p, res.Step, res.AuthorizedUserIDs), nil
}

// Inbox returns the requests currently assigned to principal.
func (s *ActionProcessor) Inbox(ctx context.Context, principal workflow.Principal) ([]*workflow.Request, error) {
	if principal.UserID == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}
	reqs, err := s.store.ListAssignedTo(ctx, principal.UserID)
	return reqs, unavailable(ctx, err)
}

// Timeout bounds ctx by d when d is positive.
func Timeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
