// Package repository persists certificate requests, their approval audit
// trail and workflow definitions in Postgres.
package repository

import (
	"context"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-gov-certificates/internal/database"
	"github.com/pesio-ai/be-gov-certificates/internal/errors"
	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

// Tx is the write side of a store, available only inside InTransaction.
// Everything done through one Tx commits or rolls back together.
type Tx interface {
	CompareAndSwapStatus(ctx context.Context, id string, expected, next workflow.Status, assignment *workflow.Assignment, at time.Time) error
	AppendAudit(ctx context.Context, entry *workflow.AuditEntry) error
}

// Store binds the request and audit repositories to one pool.
type Store struct {
	db       *database.DB
	requests *CertificateRequestRepository
	audit    *ApprovalAuditRepository
}

// NewStore creates a Store over db.
func NewStore(db *database.DB) *Store {
	return &Store{
		db:       db,
		requests: NewCertificateRequestRepository(db),
		audit:    NewApprovalAuditRepository(db),
	}
}

// Requests exposes the request repository for intake collaborators.
func (s *Store) Requests() *CertificateRequestRepository {
	return s.requests
}

func (s *Store) GetRequest(ctx context.Context, id string) (*workflow.Request, error) {
	return s.requests.GetByID(ctx, id)
}

func (s *Store) ListAssignedTo(ctx context.Context, userID string) ([]*workflow.Request, error) {
	return s.requests.ListAssignedTo(ctx, userID)
}

func (s *Store) ListAudit(ctx context.Context, requestID string) iter.Seq2[*workflow.AuditEntry, error] {
	return s.audit.List(ctx, requestID)
}

// InTransaction runs fn with repositories bound to a single transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&txRepos{
			requests: NewCertificateRequestRepository(tx),
			audit:    NewApprovalAuditRepository(tx),
		})
	})
}

type txRepos struct {
	requests *CertificateRequestRepository
	audit    *ApprovalAuditRepository
}

func (t *txRepos) CompareAndSwapStatus(ctx context.Context, id string, expected, next workflow.Status, assignment *workflow.Assignment, at time.Time) error {
	return t.requests.CompareAndSwapStatus(ctx, id, expected, next, assignment, at)
}

func (t *txRepos) AppendAudit(ctx context.Context, entry *workflow.AuditEntry) error {
	return t.audit.Append(ctx, entry)
}

// storageError classifies a driver error. Anything the database could not
// answer is reported as unavailable so callers may retry.
func storageError(err error, msg string) error {
	return errors.Wrap(err, errors.ErrCodeUnavailable, msg)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}
