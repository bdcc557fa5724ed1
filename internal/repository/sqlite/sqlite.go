// Package sqlite is an embedded implementation of the request and audit
// stores, used for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pesio-ai/be-gov-certificates/internal/errors"
	"github.com/pesio-ai/be-gov-certificates/internal/repository"
	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

//go:embed schema.sql
var schema string

// timeFormat sorts lexically in the same order as the instants it encodes.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store keeps certificate requests and their audit trail in SQLite.
type Store struct {
	db *sql.DB
}

// NewInMemoryStore opens a private in-memory database.
func NewInMemoryStore() (*Store, error) {
	return open(":memory:")
}

// NewStore opens (creating if needed) the database file at path.
func NewStore(path string) (*Store, error) {
	return open(fmt.Sprintf("file:%v", path))
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// SQLite has a single writer, and an in-memory database lives only as
	// long as its one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRequest inserts a new request. An empty ID is filled with a fresh
// UUID and zero timestamps with the current time.
func (s *Store) CreateRequest(ctx context.Context, req *workflow.Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	stepName, userID := assignmentColumns(req.CurrentAssignment)

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO certificate_requests (id, certificate_type, status, assignment_step_name, assignment_user_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		req.ID,
		req.CertificateType,
		string(req.Status),
		stepName,
		userID,
		formatTime(req.CreatedAt),
		formatTime(req.UpdatedAt),
	)
	if err != nil {
		return storageError(err, "could not insert certificate request")
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*workflow.Request, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, certificate_type, status, assignment_step_name, assignment_user_id, created_at, updated_at FROM certificate_requests WHERE id = ?",
		id,
	)

	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("certificate_request", id)
	}
	if err != nil {
		return nil, storageError(err, "could not get certificate request")
	}
	return req, nil
}

func (s *Store) ListAssignedTo(ctx context.Context, userID string) ([]*workflow.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, certificate_type, status, assignment_step_name, assignment_user_id, created_at, updated_at FROM certificate_requests WHERE assignment_user_id = ? ORDER BY updated_at ASC, id ASC",
		userID,
	)
	if err != nil {
		return nil, storageError(err, "could not list assigned certificate requests")
	}
	defer rows.Close()

	var reqs []*workflow.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "could not scan certificate request")
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "could not list assigned certificate requests")
	}
	return reqs, nil
}

// ListAudit yields the audit trail of a request oldest-first. Each range over
// the sequence runs the query again.
func (s *Store) ListAudit(ctx context.Context, requestID string) iter.Seq2[*workflow.AuditEntry, error] {
	return func(yield func(*workflow.AuditEntry, error) bool) {
		rows, err := s.db.QueryContext(ctx,
			"SELECT id, request_id, step_name, action, performed_by, comment, signature, status_before, status_after, created_at FROM certificate_approval_audit_log WHERE request_id = ? ORDER BY created_at ASC, seq ASC",
			requestID,
		)
		if err != nil {
			yield(nil, storageError(err, "could not get audit log"))
			return
		}
		defer rows.Close()

		for rows.Next() {
			entry, err := scanAuditEntry(rows)
			if err != nil {
				yield(nil, errors.Wrap(err, errors.ErrCodeInternal, "could not scan audit entry"))
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, storageError(err, "could not read audit log"))
		}
	}
}

// InTransaction runs fn inside a transaction. The transaction is committed
// when fn returns nil and rolled back otherwise.
func (s *Store) InTransaction(ctx context.Context, fn func(tx repository.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "could not start transaction")
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageError(err, "could not commit transaction")
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) CompareAndSwapStatus(ctx context.Context, id string, expected, next workflow.Status, assignment *workflow.Assignment, at time.Time) error {
	stepName, userID := assignmentColumns(assignment)

	res, err := t.tx.ExecContext(ctx,
		"UPDATE certificate_requests SET status = ?, assignment_step_name = ?, assignment_user_id = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(next),
		stepName,
		userID,
		formatTime(at),
		id,
		string(expected),
	)
	if err != nil {
		return storageError(err, "could not update certificate request status")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storageError(err, "could not update certificate request status")
	}
	if n != 1 {
		return errors.New(errors.ErrCodeConflict, "certificate request "+id+" is no longer in status "+string(expected))
	}
	return nil
}

func (t *sqliteTx) AppendAudit(ctx context.Context, entry *workflow.AuditEntry) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO certificate_approval_audit_log (id, request_id, step_name, action, performed_by, comment, signature, status_before, status_after, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		entry.ID,
		entry.RequestID,
		entry.StepName,
		string(entry.Action),
		entry.PerformedBy,
		entry.Comment,
		entry.Signature,
		string(entry.StatusBefore),
		string(entry.StatusAfter),
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return storageError(err, "could not append audit entry")
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (*workflow.Request, error) {
	req := &workflow.Request{}
	var (
		status           string
		stepName, userID sql.NullString
		created, updated string
	)

	if err := sc.Scan(&req.ID, &req.CertificateType, &status, &stepName, &userID, &created, &updated); err != nil {
		return nil, err
	}
	req.Status = workflow.Status(status)

	if stepName.Valid {
		req.CurrentAssignment = &workflow.Assignment{StepName: stepName.String, AssignedUserID: userID.String}
	}

	var err error
	if req.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if req.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return req, nil
}

func scanAuditEntry(sc scanner) (*workflow.AuditEntry, error) {
	entry := &workflow.AuditEntry{}
	var (
		action, before, after string
		comment, signature    sql.NullString
		created               string
	)

	err := sc.Scan(
		&entry.ID,
		&entry.RequestID,
		&entry.StepName,
		&action,
		&entry.PerformedBy,
		&comment,
		&signature,
		&before,
		&after,
		&created,
	)
	if err != nil {
		return nil, err
	}

	entry.Action = workflow.Action(action)
	entry.StatusBefore = workflow.Status(before)
	entry.StatusAfter = workflow.Status(after)
	if comment.Valid {
		entry.Comment = &comment.String
	}
	if signature.Valid {
		entry.Signature = &signature.String
	}
	entry.CreatedAt, err = parseTime(created)
	return entry, err
}

func assignmentColumns(a *workflow.Assignment) (stepName, userID sql.NullString) {
	if a == nil {
		return
	}
	stepName = sql.NullString{String: a.StepName, Valid: true}
	userID = sql.NullString{String: a.AssignedUserID, Valid: a.AssignedUserID != ""}
	return
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func storageError(err error, msg string) error {
	return errors.Wrap(err, errors.ErrCodeUnavailable, msg)
}
