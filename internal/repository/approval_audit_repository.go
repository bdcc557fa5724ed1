package repository

import (
	"context"
	"iter"

	"github.com/pesio-ai/be-gov-certificates/internal/database"
	"github.com/pesio-ai/be-gov-certificates/internal/errors"
	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

// ApprovalAuditRepository appends and reads immutable approval audit log entries.
type ApprovalAuditRepository struct {
	q database.Querier
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(q database.Querier) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{q: q}
}

// Append inserts one audit entry. The table has an update/delete-prevention
// trigger so this is the only mutation operation exposed.
func (r *ApprovalAuditRepository) Append(ctx context.Context, entry *workflow.AuditEntry) error {
	query := `
		INSERT INTO certificate_approval_audit_log
		    (id, request_id, step_name,
		     action, performed_by, comment, signature,
		     status_before, status_after, created_at)
		VALUES ($1::uuid, $2, $3,
		        $4, $5, $6, $7,
		        $8, $9, $10)
	`

	_, err := r.q.Exec(ctx, query,
		entry.ID,
		entry.RequestID,
		entry.StepName,
		entry.Action,
		entry.PerformedBy,
		entry.Comment,
		entry.Signature,
		entry.StatusBefore,
		entry.StatusAfter,
		entry.CreatedAt,
	)
	if err != nil {
		return storageError(err, "failed to append audit entry")
	}
	return nil
}

// List yields the audit trail of a request oldest-first. The query runs each
// time the sequence is ranged over, so a partially consumed sequence can be
// started again from the beginning.
func (r *ApprovalAuditRepository) List(ctx context.Context, requestID string) iter.Seq2[*workflow.AuditEntry, error] {
	query := `
		SELECT id::text, request_id, step_name,
		       action, performed_by, comment, signature,
		       status_before, status_after, created_at
		FROM certificate_approval_audit_log
		WHERE request_id = $1
		ORDER BY created_at ASC, seq ASC
	`

	return func(yield func(*workflow.AuditEntry, error) bool) {
		rows, err := r.q.Query(ctx, query, requestID)
		if err != nil {
			yield(nil, storageError(err, "failed to get audit log"))
			return
		}
		defer rows.Close()

		for rows.Next() {
			entry, err := scanAuditEntry(rows)
			if err != nil {
				yield(nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry"))
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, storageError(err, "failed to read audit log"))
		}
	}
}

func scanAuditEntry(sc scanner) (*workflow.AuditEntry, error) {
	entry := &workflow.AuditEntry{}

	err := sc.Scan(
		&entry.ID,
		&entry.RequestID,
		&entry.StepName,
		&entry.Action,
		&entry.PerformedBy,
		&entry.Comment,
		&entry.Signature,
		&entry.StatusBefore,
		&entry.StatusAfter,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}
