package repository

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-gov-certificates/internal/database"
	"github.com/pesio-ai/be-gov-certificates/internal/errors"
	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

// CertificateRequestRepository handles certificate request rows. Status and
// assignment only ever change through CompareAndSwapStatus.
type CertificateRequestRepository struct {
	q database.Querier
}

// NewCertificateRequestRepository creates a repository over q, which may be
// the pool or a transaction.
func NewCertificateRequestRepository(q database.Querier) *CertificateRequestRepository {
	return &CertificateRequestRepository{q: q}
}

// Create inserts a new request. An empty ID is filled with a fresh UUID.
func (r *CertificateRequestRepository) Create(ctx context.Context, req *workflow.Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	stepName, userID := assignmentColumns(req.CurrentAssignment)

	query := `
		INSERT INTO certificate_requests
		    (id, certificate_type, status, assignment_step_name, assignment_user_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		req.ID,
		req.CertificateType,
		req.Status,
		stepName,
		userID,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return storageError(err, "failed to create certificate request")
	}
	return nil
}

// GetByID retrieves a request by its primary key.
func (r *CertificateRequestRepository) GetByID(ctx context.Context, id string) (*workflow.Request, error) {
	query := `
		SELECT id, certificate_type, status,
		       assignment_step_name, assignment_user_id,
		       created_at, updated_at
		FROM certificate_requests
		WHERE id = $1
	`

	req, err := scanRequest(r.q.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("certificate_request", id)
	}
	if err != nil {
		return nil, storageError(err, "failed to get certificate request")
	}
	return req, nil
}

// CompareAndSwapStatus moves request id from expected to next and replaces
// its assignment, provided the stored status is still expected. When it is
// not, nothing is written and a conflict is returned.
func (r *CertificateRequestRepository) CompareAndSwapStatus(
	ctx context.Context,
	id string,
	expected, next workflow.Status,
	assignment *workflow.Assignment,
	at time.Time,
) error {
	stepName, userID := assignmentColumns(assignment)

	query := `
		UPDATE certificate_requests
		SET status               = $3,
		    assignment_step_name = $4,
		    assignment_user_id   = $5,
		    updated_at           = $6
		WHERE id = $1 AND status = $2
		RETURNING id
	`

	var updated string
	err := r.q.QueryRow(ctx, query, id, expected, next, stepName, userID, at).Scan(&updated)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.New(errors.ErrCodeConflict, "certificate request "+id+" is no longer in status "+string(expected))
	}
	if err != nil {
		return storageError(err, "failed to update certificate request status")
	}
	return nil
}

// ListAssignedTo returns the requests whose assignment names userID, oldest
// activity first.
func (r *CertificateRequestRepository) ListAssignedTo(ctx context.Context, userID string) ([]*workflow.Request, error) {
	query := `
		SELECT id, certificate_type, status,
		       assignment_step_name, assignment_user_id,
		       created_at, updated_at
		FROM certificate_requests
		WHERE assignment_user_id = $1
		ORDER BY updated_at ASC, id ASC
	`

	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, storageError(err, "failed to list assigned certificate requests")
	}
	defer rows.Close()

	var reqs []*workflow.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan certificate request")
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "failed to list assigned certificate requests")
	}
	return reqs, nil
}

func scanRequest(sc scanner) (*workflow.Request, error) {
	req := &workflow.Request{}
	var stepName, userID *string

	err := sc.Scan(
		&req.ID,
		&req.CertificateType,
		&req.Status,
		&stepName,
		&userID,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if stepName != nil {
		req.CurrentAssignment = &workflow.Assignment{StepName: *stepName}
		if userID != nil {
			req.CurrentAssignment.AssignedUserID = *userID
		}
	}
	return req, nil
}

func assignmentColumns(a *workflow.Assignment) (stepName, userID *string) {
	if a == nil {
		return nil, nil
	}
	stepName = &a.StepName
	if a.AssignedUserID != "" {
		userID = &a.AssignedUserID
	}
	return stepName, userID
}
