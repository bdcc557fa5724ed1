package repository

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-gov-certificates/internal/database"
	"github.com/pesio-ai/be-gov-certificates/internal/errors"
	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

// WorkflowDefinitionRepository stores workflow definitions. A definition and
// its steps are always replaced together in a single transaction.
type WorkflowDefinitionRepository struct {
	db *database.DB
}

// NewWorkflowDefinitionRepository creates a new WorkflowDefinitionRepository.
func NewWorkflowDefinitionRepository(db *database.DB) *WorkflowDefinitionRepository {
	return &WorkflowDefinitionRepository{db: db}
}

// Save validates def and replaces the stored definition for its type.
// def.Version is set to the digest of the saved content.
func (r *WorkflowDefinitionRepository) Save(ctx context.Context, def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid workflow definition")
	}
	def.Version = def.Digest()

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		wfQuery := `
			INSERT INTO certificate_workflows (certificate_type, version)
			VALUES ($1, $2)
			ON CONFLICT (certificate_type)
			DO UPDATE SET version = EXCLUDED.version, updated_at = NOW()
		`
		if _, err := tx.Exec(ctx, wfQuery, def.CertificateType, def.Version); err != nil {
			return storageError(err, "failed to save workflow definition")
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM certificate_workflow_steps WHERE certificate_type = $1`,
			def.CertificateType,
		); err != nil {
			return storageError(err, "failed to clear workflow steps")
		}

		stepQuery := `
			INSERT INTO certificate_workflow_steps
			    (certificate_type, position, name, status_tag,
			     requires_approval, assigned_users, official_role)
			VALUES ($1, $2, $3, $4,
			        $5, $6, $7)
		`
		for i, step := range def.Steps {
			users := step.AssignedUsers
			if users == nil {
				users = []string{}
			}
			_, err := tx.Exec(ctx, stepQuery,
				def.CertificateType,
				i,
				step.Name,
				step.StatusTag,
				step.RequiresApproval,
				users,
				step.OfficialRole,
			)
			if err != nil {
				return storageError(err, "failed to save workflow step")
			}
		}
		return nil
	})
}

// Definition loads the definition for certificateType.
func (r *WorkflowDefinitionRepository) Definition(ctx context.Context, certificateType string) (*workflow.Definition, error) {
	def := &workflow.Definition{CertificateType: certificateType}

	err := r.db.QueryRow(ctx,
		`SELECT version FROM certificate_workflows WHERE certificate_type = $1`,
		certificateType,
	).Scan(&def.Version)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow definition", certificateType)
	}
	if err != nil {
		return nil, storageError(err, "failed to get workflow definition")
	}

	query := `
		SELECT name, status_tag, requires_approval, assigned_users, official_role
		FROM certificate_workflow_steps
		WHERE certificate_type = $1
		ORDER BY position ASC
	`

	rows, err := r.db.Query(ctx, query, certificateType)
	if err != nil {
		return nil, storageError(err, "failed to get workflow steps")
	}
	defer rows.Close()

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step")
		}
		def.Steps = append(def.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "failed to get workflow steps")
	}
	return def, nil
}

// Types lists every certificate type with a stored definition.
func (r *WorkflowDefinitionRepository) Types(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT certificate_type FROM certificate_workflows`)
	if err != nil {
		return nil, storageError(err, "failed to list workflow definitions")
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan certificate type")
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "failed to list workflow definitions")
	}
	sort.Strings(types)
	return types, nil
}

func scanStep(sc scanner) (workflow.Step, error) {
	var step workflow.Step
	err := sc.Scan(
		&step.Name,
		&step.StatusTag,
		&step.RequiresApproval,
		&step.AssignedUsers,
		&step.OfficialRole,
	)
	if len(step.AssignedUsers) == 0 {
		step.AssignedUsers = nil
	}
	return step, err
}
