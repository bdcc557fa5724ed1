// Package definition loads workflow definitions and serves them to the engine
// as read-only snapshots.
package definition

import (
	"context"

	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

// Source returns the current definition for a certificate type. A missing
// definition is reported as errors.ErrNotFound.
type Source interface {
	Definition(ctx context.Context, certificateType string) (*workflow.Definition, error)
}
