package workflow

import (
	"fmt"

	"github.com/pesio-ai/be-gov-certificates/internal/errors"
)

// NextStatus computes the status a request moves to when action is applied
// in status current under def. It is pure: the same inputs always give the
// same result and nothing is written anywhere.
//
// Approval advances by step position in def, so custom gates inserted into a
// workflow are honored without naming them here. The canonical order
// staff_review → processing → oic_review → ready → released is what
// DefaultDefinition produces.
func NextStatus(current Status, action Action, def *Definition) (Status, error) {
	pos, ok := def.Position(current)
	if !ok {
		pos = -1
	}
	return NextStatusAt(current, action, def, pos)
}

// NextStatusAt is NextStatus for a caller that already resolved the step the
// request is waiting on (for example through an explicit assignment). A
// negative position means the status is not part of def.
func NextStatusAt(current Status, action Action, def *Definition, position int) (Status, error) {
	if !action.Valid() {
		return "", errors.New(errors.ErrCodeInvalidAction, fmt.Sprintf("unknown action %q", action))
	}
	if current.IsTerminal() {
		return "", errors.New(errors.ErrCodeInvalidAction,
			fmt.Sprintf("cannot %s a request in terminal status %q", action, current))
	}

	switch action {
	case ActionReject:
		return StatusRejected, nil
	case ActionReturn:
		if current == StatusReturned {
			return "", errors.New(errors.ErrCodeInvalidAction, "request has already been returned")
		}
		return StatusReturned, nil
	}

	switch {
	case current.IsReady():
		return StatusReleased, nil
	case current.IsIntake():
		if _, ok := def.nextApproval(0); !ok {
			return StatusReady, nil
		}
		return StatusProcessing, nil
	}

	if position < 0 || position >= len(def.Steps) {
		return "", errors.New(errors.ErrCodeInvalidAction,
			fmt.Sprintf("status %q is not part of the %q workflow", current, def.CertificateType))
	}
	next, ok := def.nextApproval(position)
	if !ok {
		return StatusReady, nil
	}
	return def.Steps[next].StatusTag, nil
}
