package workflow

import (
	"context"
	"fmt"
)

// RoleDirectory resolves an official role to the users currently holding it.
type RoleDirectory interface {
	UsersWithRole(ctx context.Context, role string) ([]string, error)
}

// Resolution is the step a request is waiting on and who may act on it.
type Resolution struct {
	Step              Step
	Index             int
	AuthorizedUserIDs []string
	// Explicit is true when the step came from the request's assignment pointer.
	Explicit bool
}

// Resolver determines the current step of a request.
type Resolver struct {
	roles RoleDirectory
}

// NewResolver creates a Resolver. roles may be nil when no workflow uses
// official roles.
func NewResolver(roles RoleDirectory) *Resolver {
	return &Resolver{roles: roles}
}

// ResolveStep returns the step req is currently at under def. The boolean is
// false when the request is terminal or its status is not managed by def.
//
// Resolution order:
//  1. intake-equivalent statuses always resolve to the first step;
//  2. an assignment naming a step of def wins over the status;
//  3. otherwise the step is derived from the status.
//
// An assignment with a user narrows the authorized set to that user.
func (r *Resolver) ResolveStep(ctx context.Context, req *Request, def *Definition) (*Resolution, bool, error) {
	if req.Status.IsTerminal() || len(def.Steps) == 0 {
		return nil, false, nil
	}

	idx, userID, explicit, ok := locate(req, def)
	if !ok {
		return nil, false, nil
	}

	res := &Resolution{Step: def.Steps[idx], Index: idx, Explicit: explicit}
	if userID != "" {
		res.AuthorizedUserIDs = []string{userID}
		return res, true, nil
	}

	users, err := r.StepUsers(ctx, res.Step)
	if err != nil {
		return nil, false, err
	}
	res.AuthorizedUserIDs = users
	return res, true, nil
}

func locate(req *Request, def *Definition) (idx int, userID string, explicit bool, ok bool) {
	a := req.CurrentAssignment

	if req.Status.IsIntake() {
		if a != nil && a.StepName == def.Steps[0].Name {
			return 0, a.AssignedUserID, true, true
		}
		return 0, "", false, true
	}

	if a != nil {
		if i, found := def.StepByName(a.StepName); found {
			return i, a.AssignedUserID, true, true
		}
	}

	i, found := def.Position(req.Status)
	return i, "", false, found
}

// StepUsers returns the users allowed to act on step: its assigned users plus
// the current holders of its official role, without duplicates.
func (r *Resolver) StepUsers(ctx context.Context, step Step) ([]string, error) {
	seen := make(map[string]struct{}, len(step.AssignedUsers))
	users := make([]string, 0, len(step.AssignedUsers))
	add := func(ids []string) {
		for _, id := range ids {
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			users = append(users, id)
		}
	}

	add(step.AssignedUsers)

	if step.OfficialRole != "" && r.roles != nil {
		holders, err := r.roles.UsersWithRole(ctx, step.OfficialRole)
		if err != nil {
			return nil, fmt.Errorf("resolve role %q: %w", step.OfficialRole, err)
		}
		add(holders)
	}
	return users, nil
}

// NextAssignment builds the assignment pointer for a request entering status
// under def. Terminal statuses, and statuses def does not manage, get none.
// The user is filled in only when exactly one user may act on the step.
func (r *Resolver) NextAssignment(ctx context.Context, status Status, def *Definition) (*Assignment, error) {
	if status.IsTerminal() {
		return nil, nil
	}
	idx, ok := def.Position(status)
	if !ok {
		return nil, nil
	}

	step := def.Steps[idx]
	a := &Assignment{StepName: step.Name}

	users, err := r.StepUsers(ctx, step)
	if err != nil {
		return nil, err
	}
	if len(users) == 1 {
		a.AssignedUserID = users[0]
	}
	return a, nil
}
