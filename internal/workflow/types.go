// Package workflow holds the certificate approval engine: workflow
// definitions, step resolution, authorization and the transition function.
// Everything here is free of I/O except role lookups made through a
// RoleDirectory.
package workflow

import "time"

// Status is a certificate request status.
type Status string

const (
	StatusPending        Status = "pending"
	StatusSubmitted      Status = "submitted"
	StatusStaffReview    Status = "staff_review"
	StatusProcessing     Status = "processing"
	StatusOICReview      Status = "oic_review"
	StatusReady          Status = "ready"
	StatusReadyForPickup Status = "ready_for_pickup"
	StatusReleased       Status = "released"
	StatusRejected       Status = "rejected"
	StatusReturned       Status = "returned"
)

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRejected
}

// IsIntake reports whether s lands a request at the first step of its
// workflow. Returned work is always reviewed again from the start.
func (s Status) IsIntake() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusStaffReview, StatusReturned:
		return true
	}
	return false
}

// IsReady reports whether s is one of the release-pending statuses.
func (s Status) IsReady() bool {
	return s == StatusReady || s == StatusReadyForPickup
}

// Action is what a principal does to a request.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionReturn  Action = "return"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionReturn:
		return true
	}
	return false
}

// RoleAdmin may act on any step.
const RoleAdmin = "admin"

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   string
}

// IsAdmin reports whether p holds the administrative override.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Step is one gate of a workflow.
type Step struct {
	Name             string   `yaml:"name" json:"name"`
	StatusTag        Status   `yaml:"status" json:"status"`
	RequiresApproval bool     `yaml:"requires_approval" json:"requires_approval"`
	AssignedUsers    []string `yaml:"assigned_users,omitempty" json:"assigned_users,omitempty"`
	OfficialRole     string   `yaml:"official_role,omitempty" json:"official_role,omitempty"`
}

// Assignment points at the step (and optionally the user) a request is
// waiting on.
type Assignment struct {
	StepName       string `json:"step_name"`
	AssignedUserID string `json:"assigned_user_id,omitempty"`
}

// Request is a certificate request as seen by the engine.
type Request struct {
	ID                string      `json:"id"`
	CertificateType   string      `json:"certificate_type"`
	Status            Status      `json:"status"`
	CurrentAssignment *Assignment `json:"current_assignment,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// AuditEntry is one immutable line of a request's approval history.
type AuditEntry struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	StepName     string    `json:"step_name"`
	Action       Action    `json:"action"`
	PerformedBy  string    `json:"performed_by"`
	Comment      *string   `json:"comment,omitempty"`
	Signature    *string   `json:"signature,omitempty"`
	StatusBefore Status    `json:"status_before"`
	StatusAfter  Status    `json:"status_after"`
	CreatedAt    time.Time `json:"created_at"`
}
