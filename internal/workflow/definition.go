package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Definition is the ordered list of steps for one certificate type. A
// Definition handed to the engine is a read-only snapshot; callers must not
// mutate it after Validate.
type Definition struct {
	CertificateType string `yaml:"certificate_type" json:"certificate_type"`
	Steps           []Step `yaml:"steps" json:"steps"`
	Version         string `yaml:"-" json:"version"`
}

// DefaultDefinition returns the canonical five-stage workflow
// staff_review → processing → oic_review → ready → released for certType.
func DefaultDefinition(certType string) *Definition {
	def := &Definition{
		CertificateType: certType,
		Steps: []Step{
			{Name: "Staff Review", StatusTag: StatusStaffReview, RequiresApproval: true, OfficialRole: "staff"},
			{Name: "Processing", StatusTag: StatusProcessing, RequiresApproval: true, OfficialRole: "staff"},
			{Name: "OIC Review", StatusTag: StatusOICReview, RequiresApproval: true, OfficialRole: "oic"},
			{Name: "Release", StatusTag: StatusReady, RequiresApproval: true, OfficialRole: "staff"},
		},
	}
	def.Version = def.Digest()
	return def
}

// Validate checks the structural invariants of d.
func (d *Definition) Validate() error {
	if d.CertificateType == "" {
		return fmt.Errorf("certificate_type is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", d.CertificateType)
	}

	names := make(map[string]bool, len(d.Steps))
	tags := make(map[Status]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %q: step %d has no name", d.CertificateType, i)
		}
		if s.StatusTag == "" {
			return fmt.Errorf("workflow %q: step %q has no status", d.CertificateType, s.Name)
		}
		if names[s.Name] {
			return fmt.Errorf("workflow %q: duplicate step name %q", d.CertificateType, s.Name)
		}
		if tags[s.StatusTag] {
			return fmt.Errorf("workflow %q: duplicate status %q", d.CertificateType, s.StatusTag)
		}
		names[s.Name] = true
		tags[s.StatusTag] = true

		if s.StatusTag.IsTerminal() || s.StatusTag == StatusReturned {
			return fmt.Errorf("workflow %q: step %q cannot use reserved status %q", d.CertificateType, s.Name, s.StatusTag)
		}
		if s.StatusTag.IsReady() && i != len(d.Steps)-1 {
			return fmt.Errorf("workflow %q: ready status %q is only allowed on the last step", d.CertificateType, s.StatusTag)
		}
		if i > 0 && s.StatusTag.IsIntake() {
			return fmt.Errorf("workflow %q: intake status %q is only allowed on the first step", d.CertificateType, s.StatusTag)
		}
		if len(s.AssignedUsers) == 0 && s.OfficialRole == "" {
			return fmt.Errorf("workflow %q: step %q needs assigned_users or official_role", d.CertificateType, s.Name)
		}
	}
	return nil
}

// Digest returns a content hash identifying this version of the definition.
func (d *Definition) Digest() string {
	raw, _ := json.Marshal(struct {
		CertificateType string `json:"certificate_type"`
		Steps           []Step `json:"steps"`
	}{d.CertificateType, d.Steps})
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// StepByName returns the index of the step called name.
func (d *Definition) StepByName(name string) (int, bool) {
	for i, s := range d.Steps {
		if s.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Position maps a status to the index of the step it is waiting on.
//
// Intake-equivalent statuses always map to the first step. processing is the
// canonical name for "past intake" and maps to the first approval step after
// it unless an approval step carries that tag. ready statuses without a step of their own
// wait on the last step.
func (d *Definition) Position(status Status) (int, bool) {
	if len(d.Steps) == 0 {
		return -1, false
	}
	if status.IsIntake() {
		return 0, true
	}
	for i, s := range d.Steps {
		if s.StatusTag != status {
			continue
		}
		// an informational step never holds a request
		if status == StatusProcessing && !s.RequiresApproval {
			break
		}
		return i, true
	}
	switch {
	case status == StatusProcessing:
		return d.nextApproval(0)
	case status.IsReady():
		return len(d.Steps) - 1, true
	}
	return -1, false
}

// nextApproval returns the index of the first approval step after from.
func (d *Definition) nextApproval(from int) (int, bool) {
	for i := from + 1; i < len(d.Steps); i++ {
		if d.Steps[i].RequiresApproval {
			return i, true
		}
	}
	return -1, false
}
