package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultDefinition(t *testing.T) {
	def := DefaultDefinition("residency")
	require.NoError(t, def.Validate())
	require.Equal(t, def.Digest(), def.Version)
	require.Len(t, def.Steps, 4)

	// digest is independent of certificate instance but not of type
	require.Equal(t, def.Version, DefaultDefinition("residency").Version)
	require.NotEqual(t, def.Version, DefaultDefinition("clearance").Version)
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Definition)
		errMsg string
	}{
		{"missing type", func(d *Definition) { d.CertificateType = "" }, "certificate_type is required"},
		{"no steps", func(d *Definition) { d.Steps = nil }, "has no steps"},
		{"unnamed step", func(d *Definition) { d.Steps[1].Name = "" }, "has no name"},
		{"missing status", func(d *Definition) { d.Steps[1].StatusTag = "" }, "has no status"},
		{"duplicate name", func(d *Definition) { d.Steps[2].Name = d.Steps[1].Name }, "duplicate step name"},
		{"duplicate status", func(d *Definition) { d.Steps[2].StatusTag = d.Steps[1].StatusTag }, "duplicate status"},
		{"terminal status", func(d *Definition) { d.Steps[2].StatusTag = StatusReleased }, "reserved status"},
		{"returned status", func(d *Definition) { d.Steps[1].StatusTag = StatusReturned }, "reserved status"},
		{"ready before last step", func(d *Definition) { d.Steps[1].StatusTag = StatusReadyForPickup }, "only allowed on the last step"},
		{"late intake", func(d *Definition) { d.Steps[1].StatusTag = StatusSubmitted }, "only allowed on the first step"},
		{"nobody assigned", func(d *Definition) {
			d.Steps[1].AssignedUsers = nil
			d.Steps[1].OfficialRole = ""
		}, "needs assigned_users or official_role"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := threeStep()
			tt.mutate(def)
			err := def.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDefinitionPosition(t *testing.T) {
	def := threeStep()

	tests := []struct {
		status Status
		want   int
		ok     bool
	}{
		{StatusPending, 0, true},
		{StatusReturned, 0, true},
		{StatusProcessing, 1, true},
		{StatusOICReview, 1, true},
		{StatusReady, 2, true},
		{StatusReadyForPickup, 2, true},
		{StatusReleased, -1, false},
		{"archived", -1, false},
	}
	for _, tt := range tests {
		got, ok := def.Position(tt.status)
		require.Equal(t, tt.ok, ok, tt.status)
		require.Equal(t, tt.want, got, tt.status)
	}
}

func TestDefinitionPosition_InformationalProcessingStep(t *testing.T) {
	def := &Definition{
		CertificateType: "business_permit",
		Steps: []Step{
			{Name: "Staff Review", StatusTag: StatusStaffReview, RequiresApproval: true, OfficialRole: "staff"},
			{Name: "Processing Note", StatusTag: StatusProcessing, RequiresApproval: false, AssignedUsers: []string{"u-clerk"}},
			{Name: "OIC Review", StatusTag: StatusOICReview, RequiresApproval: true, OfficialRole: "oic"},
		},
	}
	require.NoError(t, def.Validate())

	got, ok := def.Position(StatusProcessing)
	require.True(t, ok)
	require.Equal(t, 2, got)

	// an approval step tagged processing is its own gate
	def.Steps[1].RequiresApproval = true
	got, ok = def.Position(StatusProcessing)
	require.True(t, ok)
	require.Equal(t, 1, got)
}

func TestDefinitionStepByName(t *testing.T) {
	def := threeStep()

	i, ok := def.StepByName("Release")
	require.True(t, ok)
	require.Equal(t, 2, i)

	_, ok = def.StepByName("release")
	require.False(t, ok)
}
