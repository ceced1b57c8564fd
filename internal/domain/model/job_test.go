package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobKind_UnmarshalText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    JobKind
		wantErr bool
	}{
		{name: "valid kind", input: "employee_provisioning", want: JobKindEmployeeProvisioning},
		{name: "case and whitespace normalised", input: "  Employee_Provisioning ", want: JobKindEmployeeProvisioning},
		{name: "unknown kind", input: "invoice_import", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var kind JobKind
			err := kind.UnmarshalText([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid JobKind")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, JobStatusQueued.Terminal())
	assert.False(t, JobStatusActive.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.False(t, JobStatus("stalled").Terminal())
}

func TestCreateJobRequest_Validate(t *testing.T) {
	valid := CreateJobRequest{
		SubmitterID:  "hr-admin-1",
		Kind:         JobKindEmployeeProvisioning,
		TotalRecords: 10,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*CreateJobRequest)
		errMsg string
	}{
		{
			name:   "blank submitter",
			mutate: func(r *CreateJobRequest) { r.SubmitterID = "   " },
			errMsg: "submitter id is required",
		},
		{
			name:   "invalid kind",
			mutate: func(r *CreateJobRequest) { r.Kind = "unknown" },
			errMsg: "invalid job kind",
		},
		{
			name:   "zero records",
			mutate: func(r *CreateJobRequest) { r.TotalRecords = 0 },
			errMsg: "total records must be positive",
		},
		{
			name:   "negative records",
			mutate: func(r *CreateJobRequest) { r.TotalRecords = -4 },
			errMsg: "total records must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := req.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestOutcomeApplication_Done(t *testing.T) {
	app := OutcomeApplication{Applied: true, SuccessCount: 3, FailureCount: 1}
	assert.True(t, app.Done(4))
	assert.False(t, app.Done(5))

	skipped := OutcomeApplication{Applied: false, SuccessCount: 4}
	assert.False(t, skipped.Done(4))
}
