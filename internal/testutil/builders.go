// Package testutil provides testing utilities and helpers for the provisioning pipeline.
package testutil

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/workstead/provisioner/internal/domain/model"
)

// BatchRecordBuilder provides a fluent interface for building BatchRecord objects for testing.
type BatchRecordBuilder struct {
	record model.BatchRecord
}

// NewBatchRecord creates a new BatchRecordBuilder with sensible defaults.
func NewBatchRecord() *BatchRecordBuilder {
	return &BatchRecordBuilder{
		record: model.BatchRecord{
			Email:        "jordan.reyes@example.com",
			FullName:     "Jordan Reyes",
			DepartmentID: uuid.NewString(),
			OfficeID:     uuid.NewString(),
			TitleID:      uuid.NewString(),
		},
	}
}

// WithEmail sets the record email.
func (b *BatchRecordBuilder) WithEmail(email string) *BatchRecordBuilder {
	b.record.Email = email
	return b
}

// WithFullName sets the record full name.
func (b *BatchRecordBuilder) WithFullName(name string) *BatchRecordBuilder {
	b.record.FullName = name
	return b
}

// WithDepartmentID sets the department reference.
func (b *BatchRecordBuilder) WithDepartmentID(id string) *BatchRecordBuilder {
	b.record.DepartmentID = id
	return b
}

// WithOfficeID sets the office reference.
func (b *BatchRecordBuilder) WithOfficeID(id string) *BatchRecordBuilder {
	b.record.OfficeID = id
	return b
}

// WithTitleID sets the title reference.
func (b *BatchRecordBuilder) WithTitleID(id string) *BatchRecordBuilder {
	b.record.TitleID = id
	return b
}

// WithReferences sets all three directory references at once.
func (b *BatchRecordBuilder) WithReferences(departmentID, officeID, titleID string) *BatchRecordBuilder {
	b.record.DepartmentID = departmentID
	b.record.OfficeID = officeID
	b.record.TitleID = titleID
	return b
}

// Build returns the constructed BatchRecord.
func (b *BatchRecordBuilder) Build() model.BatchRecord {
	return b.record
}

// BatchRecords builds n distinct valid records sharing one set of directory
// references. Emails are numbered so record keys never collide.
func BatchRecords(n int, departmentID, officeID, titleID string) []model.BatchRecord {
	records := make([]model.BatchRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, NewBatchRecord().
			WithEmail(fmt.Sprintf("employee%03d@example.com", i)).
			WithFullName(fmt.Sprintf("Employee %03d", i)).
			WithReferences(departmentID, officeID, titleID).
			Build())
	}
	return records
}

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			SubmitterID:  "test-submitter",
			Kind:         model.JobKindEmployeeProvisioning,
			TotalRecords: 1,
		},
	}
}

// WithSubmitterID sets the submitter.
func (b *JobRequestBuilder) WithSubmitterID(id string) *JobRequestBuilder {
	b.req.SubmitterID = id
	return b
}

// WithKind sets the job kind.
func (b *JobRequestBuilder) WithKind(kind model.JobKind) *JobRequestBuilder {
	b.req.Kind = kind
	return b
}

// WithTotalRecords sets the batch size.
func (b *JobRequestBuilder) WithTotalRecords(n int) *JobRequestBuilder {
	b.req.TotalRecords = n
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// TaskRequestBuilder provides a fluent interface for building EnqueueTaskRequest objects for testing.
type TaskRequestBuilder struct {
	req *model.EnqueueTaskRequest
}

// NewTaskRequest creates a new TaskRequestBuilder with sensible defaults.
// The job ID must be supplied; tasks reference a real ledger entry.
func NewTaskRequest(jobID string) *TaskRequestBuilder {
	return &TaskRequestBuilder{
		req: &model.EnqueueTaskRequest{
			JobID:      jobID,
			Kind:       model.JobKindEmployeeProvisioning,
			Records:    []model.BatchRecord{NewBatchRecord().Build()},
			MaxRetries: 3,
		},
	}
}

// WithKind sets the task kind.
func (b *TaskRequestBuilder) WithKind(kind model.JobKind) *TaskRequestBuilder {
	b.req.Kind = kind
	return b
}

// WithRecords sets the task records.
func (b *TaskRequestBuilder) WithRecords(records []model.BatchRecord) *TaskRequestBuilder {
	b.req.Records = records
	return b
}

// WithMaxRetries sets the maximum number of retries.
func (b *TaskRequestBuilder) WithMaxRetries(maxRetries int) *TaskRequestBuilder {
	b.req.MaxRetries = maxRetries
	return b
}

// Build returns the constructed EnqueueTaskRequest.
func (b *TaskRequestBuilder) Build() *model.EnqueueTaskRequest {
	return b.req
}
