package model

// BatchRecord is one row of a submitted batch. Records are immutable inputs;
// the email doubles as the record key used to correlate outcomes and errors
// back to the original input.
type BatchRecord struct {
	Email        string `json:"email"         validate:"required,email"`
	FullName     string `json:"full_name"     validate:"required"`
	DepartmentID string `json:"department_id" validate:"required,uuid4"`
	OfficeID     string `json:"office_id"     validate:"required,uuid4"`
	TitleID      string `json:"title_id"      validate:"required,uuid4"`
}

// Key returns the stable record key for this record.
func (r BatchRecord) Key() string {
	return r.Email
}

// Outcome is the per-record result produced by the record processor.
// It is consumed immediately by the ledger-update step. Code carries the
// error taxonomy class of a failure so downstream consumers can route
// conflicts and validation failures without parsing messages.
type Outcome struct {
	RecordKey string `json:"record_key"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

// OutcomeApplication reports what the ledger update to an outcome did.
// Applied is false when the job was not active or its counters were already
// full, which absorbs double-applied outcomes under redelivery.
type OutcomeApplication struct {
	Applied      bool
	Progress     float64
	SuccessCount int
	FailureCount int
}

// Done reports whether every record in the batch has an outcome.
func (a OutcomeApplication) Done(totalRecords int) bool {
	return a.Applied && a.SuccessCount+a.FailureCount >= totalRecords
}

// SuccessOutcome builds a success outcome for the given record key.
func SuccessOutcome(recordKey string) Outcome {
	return Outcome{RecordKey: recordKey, Success: true}
}

// FailureOutcome builds a failure outcome carrying the error message.
func FailureOutcome(recordKey string, err error) Outcome {
	o := Outcome{RecordKey: recordKey}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}
