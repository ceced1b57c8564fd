package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workstead/provisioner/internal/core"
	"github.com/workstead/provisioner/internal/domain/model"
	apperrors "github.com/workstead/provisioner/internal/errors"
	"github.com/workstead/provisioner/internal/testutil"
)

// fakeEmployeeRepo counts calls and lets each step be scripted per test.
type fakeEmployeeRepo struct {
	mu sync.Mutex

	createEmployeeCalls   int
	createAssignmentCalls int
	createInvitationCalls int

	createEmployeeFn   func(core.CreateEmployeeParams) (string, error)
	createAssignmentFn func(core.CreateAssignmentParams) (string, error)
	createInvitationFn func(employeeID, token string) (string, error)

	lastToken string
}

func (f *fakeEmployeeRepo) CreateEmployee(_ context.Context, params core.CreateEmployeeParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createEmployeeCalls++
	if f.createEmployeeFn != nil {
		return f.createEmployeeFn(params)
	}
	return "emp-1", nil
}

func (f *fakeEmployeeRepo) CreateAssignment(_ context.Context, params core.CreateAssignmentParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createAssignmentCalls++
	if f.createAssignmentFn != nil {
		return f.createAssignmentFn(params)
	}
	return "asg-1", nil
}

func (f *fakeEmployeeRepo) CreateInvitation(_ context.Context, employeeID, token string, _ time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createInvitationCalls++
	f.lastToken = token
	if f.createInvitationFn != nil {
		return f.createInvitationFn(employeeID, token)
	}
	return "inv-1", nil
}

var _ core.EmployeeRepository = (*fakeEmployeeRepo)(nil)

// fakeMailer signals each send on a channel so tests can wait for the
// fire-and-forget goroutine.
type fakeMailer struct {
	sent chan sentMail
	err  error
}

type sentMail struct {
	Email string
	Token string
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{sent: make(chan sentMail, 1)}
}

func (m *fakeMailer) SendInvitation(_ context.Context, email, _, token string) error {
	m.sent <- sentMail{Email: email, Token: token}
	return m.err
}

var _ core.Mailer = (*fakeMailer)(nil)

func resolvedFor(records ...model.BatchRecord) model.ResolvedSet {
	set := model.ResolvedSet{
		model.ReferenceDepartment: {},
		model.ReferenceOffice:     {},
		model.ReferenceTitle:      {},
	}
	for _, rec := range records {
		set[model.ReferenceDepartment][rec.DepartmentID] = model.ResolvedReference{
			Ref: &model.Reference{ID: rec.DepartmentID, Name: "Engineering"},
		}
		set[model.ReferenceOffice][rec.OfficeID] = model.ResolvedReference{
			Ref: &model.Reference{ID: rec.OfficeID, Name: "Minneapolis"},
		}
		set[model.ReferenceTitle][rec.TitleID] = model.ResolvedReference{
			Ref: &model.Reference{ID: rec.TitleID, Name: "Engineer"},
		}
	}
	return set
}

func newTestProcessor(t *testing.T, opts ProcessorOptions) *Processor {
	t.Helper()
	if opts.Backoff <= 0 {
		opts.Backoff = time.Millisecond
	}
	p, err := NewProcessor(opts)
	require.NoError(t, err)
	return p
}

func TestNewProcessor(t *testing.T) {
	_, err := NewProcessor(ProcessorOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EmployeeRepository is required")
}

func TestProcessor_Process_Success(t *testing.T) {
	repo := &fakeEmployeeRepo{}
	mailer := newFakeMailer()
	p := newTestProcessor(t, ProcessorOptions{Employees: repo, Mailer: mailer})

	record := testutil.NewBatchRecord().WithEmail("a@example.com").Build()
	refs := resolvedFor(record)

	result := p.Process(context.Background(), record, refs)

	assert.True(t, result.Outcome.Success)
	assert.Equal(t, "a@example.com", result.Outcome.RecordKey)
	assert.Empty(t, result.Outcome.Error)
	assert.Equal(t, 0, result.Retries)

	assert.Equal(t, 1, repo.createEmployeeCalls)
	assert.Equal(t, 1, repo.createAssignmentCalls)
	assert.Equal(t, 1, repo.createInvitationCalls)

	// The welcome email carries the stored invitation token.
	select {
	case mail := <-mailer.sent:
		assert.Equal(t, "a@example.com", mail.Email)
		assert.Equal(t, repo.lastToken, mail.Token)
	case <-time.After(2 * time.Second):
		t.Fatal("invitation email was never sent")
	}
}

func TestProcessor_Process_MissingReference(t *testing.T) {
	repo := &fakeEmployeeRepo{}
	p := newTestProcessor(t, ProcessorOptions{Employees: repo})

	record := testutil.NewBatchRecord().WithEmail("a@example.com").Build()
	refs := resolvedFor(record)
	refs[model.ReferenceDepartment][record.DepartmentID] = model.ResolvedReference{Missing: true}

	result := p.Process(context.Background(), record, refs)

	assert.False(t, result.Outcome.Success)
	assert.Contains(t, result.Outcome.Error, "unknown department")
	assert.Equal(t, string(apperrors.ErrCodeValidation), result.Outcome.Code)

	// The store is never touched for an unresolvable record.
	assert.Equal(t, 0, repo.createEmployeeCalls)
}

func TestProcessor_Process_Conflict(t *testing.T) {
	repo := &fakeEmployeeRepo{
		createEmployeeFn: func(core.CreateEmployeeParams) (string, error) {
			return "", apperrors.Conflict("employee already exists: a@example.com")
		},
	}
	p := newTestProcessor(t, ProcessorOptions{Employees: repo})

	record := testutil.NewBatchRecord().WithEmail("a@example.com").Build()
	result := p.Process(context.Background(), record, resolvedFor(record))

	assert.False(t, result.Outcome.Success)
	assert.Equal(t, string(apperrors.ErrCodeConflict), result.Outcome.Code)
	// Conflicts are never retried.
	assert.Equal(t, 1, repo.createEmployeeCalls)
	assert.Equal(t, 0, result.Retries)
	assert.Equal(t, 0, repo.createAssignmentCalls)
}

func TestProcessor_Process_TransientRetry(t *testing.T) {
	t.Run("recovers within budget", func(t *testing.T) {
		attempts := 0
		repo := &fakeEmployeeRepo{
			createEmployeeFn: func(core.CreateEmployeeParams) (string, error) {
				attempts++
				if attempts < 3 {
					return "", apperrors.Transient("connection reset")
				}
				return "emp-1", nil
			},
		}
		p := newTestProcessor(t, ProcessorOptions{Employees: repo, Retries: 2})

		record := testutil.NewBatchRecord().Build()
		result := p.Process(context.Background(), record, resolvedFor(record))

		assert.True(t, result.Outcome.Success)
		assert.Equal(t, 2, result.Retries)
		assert.Equal(t, 3, repo.createEmployeeCalls)
	})

	t.Run("budget exhausted", func(t *testing.T) {
		repo := &fakeEmployeeRepo{
			createEmployeeFn: func(core.CreateEmployeeParams) (string, error) {
				return "", apperrors.Transient("connection reset")
			},
		}
		p := newTestProcessor(t, ProcessorOptions{Employees: repo, Retries: 2})

		record := testutil.NewBatchRecord().Build()
		result := p.Process(context.Background(), record, resolvedFor(record))

		assert.False(t, result.Outcome.Success)
		assert.Equal(t, string(apperrors.ErrCodeTransient), result.Outcome.Code)
		assert.Equal(t, 2, result.Retries)
		assert.Equal(t, 3, repo.createEmployeeCalls)
	})

	t.Run("retries disabled", func(t *testing.T) {
		repo := &fakeEmployeeRepo{
			createEmployeeFn: func(core.CreateEmployeeParams) (string, error) {
				return "", apperrors.Transient("connection reset")
			},
		}
		p := newTestProcessor(t, ProcessorOptions{Employees: repo, Retries: -1})

		record := testutil.NewBatchRecord().Build()
		result := p.Process(context.Background(), record, resolvedFor(record))

		assert.False(t, result.Outcome.Success)
		assert.Equal(t, 1, repo.createEmployeeCalls)
	})
}

func TestProcessor_Process_AssignmentFailure(t *testing.T) {
	repo := &fakeEmployeeRepo{
		createAssignmentFn: func(core.CreateAssignmentParams) (string, error) {
			return "", apperrors.Wrap(errors.New("fk violation"), apperrors.ErrCodeForeignKey, "assignment references unknown row")
		},
	}
	mailer := newFakeMailer()
	p := newTestProcessor(t, ProcessorOptions{Employees: repo, Mailer: mailer})

	record := testutil.NewBatchRecord().Build()
	result := p.Process(context.Background(), record, resolvedFor(record))

	assert.False(t, result.Outcome.Success)
	assert.Equal(t, string(apperrors.ErrCodeForeignKey), result.Outcome.Code)
	assert.Equal(t, 0, repo.createInvitationCalls)

	// No email for a failed record.
	select {
	case <-mailer.sent:
		t.Fatal("email sent for a failed record")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProcessor_Process_MailerFailureDoesNotFailRecord(t *testing.T) {
	repo := &fakeEmployeeRepo{}
	mailer := newFakeMailer()
	mailer.err = errors.New("smtp relay down")
	p := newTestProcessor(t, ProcessorOptions{Employees: repo, Mailer: mailer})

	record := testutil.NewBatchRecord().Build()
	result := p.Process(context.Background(), record, resolvedFor(record))

	assert.True(t, result.Outcome.Success)

	select {
	case <-mailer.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("invitation email was never attempted")
	}
}

func TestProcessor_Process_NilMailer(t *testing.T) {
	repo := &fakeEmployeeRepo{}
	p := newTestProcessor(t, ProcessorOptions{Employees: repo})

	record := testutil.NewBatchRecord().Build()
	result := p.Process(context.Background(), record, resolvedFor(record))

	assert.True(t, result.Outcome.Success)
}

func TestProcessor_Process_Timeout(t *testing.T) {
	repo := &fakeEmployeeRepo{
		createEmployeeFn: func(core.CreateEmployeeParams) (string, error) {
			return "", apperrors.Transient("slow backend")
		},
	}
	p := newTestProcessor(t, ProcessorOptions{
		Employees:     repo,
		RecordTimeout: 20 * time.Millisecond,
		Retries:       10,
		Backoff:       50 * time.Millisecond,
	})

	record := testutil.NewBatchRecord().Build()
	result := p.Process(context.Background(), record, resolvedFor(record))

	assert.False(t, result.Outcome.Success)
	assert.Equal(t, string(apperrors.ErrCodeTransient), result.Outcome.Code)
	assert.Contains(t, result.Outcome.Error, "record timed out")
}
