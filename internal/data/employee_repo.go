package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/workstead/provisioner/internal/core"
	apperrors "github.com/workstead/provisioner/internal/errors"
)

// EmployeeRepo persists the entities the processor creates for each record:
// the employee principal, its org assignment, and the invitation token.
type EmployeeRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewEmployeeRepo creates a new EmployeeRepo with the given database connection.
func NewEmployeeRepo(db *sql.DB, tp TimeProvider) *EmployeeRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &EmployeeRepo{DB: db, timeProvider: tp}
}

// CreateEmployee inserts the employee principal and returns its ID. A
// duplicate email surfaces as a conflict AppError.
func (r *EmployeeRepo) CreateEmployee(ctx context.Context, params core.CreateEmployeeParams) (string, error) {
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if email == "" {
		return "", apperrors.ValidationField("email", "email is required")
	}

	var id string
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO employees(email, full_name, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, email, params.FullName, r.timeProvider.Now().UTC()).Scan(&id)
	if err != nil {
		return "", apperrors.MapDBError(fmt.Errorf("insert employee: %w", err))
	}
	return id, nil
}

// CreateAssignment inserts the dependent assignment row for an employee.
func (r *EmployeeRepo) CreateAssignment(ctx context.Context, params core.CreateAssignmentParams) (string, error) {
	if params.EmployeeID == "" {
		return "", errors.New("employee id is required")
	}

	var id string
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO assignments(employee_id, department_id, office_id, title_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, params.EmployeeID, params.DepartmentID, params.OfficeID, params.TitleID,
		r.timeProvider.Now().UTC()).Scan(&id)
	if err != nil {
		return "", apperrors.MapDBError(fmt.Errorf("insert assignment: %w", err))
	}
	return id, nil
}

// CreateInvitation stores an invitation token for the employee and returns
// the invitation ID.
func (r *EmployeeRepo) CreateInvitation(
	ctx context.Context,
	employeeID, token string,
	expiresAt time.Time,
) (string, error) {
	if employeeID == "" {
		return "", errors.New("employee id is required")
	}
	if token == "" {
		return "", errors.New("invitation token is required")
	}

	var id string
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO invitations(employee_id, token, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, employeeID, token, expiresAt.UTC(), r.timeProvider.Now().UTC()).Scan(&id)
	if err != nil {
		return "", apperrors.MapDBError(fmt.Errorf("insert invitation: %w", err))
	}
	return id, nil
}
