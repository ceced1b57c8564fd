package model

import "time"

// Employee is the primary entity created for one provisioned record.
type Employee struct {
	ID        string    `json:"id"         db:"id"`
	Email     string    `json:"email"      db:"email"`
	FullName  string    `json:"full_name"  db:"full_name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Assignment is the dependent entity linking an employee to its resolved
// department, office, and title references.
type Assignment struct {
	ID           string    `json:"id"            db:"id"`
	EmployeeID   string    `json:"employee_id"   db:"employee_id"`
	DepartmentID string    `json:"department_id" db:"department_id"`
	OfficeID     string    `json:"office_id"     db:"office_id"`
	TitleID      string    `json:"title_id"      db:"title_id"`
	CreatedAt    time.Time `json:"created_at"    db:"created_at"`
}

// Invitation is the downstream artifact issued for a newly created employee.
type Invitation struct {
	ID         string    `json:"id"          db:"id"`
	EmployeeID string    `json:"employee_id" db:"employee_id"`
	Token      string    `json:"token"       db:"token"`
	ExpiresAt  time.Time `json:"expires_at"  db:"expires_at"`
	CreatedAt  time.Time `json:"created_at"  db:"created_at"`
}
