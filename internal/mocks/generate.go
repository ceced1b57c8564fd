// Package mocks provides mock implementations for testing the provisioning pipeline.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our repository interfaces.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockLedgerRepository(ctrl)
//	mockRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// Generate mock for LedgerRepository interface from internal/core package.
// This creates MockLedgerRepository with methods for all LedgerRepository interface methods:
// Create, Get, GetByID, List, MarkActive, RecordOutcome, IncrementAttempts, Finalize
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=ledger_repository_mock.go github.com/workstead/provisioner/internal/core LedgerRepository

// Generate mock for TaskRepository interface from internal/core package.
// This creates MockTaskRepository with methods for all TaskRepository interface methods:
// Enqueue, GetByID, ReserveNext, WaitForNotification, Heartbeat, Complete, Fail, Stats,
// RequeueExpired, ListExpiredLeases, PruneFinished
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=task_repository_mock.go github.com/workstead/provisioner/internal/core TaskRepository

// Generate mock for CacheRepository interface from internal/core package.
// This creates MockCacheRepository with methods for all CacheRepository interface methods:
// Set, Get, MGet, MSet, Delete, Exists, SetIfNotExists, Health
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=cache_repository_mock.go github.com/workstead/provisioner/internal/core CacheRepository

// Generate mock for DirectoryRepository interface from internal/core package.
// This creates MockDirectoryRepository with methods for all DirectoryRepository interface methods:
// FetchByIDs
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=directory_repository_mock.go github.com/workstead/provisioner/internal/core DirectoryRepository

// Generate mock for EmployeeRepository interface from internal/core package.
// This creates MockEmployeeRepository with methods for all EmployeeRepository interface methods:
// CreateEmployee, CreateAssignment, CreateInvitation
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=employee_repository_mock.go github.com/workstead/provisioner/internal/core EmployeeRepository

// Generate mock for Mailer interface from internal/core package.
// This creates MockMailer with methods for all Mailer interface methods:
// SendInvitation
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=mailer_mock.go github.com/workstead/provisioner/internal/core Mailer
