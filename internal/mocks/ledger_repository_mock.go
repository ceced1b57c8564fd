// Code generated by MockGen. DO NOT EDIT.
// Source: github.com/workstead/provisioner/internal/core (interfaces: LedgerRepository)
//
// Generated by this command:
//
//	mockgen -package=mocks -destination=ledger_repository_mock.go github.com/workstead/provisioner/internal/core LedgerRepository
//

// Package mocks is a generated GoMock package.
package mocks

import (
	context "context"
	reflect "reflect"

	model "github.com/workstead/provisioner/internal/domain/model"
	gomock "go.uber.org/mock/gomock"
)

// MockLedgerRepository is a mock of LedgerRepository interface.
type MockLedgerRepository struct {
	ctrl     *gomock.Controller
	recorder *MockLedgerRepositoryMockRecorder
}

// MockLedgerRepositoryMockRecorder is the mock recorder for MockLedgerRepository.
type MockLedgerRepositoryMockRecorder struct {
	mock *MockLedgerRepository
}

// NewMockLedgerRepository creates a new mock instance.
func NewMockLedgerRepository(ctrl *gomock.Controller) *MockLedgerRepository {
	mock := &MockLedgerRepository{ctrl: ctrl}
	mock.recorder = &MockLedgerRepositoryMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockLedgerRepository) EXPECT() *MockLedgerRepositoryMockRecorder {
	return m.recorder
}

// Create mocks base method.
func (m *MockLedgerRepository) Create(arg0 context.Context, arg1 *model.CreateJobRequest) (*model.Job, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Create", arg0, arg1)
	ret0, _ := ret[0].(*model.Job)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Create indicates an expected call of Create.
func (mr *MockLedgerRepositoryMockRecorder) Create(arg0, arg1 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Create", reflect.TypeOf((*MockLedgerRepository)(nil).Create), arg0, arg1)
}

// Finalize mocks base method.
func (m *MockLedgerRepository) Finalize(arg0 context.Context, arg1 string, arg2 model.JobStatus, arg3 model.JobResult) (bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Finalize", arg0, arg1, arg2, arg3)
	ret0, _ := ret[0].(bool)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Finalize indicates an expected call of Finalize.
func (mr *MockLedgerRepositoryMockRecorder) Finalize(arg0, arg1, arg2, arg3 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Finalize", reflect.TypeOf((*MockLedgerRepository)(nil).Finalize), arg0, arg1, arg2, arg3)
}

// Get mocks base method.
func (m *MockLedgerRepository) Get(arg0 context.Context, arg1, arg2 string) (*model.Job, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Get", arg0, arg1, arg2)
	ret0, _ := ret[0].(*model.Job)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Get indicates an expected call of Get.
func (mr *MockLedgerRepositoryMockRecorder) Get(arg0, arg1, arg2 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Get", reflect.TypeOf((*MockLedgerRepository)(nil).Get), arg0, arg1, arg2)
}

// GetByID mocks base method.
func (m *MockLedgerRepository) GetByID(arg0 context.Context, arg1 string) (*model.Job, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetByID", arg0, arg1)
	ret0, _ := ret[0].(*model.Job)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// GetByID indicates an expected call of GetByID.
func (mr *MockLedgerRepositoryMockRecorder) GetByID(arg0, arg1 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetByID", reflect.TypeOf((*MockLedgerRepository)(nil).GetByID), arg0, arg1)
}

// IncrementAttempts mocks base method.
func (m *MockLedgerRepository) IncrementAttempts(arg0 context.Context, arg1 string, arg2 int) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "IncrementAttempts", arg0, arg1, arg2)
	ret0, _ := ret[0].(error)
	return ret0
}

// IncrementAttempts indicates an expected call of IncrementAttempts.
func (mr *MockLedgerRepositoryMockRecorder) IncrementAttempts(arg0, arg1, arg2 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "IncrementAttempts", reflect.TypeOf((*MockLedgerRepository)(nil).IncrementAttempts), arg0, arg1, arg2)
}

// List mocks base method.
func (m *MockLedgerRepository) List(arg0 context.Context, arg1 model.JobListOptions) ([]*model.Job, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "List", arg0, arg1)
	ret0, _ := ret[0].([]*model.Job)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// List indicates an expected call of List.
func (mr *MockLedgerRepositoryMockRecorder) List(arg0, arg1 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "List", reflect.TypeOf((*MockLedgerRepository)(nil).List), arg0, arg1)
}

// MarkActive mocks base method.
func (m *MockLedgerRepository) MarkActive(arg0 context.Context, arg1 string) (bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "MarkActive", arg0, arg1)
	ret0, _ := ret[0].(bool)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// MarkActive indicates an expected call of MarkActive.
func (mr *MockLedgerRepositoryMockRecorder) MarkActive(arg0, arg1 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "MarkActive", reflect.TypeOf((*MockLedgerRepository)(nil).MarkActive), arg0, arg1)
}

// RecordOutcome mocks base method.
func (m *MockLedgerRepository) RecordOutcome(arg0 context.Context, arg1 string, arg2 model.Outcome) (model.OutcomeApplication, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "RecordOutcome", arg0, arg1, arg2)
	ret0, _ := ret[0].(model.OutcomeApplication)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// RecordOutcome indicates an expected call of RecordOutcome.
func (mr *MockLedgerRepositoryMockRecorder) RecordOutcome(arg0, arg1, arg2 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "RecordOutcome", reflect.TypeOf((*MockLedgerRepository)(nil).RecordOutcome), arg0, arg1, arg2)
}
