// Code generated by MockGen. DO NOT EDIT.
// Source: github.com/workstead/provisioner/internal/core (interfaces: TaskRepository)
//
// Generated by this command:
//
//	mockgen -package=mocks -destination=task_repository_mock.go github.com/workstead/provisioner/internal/core TaskRepository
//

// Package mocks is a generated GoMock package.
package mocks

import (
	context "context"
	reflect "reflect"
	time "time"

	model "github.com/workstead/provisioner/internal/domain/model"
	gomock "go.uber.org/mock/gomock"
)

// MockTaskRepository is a mock of TaskRepository interface.
type MockTaskRepository struct {
	ctrl     *gomock.Controller
	recorder *MockTaskRepositoryMockRecorder
}

// MockTaskRepositoryMockRecorder is the mock recorder for MockTaskRepository.
type MockTaskRepositoryMockRecorder struct {
	mock *MockTaskRepository
}

// NewMockTaskRepository creates a new mock instance.
func NewMockTaskRepository(ctrl *gomock.Controller) *MockTaskRepository {
	mock := &MockTaskRepository{ctrl: ctrl}
	mock.recorder = &MockTaskRepositoryMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockTaskRepository) EXPECT() *MockTaskRepositoryMockRecorder {
	return m.recorder
}

// Complete mocks base method.
func (m *MockTaskRepository) Complete(arg0 context.Context, arg1 string) (bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Complete", arg0, arg1)
	ret0, _ := ret[0].(bool)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Complete indicates an expected call of Complete.
func (mr *MockTaskRepositoryMockRecorder) Complete(arg0, arg1 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Complete", reflect.TypeOf((*MockTaskRepository)(nil).Complete), arg0, arg1)
}

// Enqueue mocks base method.
func (m *MockTaskRepository) Enqueue(arg0 context.Context, arg1 *model.EnqueueTaskRequest) (*model.Task, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Enqueue", arg0, arg1)
	ret0, _ := ret[0].(*model.Task)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Enqueue indicates an expected call of Enqueue.
func (mr *MockTaskRepositoryMockRecorder) Enqueue(arg0, arg1 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Enqueue", reflect.TypeOf((*MockTaskRepository)(nil).Enqueue), arg0, arg1)
}

// Fail mocks base method.
func (m *MockTaskRepository) Fail(arg0 context.Context, arg1, arg2 string) (model.TaskStatus, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Fail", arg0, arg1, arg2)
	ret0, _ := ret[0].(model.TaskStatus)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Fail indicates an expected call of Fail.
func (mr *MockTaskRepositoryMockRecorder) Fail(arg0, arg1, arg2 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Fail", reflect.TypeOf((*MockTaskRepository)(nil).Fail), arg0, arg1, arg2)
}

// GetByID mocks base method.
func (m *MockTaskRepository) GetByID(arg0 context.Context, arg1 string) (*model.Task, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetByID", arg0, arg1)
	ret0, _ := ret[0].(*model.Task)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// GetByID indicates an expected call of GetByID.
func (mr *MockTaskRepositoryMockRecorder) GetByID(arg0, arg1 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetByID", reflect.TypeOf((*MockTaskRepository)(nil).GetByID), arg0, arg1)
}

// Heartbeat mocks base method.
func (m *MockTaskRepository) Heartbeat(arg0 context.Context, arg1 string, arg2 int) (bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Heartbeat", arg0, arg1, arg2)
	ret0, _ := ret[0].(bool)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Heartbeat indicates an expected call of Heartbeat.
func (mr *MockTaskRepositoryMockRecorder) Heartbeat(arg0, arg1, arg2 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Heartbeat", reflect.TypeOf((*MockTaskRepository)(nil).Heartbeat), arg0, arg1, arg2)
}

// ListExpiredLeases mocks base method.
func (m *MockTaskRepository) ListExpiredLeases(arg0 context.Context, arg1 model.JobKind, arg2 time.Time, arg3 int) ([]*model.Task, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ListExpiredLeases", arg0, arg1, arg2, arg3)
	ret0, _ := ret[0].([]*model.Task)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// ListExpiredLeases indicates an expected call of ListExpiredLeases.
func (mr *MockTaskRepositoryMockRecorder) ListExpiredLeases(arg0, arg1, arg2, arg3 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ListExpiredLeases", reflect.TypeOf((*MockTaskRepository)(nil).ListExpiredLeases), arg0, arg1, arg2, arg3)
}

// PruneFinished mocks base method.
func (m *MockTaskRepository) PruneFinished(arg0 context.Context, arg1 time.Time) (int64, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "PruneFinished", arg0, arg1)
	ret0, _ := ret[0].(int64)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// PruneFinished indicates an expected call of PruneFinished.
func (mr *MockTaskRepositoryMockRecorder) PruneFinished(arg0, arg1 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "PruneFinished", reflect.TypeOf((*MockTaskRepository)(nil).PruneFinished), arg0, arg1)
}

// RequeueExpired mocks base method.
func (m *MockTaskRepository) RequeueExpired(arg0 context.Context, arg1 model.JobKind) (int64, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "RequeueExpired", arg0, arg1)
	ret0, _ := ret[0].(int64)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// RequeueExpired indicates an expected call of RequeueExpired.
func (mr *MockTaskRepositoryMockRecorder) RequeueExpired(arg0, arg1 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "RequeueExpired", reflect.TypeOf((*MockTaskRepository)(nil).RequeueExpired), arg0, arg1)
}

// ReserveNext mocks base method.
func (m *MockTaskRepository) ReserveNext(arg0 context.Context, arg1 model.JobKind, arg2 int) (*model.Task, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ReserveNext", arg0, arg1, arg2)
	ret0, _ := ret[0].(*model.Task)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// ReserveNext indicates an expected call of ReserveNext.
func (mr *MockTaskRepositoryMockRecorder) ReserveNext(arg0, arg1, arg2 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ReserveNext", reflect.TypeOf((*MockTaskRepository)(nil).ReserveNext), arg0, arg1, arg2)
}

// Stats mocks base method.
func (m *MockTaskRepository) Stats(arg0 context.Context, arg1 model.JobKind) (*model.TaskStats, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Stats", arg0, arg1)
	ret0, _ := ret[0].(*model.TaskStats)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Stats indicates an expected call of Stats.
func (mr *MockTaskRepositoryMockRecorder) Stats(arg0, arg1 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Stats", reflect.TypeOf((*MockTaskRepository)(nil).Stats), arg0, arg1)
}

// WaitForNotification mocks base method.
func (m *MockTaskRepository) WaitForNotification(arg0 context.Context, arg1 model.JobKind) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "WaitForNotification", arg0, arg1)
	ret0, _ := ret[0].(error)
	return ret0
}

// WaitForNotification indicates an expected call of WaitForNotification.
func (mr *MockTaskRepositoryMockRecorder) WaitForNotification(arg0, arg1 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "WaitForNotification", reflect.TypeOf((*MockTaskRepository)(nil).WaitForNotification), arg0, arg1)
}
