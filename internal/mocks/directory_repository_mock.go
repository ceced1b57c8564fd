// Code generated by MockGen. DO NOT EDIT.
// Source: github.com/workstead/provisioner/internal/core (interfaces: DirectoryRepository)
//
// Generated by this command:
//
//	mockgen -package=mocks -destination=directory_repository_mock.go github.com/workstead/provisioner/internal/core DirectoryRepository
//

// Package mocks is a generated GoMock package.
package mocks

import (
	context "context"
	reflect "reflect"

	model "github.com/workstead/provisioner/internal/domain/model"
	gomock "go.uber.org/mock/gomock"
)

// MockDirectoryRepository is a mock of DirectoryRepository interface.
type MockDirectoryRepository struct {
	ctrl     *gomock.Controller
	recorder *MockDirectoryRepositoryMockRecorder
}

// MockDirectoryRepositoryMockRecorder is the mock recorder for MockDirectoryRepository.
type MockDirectoryRepositoryMockRecorder struct {
	mock *MockDirectoryRepository
}

// NewMockDirectoryRepository creates a new mock instance.
func NewMockDirectoryRepository(ctrl *gomock.Controller) *MockDirectoryRepository {
	mock := &MockDirectoryRepository{ctrl: ctrl}
	mock.recorder = &MockDirectoryRepositoryMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockDirectoryRepository) EXPECT() *MockDirectoryRepositoryMockRecorder {
	return m.recorder
}

// FetchByIDs mocks base method.
func (m *MockDirectoryRepository) FetchByIDs(arg0 context.Context, arg1 model.ReferenceType, arg2 []string) ([]model.Reference, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "FetchByIDs", arg0, arg1, arg2)
	ret0, _ := ret[0].([]model.Reference)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// FetchByIDs indicates an expected call of FetchByIDs.
func (mr *MockDirectoryRepositoryMockRecorder) FetchByIDs(arg0, arg1, arg2 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "FetchByIDs", reflect.TypeOf((*MockDirectoryRepository)(nil).FetchByIDs), arg0, arg1, arg2)
}
