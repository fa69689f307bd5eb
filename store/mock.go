package store

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/peerproof/referral-registry/interfaces"
)

// MockRegistryStore is a testify mock of interfaces.RegistryStore.
type MockRegistryStore struct {
	mock.Mock
}

func (m *MockRegistryStore) Insert(ctx context.Context, rec interfaces.RegistryRecord) (interfaces.RegistryRecord, error) {
	args := m.Called(ctx, rec)
	return args.Get(0).(interfaces.RegistryRecord), args.Error(1)
}

func (m *MockRegistryStore) Get(ctx context.Context, id interfaces.RecordID) (interfaces.RegistryRecord, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(interfaces.RegistryRecord), args.Error(1)
}

func (m *MockRegistryStore) ListByReferrer(ctx context.Context, referrer interfaces.Address, page interfaces.Page) (interfaces.PageResult, error) {
	args := m.Called(ctx, referrer, page)
	return args.Get(0).(interfaces.PageResult), args.Error(1)
}

func (m *MockRegistryStore) Revoke(ctx context.Context, id interfaces.RecordID, actor interfaces.Address, reason string) (interfaces.RegistryRecord, error) {
	args := m.Called(ctx, id, actor, reason)
	return args.Get(0).(interfaces.RegistryRecord), args.Error(1)
}

func (m *MockRegistryStore) AuditLog(ctx context.Context, id interfaces.RecordID) ([]interfaces.AuditEntry, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.AuditEntry), args.Error(1)
}

var _ interfaces.RegistryStore = (*MockRegistryStore)(nil)
