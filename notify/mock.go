package notify

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/peerproof/referral-registry/interfaces"
)

// MockNotifier is a testify mock of interfaces.Notifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, n interfaces.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

func (m *MockNotifier) Name() string {
	return "mock"
}

var _ interfaces.Notifier = (*MockNotifier)(nil)
