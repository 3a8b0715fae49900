package storagemock

import (
	"context"

	"github.com/ferrocompanion/ferrocompanion/pkg/storage"
	"github.com/ferrocompanion/ferrocompanion/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

var _ storage.Store = (*MockStore)(nil)

func (m *MockStore) LoadMemory(ctx context.Context, installID string) (types.PeakShavingMemory, bool, error) {
	args := m.Called(ctx, installID)
	if len(args) > 0 {
		return args.Get(0).(types.PeakShavingMemory), args.Bool(1), args.Error(2)
	}
	return types.PeakShavingMemory{}, false, nil
}

func (m *MockStore) SaveMemory(ctx context.Context, installID string, mem types.PeakShavingMemory) error {
	args := m.Called(ctx, installID, mem)
	return args.Error(0)
}

func (m *MockStore) ListInstalls(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
