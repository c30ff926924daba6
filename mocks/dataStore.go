package mocks

import (
	"context"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
	"github.com/stretchr/testify/mock"
)

// MockDataStore is a mock implementation of services.DataStore.
type MockDataStore struct {
	mock.Mock
}

func (m *MockDataStore) AddNodeForStream(ctx context.Context, key ds.SubscriptionKey, nodeID common.NodeID) error {
	args := m.Called(ctx, key, nodeID)
	return args.Error(0)
}

func (m *MockDataStore) RemoveNodeForStream(ctx context.Context, key ds.SubscriptionKey, nodeID common.NodeID) error {
	args := m.Called(ctx, key, nodeID)
	return args.Error(0)
}

func (m *MockDataStore) ListNodesForStream(ctx context.Context, key ds.SubscriptionKey) ([]common.NodeID, error) {
	args := m.Called(ctx, key)
	return args.Get(0).([]common.NodeID), args.Error(1)
}

func (m *MockDataStore) Close() {
	m.Called()
}
