package mocks

import (
	"context"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
	"github.com/stretchr/testify/mock"
)

// MockOHLCVIntegration produces OHLCV bars only.
type MockOHLCVIntegration struct {
	mock.Mock
}

func (m *MockOHLCVIntegration) IntegrationName() string {
	return "mock-ohlcv"
}

func (m *MockOHLCVIntegration) StartOHLCVStream(ctx context.Context, req ds.StreamRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockOHLCVIntegration) StopOHLCVStream(ctx context.Context, req ds.StreamRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// MockFullIntegration has every integration capability.
type MockFullIntegration struct {
	MockOHLCVIntegration
}

func (m *MockFullIntegration) IntegrationName() string {
	return "mock-full"
}

func (m *MockFullIntegration) StartTradeStream(ctx context.Context, req ds.StreamRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockFullIntegration) StopTradeStream(ctx context.Context, req ds.StreamRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockFullIntegration) StopAllStreams(ctx context.Context, clientID common.ClientID) error {
	args := m.Called(ctx, clientID)
	return args.Error(0)
}

func (m *MockFullIntegration) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
