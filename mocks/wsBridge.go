package mocks

import (
	"context"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
	"github.com/stretchr/testify/mock"
)

type MockWebSocketBridge struct {
	mock.Mock
}

func (m *MockWebSocketBridge) ProcessMessagesFromClient(ctx context.Context) {
	m.Called(ctx)
}

// MockEventProcessor is a mock implementation of services.EventProcessor.
type MockEventProcessor struct {
	mock.Mock
}

func (m *MockEventProcessor) Publish(ctx context.Context, msg ds.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockEventProcessor) Handle(ctx context.Context, msg ds.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockEventProcessor) Accepting() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockEventProcessor) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
