package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockPubSubProvider struct {
	mock.Mock
}

func (m *MockPubSubProvider) CreateOrUpdateStream(ctx context.Context, streamName string, subjects []string) error {
	args := m.Called(ctx, streamName, subjects)
	return args.Error(0)
}

func (m *MockPubSubProvider) Publish(ctx context.Context, subjectName string, data []byte) error {
	args := m.Called(ctx, subjectName, data)
	return args.Error(0)
}

func (m *MockPubSubProvider) Subscribe(ctx context.Context, consumerName string, subjectName string, callBack func(msg []byte) bool) error {
	args := m.Called(ctx, consumerName, subjectName, callBack)
	return args.Error(0)
}

func (m *MockPubSubProvider) UnSubscribe(consumerName string) error {
	args := m.Called(consumerName)
	return args.Error(0)
}

func (m *MockPubSubProvider) Close() error {
	args := m.Called()
	return args.Error(0)
}
