package mocks

import (
	"net/http"
	"time"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
	"github.com/stretchr/testify/mock"
)

type MockMetricsRegistry struct {
	mock.Mock
}

func (m *MockMetricsRegistry) GetHandler() http.Handler {
	args := m.Called()
	if handler := args.Get(0); handler != nil {
		return handler.(http.Handler)
	}
	return nil
}

func (m *MockMetricsRegistry) IncMessageCount(msgType ds.MessageType) { m.Called(msgType) }
func (m *MockMetricsRegistry) IncDecodeErrorCount()                   { m.Called() }
func (m *MockMetricsRegistry) IncDroppedCount(reason string)          { m.Called(reason) }
func (m *MockMetricsRegistry) SetSessionCount(n int)                  { m.Called(n) }
func (m *MockMetricsRegistry) SetSubscriptionCount(n int)             { m.Called(n) }
func (m *MockMetricsRegistry) ObserveDeliveryLatency(barTime time.Time) {
	m.Called(barTime)
}
func (m *MockMetricsRegistry) ObserveIntegrationCall(op string, started time.Time) {
	m.Called(op, started)
}
func (m *MockMetricsRegistry) IncWsConnectionCount() { m.Called() }
func (m *MockMetricsRegistry) DecWsConnectionCount() { m.Called() }
