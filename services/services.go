package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
)

// Integration is a market-data source. Its capabilities are the narrow
// interfaces below; the processor discovers them by type assertion.
type Integration interface {
	IntegrationName() string
}

// OHLCVProducer starts and stops OHLCV bar streams. Start returns once the
// stream is producing; bars go to the DataSink the integration was built with.
type OHLCVProducer interface {
	StartOHLCVStream(ctx context.Context, req ds.StreamRequest) error
	StopOHLCVStream(ctx context.Context, req ds.StreamRequest) error
}

// TradeProducer starts and stops trade bar streams.
type TradeProducer interface {
	StartTradeStream(ctx context.Context, req ds.StreamRequest) error
	StopTradeStream(ctx context.Context, req ds.StreamRequest) error
}

// StopAllReactor stops every stream of one client in a single call.
type StopAllReactor interface {
	StopAllStreams(ctx context.Context, clientID common.ClientID) error
}

// Shutdowner winds an integration down. Shutdown returns once the integration
// has stopped producing and released its resources.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

var (
	ErrUnsupportedSymbol   = errors.New("unsupported symbol")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// DataSink receives bars produced by an integration.
type DataSink interface {
	Publish(ctx context.Context, msg ds.Message) error
}

type EventProcessor interface {
	DataSink
	Handle(ctx context.Context, msg ds.Message) error
	Accepting() bool
	Shutdown(ctx context.Context) error
}

type PubSubProvider interface {
	CreateOrUpdateStream(ctx context.Context, streamName string, subjects []string) error
	Publish(ctx context.Context, subjectName string, data []byte) error
	Subscribe(ctx context.Context, consumerName string, subjectName string, callBack func(msg []byte) bool) error
	UnSubscribe(consumerName string) error
	Close() error
}

// DataStore is the stream directory shared by the nodes of a cluster.
type DataStore interface {
	AddNodeForStream(ctx context.Context, key ds.SubscriptionKey, nodeID common.NodeID) error
	RemoveNodeForStream(ctx context.Context, key ds.SubscriptionKey, nodeID common.NodeID) error
	ListNodesForStream(ctx context.Context, key ds.SubscriptionKey) ([]common.NodeID, error)
	Close()
}

// MessageWriter is the write half of a client connection.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

type ClientWriterManager interface {
	SetWriterForClientID(clientID common.ClientID, w MessageWriter)
	DeleteClientID(clientID common.ClientID)
	HasClientID(clientID common.ClientID) bool
	Write(clientID common.ClientID, data []byte) error
}

type WebSocketBridge interface {
	ProcessMessagesFromClient(ctx context.Context)
}

type MetricsRegistry interface {
	GetHandler() http.Handler
	IncMessageCount(msgType ds.MessageType)
	IncDecodeErrorCount()
	IncDroppedCount(reason string)
	SetSessionCount(n int)
	SetSubscriptionCount(n int)
	ObserveDeliveryLatency(barTime time.Time)
	ObserveIntegrationCall(op string, started time.Time)
	IncWsConnectionCount()
	DecWsConnectionCount()
}
