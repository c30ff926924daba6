package clientwritermanager

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/gorilla/websocket"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/services"
)

var (
	ErrUnknownClient = errors.New("no writer registered for client")
	ErrWriterBusy    = errors.New("client writer queue full")
)

const writeQueueSize = 1000

// clientWriter owns the write side of one client connection.
type clientWriter struct {
	w       services.MessageWriter
	writeCh chan []byte
	closeCh chan struct{}
}

// clientWriterManager maps client ids to a dedicated writer goroutine, so
// frames for one client are written in order and never concurrently.
type clientWriterManager struct {
	lock    sync.Mutex
	writers *haxmap.Map[common.ClientID, *clientWriter]
	logger  *slog.Logger
}

func NewClientWriterManager(logger *slog.Logger) services.ClientWriterManager {
	return &clientWriterManager{
		writers: haxmap.New[common.ClientID, *clientWriter](),
		logger:  logger.With("component", "clientWriterManager"),
	}
}

// SetWriterForClientID registers w and starts its writer goroutine. A writer
// already registered for the id is stopped first.
func (m *clientWriterManager) SetWriterForClientID(clientID common.ClientID, w services.MessageWriter) {
	cw := &clientWriter{
		w:       w,
		writeCh: make(chan []byte, writeQueueSize),
		closeCh: make(chan struct{}),
	}
	m.lock.Lock()
	if old, loaded := m.writers.Get(clientID); loaded {
		close(old.closeCh)
	}
	m.writers.Set(clientID, cw)
	m.lock.Unlock()

	go m.writerLoop(clientID, cw)
}

func (m *clientWriterManager) writerLoop(clientID common.ClientID, cw *clientWriter) {
	for {
		select {
		case <-cw.closeCh:
			return
		case data := <-cw.writeCh:
			if err := cw.w.WriteMessage(websocket.BinaryMessage, data); err != nil {
				m.logger.Error("error writing to client", "client-id", clientID, "err", err)
			}
		}
	}
}

// DeleteClientID stops the writer goroutine of clientID.
func (m *clientWriterManager) DeleteClientID(clientID common.ClientID) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if cw, ok := m.writers.Get(clientID); ok {
		m.writers.Del(clientID)
		close(cw.closeCh)
	}
}

func (m *clientWriterManager) HasClientID(clientID common.ClientID) bool {
	_, ok := m.writers.Get(clientID)
	return ok
}

// Write queues data for clientID without blocking.
func (m *clientWriterManager) Write(clientID common.ClientID, data []byte) error {
	cw, ok := m.writers.Get(clientID)
	if !ok {
		return ErrUnknownClient
	}

	select {
	case cw.writeCh <- data:
		return nil
	default:
		return ErrWriterBusy
	}
}
