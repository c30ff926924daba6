package websocketbridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	set "github.com/duke-git/lancet/v2/datastructure/set"
	"github.com/gorilla/websocket"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/codec"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/services"
	slogctx "github.com/veqryn/slog-context"
)

const writeWait = 5 * time.Second

type Factory func(wsConnID string, conn *websocket.Conn) services.WebSocketBridge

func NewWsBridgeFactory(
	processor services.EventProcessor,
	writers services.ClientWriterManager,
	metrics services.MetricsRegistry) Factory {
	return func(wsConnID string, conn *websocket.Conn) services.WebSocketBridge {
		return &websocketBridge{
			wsConnID:  wsConnID,
			conn:      conn,
			out:       &connWriter{conn: conn},
			processor: processor,
			writers:   writers,
			metrics:   metrics,
			clients:   set.New[common.ClientID](),
		}
	}
}

// connWriter serializes every write to one connection; gorilla allows a
// single concurrent writer.
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *connWriter) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// websocketBridge carries the binary protocol of one connection. A connection
// may log in several client ids; clients holds the ones it owns.
type websocketBridge struct {
	wsConnID  string
	conn      *websocket.Conn
	out       *connWriter
	processor services.EventProcessor
	writers   services.ClientWriterManager
	metrics   services.MetricsRegistry
	clients   set.Set[common.ClientID]
}

// ProcessMessagesFromClient reads frames until the connection fails or ctx
// ends, then logs out every client the connection owned.
func (w *websocketBridge) ProcessMessagesFromClient(ctx context.Context) {
	logger := slogctx.FromCtx(ctx).With("component", "websocketBridge", "ws-conn-id", w.wsConnID)
	ctx = slogctx.NewCtx(ctx, logger)

	stop := context.AfterFunc(ctx, func() { _ = w.conn.Close() })
	defer stop()
	defer w.release(ctx, logger)

	for {
		messageType, frame, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WarnContext(ctx, "unexpected close", "err", err)
			} else {
				logger.DebugContext(ctx, "connection closed", "err", err)
			}
			return
		}

		if messageType != websocket.BinaryMessage {
			w.reply(ctx, logger, ds.NewDataError(ds.DecodeFailure, "binary frames only"))
			continue
		}

		msg, err := codec.Decode(frame)
		if err != nil {
			w.metrics.IncDecodeErrorCount()
			logger.WarnContext(ctx, "undecodable frame", "err", err, "len", len(frame))
			w.reply(ctx, logger, ds.NewDataError(ds.DecodeFailure, "%v", err))
			continue
		}

		w.handle(ctx, logger, msg)
	}
}

func (w *websocketBridge) handle(ctx context.Context, logger *slog.Logger, msg ds.Message) {
	clientMsg, isClientMsg := msg.(ds.ClientMessage)
	if isClientMsg {
		if _, login := msg.(ds.ClientLogin); !login {
			clientID := clientMsg.GetClientID()
			if !w.clients.Contain(clientID) && w.writers.HasClientID(clientID) {
				w.reply(ctx, logger, ds.NewClientError(clientID, ds.UnknownClient, "client %d belongs to another connection", clientID))
				return
			}
		}
	}

	err := w.processor.Handle(ctx, msg)
	if err != nil {
		var clientErr ds.ClientError
		var dataErr ds.DataError
		switch {
		case errors.As(err, &clientErr):
			w.reply(ctx, logger, clientErr)
		case errors.As(err, &dataErr):
			w.reply(ctx, logger, dataErr)
		default:
			logger.ErrorContext(ctx, "unexpected processor error", "msg-type", msg.MessageType().String(), "err", err)
			w.reply(ctx, logger, ds.NewDataError(ds.UpstreamUnavailable, "internal error"))
		}
		return
	}

	switch m := msg.(type) {
	case ds.ClientLogin:
		w.clients.Add(m.ClientID)
		w.writers.SetWriterForClientID(m.ClientID, w.out)
		logger.InfoContext(ctx, "client logged in", "client-id", m.ClientID)
	case ds.ClientLogout:
		w.clients.Delete(m.ClientID)
		w.writers.DeleteClientID(m.ClientID)
		logger.InfoContext(ctx, "client logged out", "client-id", m.ClientID)
	}
}

func (w *websocketBridge) reply(ctx context.Context, logger *slog.Logger, msg ds.Message) {
	frame, err := codec.Encode(msg)
	if err != nil {
		logger.ErrorContext(ctx, "failed to encode reply", "msg-type", msg.MessageType().String(), "err", err)
		return
	}
	if err := w.out.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		logger.DebugContext(ctx, "failed to write reply", "err", err)
	}
}

// release logs out the clients of a closed connection.
func (w *websocketBridge) release(ctx context.Context, logger *slog.Logger) {
	// the request context may be gone already
	ctx = context.WithoutCancel(ctx)
	for clientID := range w.clients {
		err := w.processor.Handle(ctx, ds.ClientLogout{ClientID: clientID})
		var clientErr ds.ClientError
		if err != nil && !(errors.As(err, &clientErr) && clientErr.ErrorType == ds.SessionNotFound) {
			logger.WarnContext(ctx, "logout on disconnect failed", "client-id", clientID, "err", err)
		}
		w.writers.DeleteClientID(clientID)
	}
	w.clients = set.New[common.ClientID]()
}
