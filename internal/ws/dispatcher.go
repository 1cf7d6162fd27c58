package ws

import (
	"time"

	"go.uber.org/zap"

	"github.com/whisper/radar/internal/logger"
	"github.com/whisper/radar/internal/protocol"
)

// MessageHandler handles a parsed client message. msg is the concrete struct
// returned by protocol.ParseClientMessage (e.g. protocol.RefreshRadarMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client frames to handlers by message type. Ping is
// answered internally; malformed or unsupported messages get an error reply.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *zap.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(log *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      logger.Named(log, "dispatch"),
	}
}

// Register associates a handler with a message type, replacing any previous
// handler for it.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug("parse error", zap.String("conn_id", conn.ID), zap.String("type", msgType), zap.Error(err))
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: "bad_request", Message: "invalid message format"})
		return
	}

	if msgType == protocol.TypePing {
		conn.LastPing = time.Now()
		d.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug("unsupported message type", zap.String("type", msgType), zap.String("conn_id", conn.ID))
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: "unsupported_type", Message: "unsupported message type"})
		return
	}

	handler(conn, msg)
}

// reply builds and writes a server message. Failures are logged only; a dead
// connection is evicted by the read loop or heartbeat.
func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error("build message", zap.String("type", msgType), zap.Error(err))
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug("send message", zap.String("type", msgType), zap.String("conn_id", conn.ID), zap.Error(err))
	}
}
