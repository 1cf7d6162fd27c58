package ws

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/radar/internal/events"
	"github.com/whisper/radar/internal/highlight"
	"github.com/whisper/radar/internal/logger"
	"github.com/whisper/radar/internal/matching"
	"github.com/whisper/radar/internal/position"
	"github.com/whisper/radar/internal/protocol"
	"github.com/whisper/radar/internal/radar"
	"github.com/whisper/radar/internal/radarerr"
	"github.com/whisper/radar/internal/ratelimit"
)

const handlerTimeout = 5 * time.Second

// Service is the part of the radar service reachable over WebSocket.
type Service interface {
	UpdatePosition(ctx context.Context, u position.Update) error
	SetVisible(ctx context.Context, userID string, visible bool) error
	SubmitAnswer(ctx context.Context, userID, questionID, value string, shared bool) error
	Refresh(ctx context.Context, userID string, opts matching.Options) (*radar.Radar, error)
	BestMatch(ctx context.Context, userID string) (*highlight.Record, error)
}

// Limiter throttles per-user actions. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Subscriber delivers best-match notifications published by any radard
// instance. *messaging.NATSClient satisfies it.
type Subscriber interface {
	SubscribeBestMatch(userID, connID string, handler func(data []byte)) error
	UnsubscribeBestMatch(connID string) error
}

// Gateway binds the radar service to the WebSocket server: it registers the
// radar message handlers and pushes best-match notifications to connected
// users.
type Gateway struct {
	server     *Server
	dispatcher *MessageDispatcher
	svc        Service
	limiter    Limiter
	subscriber Subscriber
	log        *zap.Logger
}

// NewGateway creates the server and registers every radar handler.
func NewGateway(cfg ServerConfig, svc Service, log *zap.Logger) *Gateway {
	g := &Gateway{
		dispatcher: NewMessageDispatcher(log),
		svc:        svc,
		log:        logger.Named(log, "gateway"),
	}
	g.server = NewServer(cfg, g.dispatcher.Dispatch, log)
	g.server.SetOnConnect(g.onConnect)
	g.server.SetOnDisconnect(g.onDisconnect)
	g.server.SetAdmit(g.admit)

	g.dispatcher.Register(protocol.TypeUpdatePosition, g.handleUpdatePosition)
	g.dispatcher.Register(protocol.TypeSetVisibility, g.handleSetVisibility)
	g.dispatcher.Register(protocol.TypeSubmitAnswer, g.handleSubmitAnswer)
	g.dispatcher.Register(protocol.TypeRefreshRadar, g.handleRefreshRadar)
	g.dispatcher.Register(protocol.TypeGetBestMatch, g.handleGetBestMatch)
	return g
}

// SetLimiter enables rate limiting. Must be called before Start.
func (g *Gateway) SetLimiter(l Limiter) {
	g.limiter = l
}

// SetSubscriber makes each connection follow its user's best-match subject.
// Without one, notifications reach only this instance's connections through
// NotifyBestMatch. Must be called before Start.
func (g *Gateway) SetSubscriber(s Subscriber) {
	g.subscriber = s
}

// Server returns the underlying WebSocket server.
func (g *Gateway) Server() *Server {
	return g.server
}

// Start starts the WebSocket server's event loop.
func (g *Gateway) Start() error {
	return g.server.Start()
}

// NotifyBestMatch implements radar.Notifier by pushing a best_match message
// to the user's local connections.
func (g *Gateway) NotifyBestMatch(_ context.Context, rec highlight.Record, _ matching.Candidate) error {
	data, err := protocol.NewServerMessage(protocol.TypeBestMatch, protocol.BestMatchMsg{BestMatch: protocol.NewBestMatch(&rec)})
	if err != nil {
		return err
	}
	n := g.server.SendToUser(rec.UserID, data)
	g.log.Debug("best match pushed", zap.String("user_id", rec.UserID), zap.Int("connections", n))
	return nil
}

func (g *Gateway) admit(r *http.Request) bool {
	if g.limiter == nil {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ok, _ := g.limiter.Allow(r.Context(), host, ratelimit.RuleConnect)
	return ok
}

func (g *Gateway) onConnect(conn *Connection) {
	if g.subscriber == nil {
		return
	}
	err := g.subscriber.SubscribeBestMatch(conn.UserID, conn.ID, func(data []byte) {
		var ev events.BestMatchEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			g.log.Warn("decode best match event", zap.String("conn_id", conn.ID), zap.Error(err))
			return
		}
		bm := ev.BestMatch
		g.send(conn, protocol.TypeBestMatch, protocol.BestMatchMsg{BestMatch: &bm})
	})
	if err != nil {
		g.log.Warn("subscribe best match", zap.String("conn_id", conn.ID), zap.Error(err))
	}
}

func (g *Gateway) onDisconnect(conn *Connection) {
	if g.subscriber == nil {
		return
	}
	if err := g.subscriber.UnsubscribeBestMatch(conn.ID); err != nil {
		g.log.Debug("unsubscribe best match", zap.String("conn_id", conn.ID), zap.Error(err))
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (g *Gateway) handleUpdatePosition(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.UpdatePositionMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if !g.allow(ctx, conn, ratelimit.RulePosition) {
		return
	}

	u := position.Update{
		UserID:   conn.UserID,
		Handle:   m.Handle,
		Location: position.Point{X: m.X, Y: m.Y},
		Radius:   m.Radius,
	}
	if m.Ts > 0 {
		u.At = time.UnixMilli(m.Ts)
	}
	g.ack(conn, protocol.TypeUpdatePosition, g.svc.UpdatePosition(ctx, u))
}

func (g *Gateway) handleSetVisibility(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.SetVisibilityMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	g.ack(conn, protocol.TypeSetVisibility, g.svc.SetVisible(ctx, conn.UserID, m.Visible))
}

func (g *Gateway) handleSubmitAnswer(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.SubmitAnswerMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if !g.allow(ctx, conn, ratelimit.RuleAnswer) {
		return
	}
	g.ack(conn, protocol.TypeSubmitAnswer, g.svc.SubmitAnswer(ctx, conn.UserID, m.QuestionID, m.Value, m.Shared))
}

func (g *Gateway) handleRefreshRadar(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.RefreshRadarMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if !g.allow(ctx, conn, ratelimit.RuleRefresh) {
		return
	}

	r, err := g.svc.Refresh(ctx, conn.UserID, matching.Options{Range: m.Range, PageSize: m.Limit})
	if err != nil {
		g.sendError(conn, err)
		return
	}
	g.send(conn, protocol.TypeRadar, protocol.NewRadarMsg(r))
}

func (g *Gateway) handleGetBestMatch(conn *Connection, msg interface{}) {
	if _, ok := msg.(protocol.GetBestMatchMsg); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	rec, err := g.svc.BestMatch(ctx, conn.UserID)
	if err != nil {
		g.sendError(conn, err)
		return
	}
	g.send(conn, protocol.TypeBestMatch, protocol.BestMatchMsg{BestMatch: protocol.NewBestMatch(rec)})
}

// allow applies rule to the connection's user and replies rate_limited when
// the limit is exceeded. Limiter errors fail open.
func (g *Gateway) allow(ctx context.Context, conn *Connection, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ok, err := g.limiter.Allow(ctx, conn.UserID, rule)
	if err != nil || ok {
		return true
	}
	retry := g.limiter.RetryAfter(ctx, conn.UserID, rule)
	g.send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: int(math.Ceil(retry.Seconds()))})
	return false
}

func (g *Gateway) ack(conn *Connection, forType string, err error) {
	if err != nil {
		g.sendError(conn, err)
		return
	}
	g.send(conn, protocol.TypeAck, protocol.AckMsg{For: forType})
}

func (g *Gateway) sendError(conn *Connection, err error) {
	code := radarerr.Code(err)
	if code == "internal" {
		g.log.Error("handler failed", zap.String("conn_id", conn.ID), zap.String("user_id", conn.UserID), zap.Error(err))
	}
	g.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: err.Error()})
}

func (g *Gateway) send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		g.log.Error("build message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := g.server.write(conn, data); err != nil {
		g.log.Debug("send message", zap.String("type", msgType), zap.String("conn_id", conn.ID), zap.Error(err))
	}
}
