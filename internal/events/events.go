// Package events connects the radar service to NATS: it ingests position,
// visibility and answer events, serves refresh requests and publishes daily
// best-match notifications for the external push service.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/radar/internal/highlight"
	"github.com/whisper/radar/internal/logger"
	"github.com/whisper/radar/internal/matching"
	"github.com/whisper/radar/internal/messaging"
	"github.com/whisper/radar/internal/position"
	"github.com/whisper/radar/internal/protocol"
	"github.com/whisper/radar/internal/radar"
	"github.com/whisper/radar/internal/radarerr"
)

const handleTimeout = 5 * time.Second

// PositionEvent is the radar.position payload.
type PositionEvent struct {
	UserID string  `json:"user_id"`
	Handle string  `json:"handle,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
	Ts     int64   `json:"ts,omitempty"` // unix milliseconds
}

// VisibilityEvent is the radar.visibility payload.
type VisibilityEvent struct {
	UserID  string `json:"user_id"`
	Visible bool   `json:"visible"`
}

// AnswerEvent is the radar.answer payload.
type AnswerEvent struct {
	UserID     string `json:"user_id"`
	QuestionID string `json:"question_id"`
	Value      string `json:"value"`
	Shared     bool   `json:"shared"`
}

// RefreshRequest is the radar.refresh request payload.
type RefreshRequest struct {
	UserID string  `json:"user_id"`
	Range  float64 `json:"range,omitempty"`
	Limit  int     `json:"limit,omitempty"`
}

// RefreshReply is the radar.refresh reply. Exactly one field is set.
type RefreshReply struct {
	Radar *protocol.RadarMsg `json:"radar,omitempty"`
	Error *protocol.ErrorMsg `json:"error,omitempty"`
}

// BestMatchEvent is published on radar.best_match.<user_id>.
type BestMatchEvent struct {
	UserID        string                 `json:"user_id"`
	BestMatch     protocol.BestMatch     `json:"best_match"`
	Handle        string                 `json:"handle,omitempty"`
	Compatibility protocol.Compatibility `json:"compatibility"`
}

// Service is the part of the radar service driven by events.
type Service interface {
	UpdatePosition(ctx context.Context, u position.Update) error
	SetVisible(ctx context.Context, userID string, visible bool) error
	SubmitAnswer(ctx context.Context, userID, questionID, value string, shared bool) error
	Refresh(ctx context.Context, userID string, opts matching.Options) (*radar.Radar, error)
}

var errMissingUser = errors.New("events: missing user_id")

// Consumer applies incoming NATS events to the radar service.
type Consumer struct {
	svc Service
	log *zap.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(svc Service, log *zap.Logger) *Consumer {
	return &Consumer{svc: svc, log: logger.Named(log, "events")}
}

// Start subscribes the consumer's handlers on client.
func (c *Consumer) Start(client *messaging.NATSClient) error {
	if err := client.SubscribePositions(c.logged("position", c.HandlePosition)); err != nil {
		return err
	}
	if err := client.SubscribeVisibility(c.logged("visibility", c.HandleVisibility)); err != nil {
		return err
	}
	if err := client.SubscribeAnswers(c.logged("answer", c.HandleAnswer)); err != nil {
		return err
	}
	if err := client.SubscribeRefresh(c.HandleRefresh); err != nil {
		return err
	}
	c.log.Info("event consumer started")
	return nil
}

func (c *Consumer) logged(kind string, h func([]byte) error) func([]byte) {
	return func(data []byte) {
		if err := h(data); err != nil {
			c.log.Warn("event rejected", zap.String("kind", kind), zap.String("code", radarerr.Code(err)), zap.Error(err))
		}
	}
}

// HandlePosition applies a PositionEvent.
func (c *Consumer) HandlePosition(data []byte) error {
	var ev PositionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("events: decode position: %w", err)
	}
	if ev.UserID == "" {
		return errMissingUser
	}

	u := position.Update{
		UserID:   ev.UserID,
		Handle:   ev.Handle,
		Location: position.Point{X: ev.X, Y: ev.Y},
		Radius:   ev.Radius,
	}
	if ev.Ts > 0 {
		u.At = time.UnixMilli(ev.Ts)
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	return c.svc.UpdatePosition(ctx, u)
}

// HandleVisibility applies a VisibilityEvent.
func (c *Consumer) HandleVisibility(data []byte) error {
	var ev VisibilityEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("events: decode visibility: %w", err)
	}
	if ev.UserID == "" {
		return errMissingUser
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	return c.svc.SetVisible(ctx, ev.UserID, ev.Visible)
}

// HandleAnswer applies an AnswerEvent.
func (c *Consumer) HandleAnswer(data []byte) error {
	var ev AnswerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("events: decode answer: %w", err)
	}
	if ev.UserID == "" {
		return errMissingUser
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	return c.svc.SubmitAnswer(ctx, ev.UserID, ev.QuestionID, ev.Value, ev.Shared)
}

// HandleRefresh serves a RefreshRequest and returns the encoded RefreshReply.
func (c *Consumer) HandleRefresh(data []byte) []byte {
	var reply RefreshReply

	var req RefreshRequest
	switch err := json.Unmarshal(data, &req); {
	case err != nil:
		reply.Error = &protocol.ErrorMsg{Type: protocol.TypeError, Code: "bad_request", Message: err.Error()}
	case req.UserID == "":
		reply.Error = &protocol.ErrorMsg{Type: protocol.TypeError, Code: "bad_request", Message: errMissingUser.Error()}
	default:
		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		r, err := c.svc.Refresh(ctx, req.UserID, matching.Options{Range: req.Range, PageSize: req.Limit})
		cancel()
		if err != nil {
			reply.Error = &protocol.ErrorMsg{Type: protocol.TypeError, Code: radarerr.Code(err), Message: err.Error()}
		} else {
			msg := protocol.NewRadarMsg(r)
			reply.Radar = &msg
		}
	}

	out, err := json.Marshal(reply)
	if err != nil {
		c.log.Error("encode refresh reply", zap.Error(err))
		return nil
	}
	return out
}

// BestMatchSink delivers encoded best-match events. *messaging.NATSClient
// satisfies it.
type BestMatchSink interface {
	PublishBestMatch(userID string, data []byte) error
}

// BestMatchPublisher is a radar.Notifier publishing on NATS.
type BestMatchPublisher struct {
	client BestMatchSink
	log    *zap.Logger
}

// NewBestMatchPublisher creates a publisher.
func NewBestMatchPublisher(client BestMatchSink, log *zap.Logger) *BestMatchPublisher {
	return &BestMatchPublisher{client: client, log: logger.Named(log, "events")}
}

// NotifyBestMatch implements radar.Notifier.
func (p *BestMatchPublisher) NotifyBestMatch(_ context.Context, rec highlight.Record, match matching.Candidate) error {
	ev := BestMatchEvent{
		UserID:        rec.UserID,
		BestMatch:     *protocol.NewBestMatch(&rec),
		Handle:        match.User.Handle,
		Compatibility: protocol.NewCompatibility(match.Result, rec.UserID),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal best match: %w", err)
	}
	if err := p.client.PublishBestMatch(rec.UserID, data); err != nil {
		return fmt.Errorf("events: publish best match for %s: %w", rec.UserID, err)
	}

	p.log.Info("best match published",
		zap.String("user_id", rec.UserID),
		zap.String("match_id", rec.MatchID),
		zap.Float64("score", rec.Score))
	return nil
}
