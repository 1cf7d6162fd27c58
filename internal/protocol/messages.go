// Package protocol defines the radar WebSocket messages and the JSON views of
// radar results shared with the HTTP API and NATS. Every message is a JSON
// object with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"

	"github.com/whisper/radar/internal/compat"
	"github.com/whisper/radar/internal/highlight"
	"github.com/whisper/radar/internal/matching"
	"github.com/whisper/radar/internal/radar"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeUpdatePosition = "update_position"
	TypeSetVisibility  = "set_visibility"
	TypeSubmitAnswer   = "submit_answer"
	TypeRefreshRadar   = "refresh_radar"
	TypeGetBestMatch   = "get_best_match"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeConnected   = "connected"
	TypeRadar       = "radar"
	TypeBestMatch   = "best_match"
	TypeAck         = "ack"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// UpdatePositionMsg is a location broadcast tick. X/Y are a planar offset or
// longitude/latitude depending on the server's distance metric. Ts is the
// client timestamp in unix milliseconds; zero means receive time.
type UpdatePositionMsg struct {
	Type   string  `json:"type"`
	Handle string  `json:"handle,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
	Ts     int64   `json:"ts,omitempty"`
}

// SetVisibilityMsg toggles discoverability.
type SetVisibilityMsg struct {
	Type    string `json:"type"`
	Visible bool   `json:"visible"`
}

// SubmitAnswerMsg submits an answer to a catalog question.
type SubmitAnswerMsg struct {
	Type       string `json:"type"`
	QuestionID string `json:"question_id"`
	Value      string `json:"value"`
	Shared     bool   `json:"shared"`
}

// RefreshRadarMsg asks for the current radar. Zero fields use server defaults.
type RefreshRadarMsg struct {
	Type  string  `json:"type"`
	Range float64 `json:"range,omitempty"`
	Limit int     `json:"limit,omitempty"`
}

// GetBestMatchMsg asks for today's best match.
type GetBestMatchMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the connection is bound to a user.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// Highlight is a shared answer pair as seen by the receiving user: Mine is
// the receiver's own answer.
type Highlight struct {
	Category   string  `json:"category"`
	Question   string  `json:"question"`
	Mine       string  `json:"mine"`
	Theirs     string  `json:"theirs"`
	Similarity float64 `json:"similarity"`
}

// Compatibility is a compatibility result as seen by one side of the pair.
type Compatibility struct {
	UserID     string             `json:"user_id"`
	Score      float64            `json:"score"`
	Categories map[string]float64 `json:"categories"`
	Highlights []Highlight        `json:"highlights"`
}

// Candidate is one radar blip.
type Candidate struct {
	UserID     string             `json:"user_id"`
	Handle     string             `json:"handle,omitempty"`
	Distance   float64            `json:"distance"`
	Score      float64            `json:"score"`
	Categories map[string]float64 `json:"categories"`
	Highlights []Highlight        `json:"highlights"`
}

// BestMatch is a daily best match record.
type BestMatch struct {
	MatchID    string  `json:"match_id"`
	Date       string  `json:"date"`
	Score      float64 `json:"score"`
	SelectedAt int64   `json:"selected_at"` // unix milliseconds
}

// RadarMsg carries a refreshed radar.
type RadarMsg struct {
	Type       string      `json:"type"`
	Candidates []Candidate `json:"candidates"`
	BestMatch  *BestMatch  `json:"best_match,omitempty"`
}

// BestMatchMsg carries today's best match; BestMatch is nil when unset.
type BestMatchMsg struct {
	Type      string     `json:"type"`
	BestMatch *BestMatch `json:"best_match"`
}

// AckMsg confirms a mutation.
type AckMsg struct {
	Type string `json:"type"`
	For  string `json:"for"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg communicates an error condition. Code is one of the radar error
// codes or "bad_request".
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

// NewHighlights converts highlights to the perspective of viewer.
func NewHighlights(r compat.Result, viewer string) []Highlight {
	return lo.Map(r.Highlights, func(h compat.Highlight, _ int) Highlight {
		out := Highlight{Category: h.Category, Question: h.QuestionA, Mine: h.ValueA, Theirs: h.ValueB, Similarity: h.Similarity}
		if viewer != r.UserA {
			out.Question, out.Mine, out.Theirs = h.QuestionB, h.ValueB, h.ValueA
		}
		return out
	})
}

// NewCompatibility converts r to the perspective of viewer.
func NewCompatibility(r compat.Result, viewer string) Compatibility {
	return Compatibility{
		UserID:     r.Other(viewer),
		Score:      r.Score,
		Categories: r.Categories,
		Highlights: NewHighlights(r, viewer),
	}
}

// NewCandidates converts ranked candidates for viewer.
func NewCandidates(cs []matching.Candidate, viewer string) []Candidate {
	return lo.Map(cs, func(c matching.Candidate, _ int) Candidate {
		return Candidate{
			UserID:     c.User.ID,
			Handle:     c.User.Handle,
			Distance:   c.Distance,
			Score:      c.Result.Score,
			Categories: c.Result.Categories,
			Highlights: NewHighlights(c.Result, viewer),
		}
	})
}

// NewBestMatch converts a record; nil stays nil.
func NewBestMatch(rec *highlight.Record) *BestMatch {
	if rec == nil {
		return nil
	}
	return &BestMatch{
		MatchID:    rec.MatchID,
		Date:       rec.Date,
		Score:      rec.Score,
		SelectedAt: rec.SelectedAt.UnixMilli(),
	}
}

// NewRadarMsg converts a refresh result.
func NewRadarMsg(r *radar.Radar) RadarMsg {
	return RadarMsg{
		Type:       TypeRadar,
		Candidates: NewCandidates(r.Candidates, r.UserID),
		BestMatch:  NewBestMatch(r.BestMatch),
	}
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// An error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeUpdatePosition:
		var m UpdatePositionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetVisibility:
		var m SetVisibilityMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubmitAnswer:
		var m SubmitAnswerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRefreshRadar:
		var m RefreshRadarMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetBestMatch:
		var m GetBestMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and injects msgType under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
