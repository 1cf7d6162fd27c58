package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/radar/internal/compat"
	"github.com/whisper/radar/internal/highlight"
	"github.com/whisper/radar/internal/matching"
	"github.com/whisper/radar/internal/position"
	"github.com/whisper/radar/internal/radar"
)

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  interface{}
	}{
		{
			name:  "update_position",
			input: `{"type":"update_position","handle":"ann","x":1.5,"y":-2,"radius":20,"ts":1760000000000}`,
			want:  UpdatePositionMsg{Type: TypeUpdatePosition, Handle: "ann", X: 1.5, Y: -2, Radius: 20, Ts: 1760000000000},
		},
		{
			name:  "set_visibility",
			input: `{"type":"set_visibility","visible":false}`,
			want:  SetVisibilityMsg{Type: TypeSetVisibility},
		},
		{
			name:  "submit_answer",
			input: `{"type":"submit_answer","question_id":"interests","value":"reading","shared":true}`,
			want:  SubmitAnswerMsg{Type: TypeSubmitAnswer, QuestionID: "interests", Value: "reading", Shared: true},
		},
		{
			name:  "refresh_radar",
			input: `{"type":"refresh_radar","range":12.5}`,
			want:  RefreshRadarMsg{Type: TypeRefreshRadar, Range: 12.5},
		},
		{
			name:  "get_best_match",
			input: `{"type":"get_best_match"}`,
			want:  GetBestMatchMsg{Type: TypeGetBestMatch},
		},
		{
			name:  "ping",
			input: `{"type":"ping"}`,
			want:  PingMsg{Type: TypePing},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.name, msgType)
			assert.Equal(t, tt.want, msg)
		})
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "invalid json", input: `{not json`},
		{name: "missing type", input: `{"x":1}`},
		{name: "empty type", input: `{"type":""}`},
		{name: "unknown type", input: `{"type":"teleport"}`},
		{name: "server-only type", input: `{"type":"radar"}`},
		{name: "wrong field type", input: `{"type":"update_position","radius":"far"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tt.input))
			assert.Error(t, err)
			assert.Nil(t, msg)
		})
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeError, ErrorMsg{Code: "invalid_radius", Message: "radius 51"})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "error", got["type"])
	assert.Equal(t, "invalid_radius", got["code"])
	assert.Equal(t, "radius 51", got["message"])
}

func TestNewRadarMsg_ViewerPerspective(t *testing.T) {
	res := compat.Result{
		UserA:      "a",
		UserB:      "b",
		Score:      50,
		Categories: map[string]float64{"interests": 50},
		Highlights: []compat.Highlight{{
			Category: "interests", QuestionA: "interests", QuestionB: "interests",
			ValueA: "reading,fitness", ValueB: "reading,cooking", Similarity: 0.5,
		}},
	}
	selected := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	msg := NewRadarMsg(&radar.Radar{
		UserID: "b",
		Candidates: []matching.Candidate{{
			User:     position.User{ID: "a", Handle: "ann"},
			Distance: 8,
			Result:   res,
		}},
		BestMatch: &highlight.Record{UserID: "b", MatchID: "a", Date: "2026-10-19", Score: 50, SelectedAt: selected},
	})

	assert.Equal(t, TypeRadar, msg.Type)
	require.Len(t, msg.Candidates, 1)
	c := msg.Candidates[0]
	assert.Equal(t, "a", c.UserID)
	assert.Equal(t, "ann", c.Handle)
	assert.Equal(t, 8.0, c.Distance)
	require.Len(t, c.Highlights, 1)
	assert.Equal(t, "reading,cooking", c.Highlights[0].Mine)
	assert.Equal(t, "reading,fitness", c.Highlights[0].Theirs)

	require.NotNil(t, msg.BestMatch)
	assert.Equal(t, selected.UnixMilli(), msg.BestMatch.SelectedAt)
}

func TestNewRadarMsg_EmptyRadarEncodesEmptyList(t *testing.T) {
	msg := NewRadarMsg(&radar.Radar{UserID: "a", Candidates: []matching.Candidate{}})

	data, err := NewServerMessage(msg.Type, msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"radar","candidates":[]}`, string(data))
}

func TestNewCompatibility(t *testing.T) {
	res := compat.Result{UserA: "a", UserB: "b", Score: 0, Categories: map[string]float64{}, Highlights: []compat.Highlight{}}

	got := NewCompatibility(res, "a")
	assert.Equal(t, "b", got.UserID)
	assert.NotNil(t, got.Highlights)
	assert.Empty(t, got.Highlights)
}
