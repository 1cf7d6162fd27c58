package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/whisper/radar/internal/matching"
	"github.com/whisper/radar/internal/position"
	"github.com/whisper/radar/internal/protocol"
	"github.com/whisper/radar/internal/radarerr"
	"github.com/whisper/radar/internal/starter"
)

type positionRequest struct {
	Handle string  `json:"handle"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
	Ts     int64   `json:"ts"` // unix milliseconds
}

type visibilityRequest struct {
	Visible bool `json:"visible"`
}

type answerRequest struct {
	Value  string `json:"value"`
	Shared bool   `json:"shared"`
}

type starterResponse struct {
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}

var errBadQuery = errors.New("invalid query parameter")

func (a *api) getHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if a.health != nil {
		n, up := a.health()
		resp.Connections = n
		resp.Uptime = up.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) listQuestions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Questions())
}

func (a *api) leave(w http.ResponseWriter, r *http.Request) {
	a.svc.Leave(r.Context(), chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) putPosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if !a.decode(w, r, &req) {
		return
	}

	u := position.Update{
		UserID:   chi.URLParam(r, "id"),
		Handle:   req.Handle,
		Location: position.Point{X: req.X, Y: req.Y},
		Radius:   req.Radius,
	}
	if req.Ts > 0 {
		u.At = time.UnixMilli(req.Ts)
	}
	if err := a.svc.UpdatePosition(r.Context(), u); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) putVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.svc.SetVisible(r.Context(), chi.URLParam(r, "id"), req.Visible); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) putAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !a.decode(w, r, &req) {
		return
	}
	err := a.svc.SubmitAnswer(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "questionID"), req.Value, req.Shared)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) getMatches(w http.ResponseWriter, r *http.Request) {
	var opts matching.Options
	q := r.URL.Query()
	if v := q.Get("range"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			a.writeBadRequest(w, errBadQuery, "range")
			return
		}
		opts.Range = f
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.writeBadRequest(w, errBadQuery, "limit")
			return
		}
		opts.PageSize = n
	}

	res, err := a.svc.Refresh(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewRadarMsg(res))
}

func (a *api) getBestMatch(w http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.BestMatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.BestMatchMsg{Type: protocol.TypeBestMatch, BestMatch: protocol.NewBestMatch(rec)})
}

func (a *api) getCompatibility(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := a.svc.Compatibility(r.Context(), id, chi.URLParam(r, "otherID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewCompatibility(res, id))
}

func (a *api) postStarter(w http.ResponseWriter, r *http.Request) {
	id, other := chi.URLParam(r, "id"), chi.URLParam(r, "otherID")
	text, err := a.svc.Starter(r.Context(), id, other)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, starterResponse{From: id, To: other, Text: text})
}

// decode reads a JSON body into v, replying 400 on failure.
func (a *api) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		a.writeBadRequest(w, err, "body")
		return false
	}
	return true
}

func (a *api) writeBadRequest(w http.ResponseWriter, err error, field string) {
	writeJSON(w, http.StatusBadRequest, protocol.ErrorMsg{
		Type:    protocol.TypeError,
		Code:    "bad_request",
		Message: field + ": " + err.Error(),
	})
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	code := radarerr.Code(err)
	status := statusFor(err)
	if errors.Is(err, starter.ErrNoCommonGround) {
		code = "no_common_ground"
	}
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	writeJSON(w, status, protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, radarerr.ErrInvalidRadius), errors.Is(err, radarerr.ErrUnknownQuestion):
		return http.StatusBadRequest
	case errors.Is(err, radarerr.ErrNotDiscoverable):
		return http.StatusForbidden
	case errors.Is(err, radarerr.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, starter.ErrNoCommonGround), errors.Is(err, radarerr.ErrBlockedContent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, radarerr.ErrStoreContention):
		return http.StatusServiceUnavailable
	case radarerr.Code(err) == "cancelled":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
