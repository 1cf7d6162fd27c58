// Package httpapi exposes the radar service over HTTP with chi: the REST
// surface under /v1, health, Prometheus metrics and the WebSocket upgrade.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/whisper/radar/internal/catalog"
	"github.com/whisper/radar/internal/compat"
	"github.com/whisper/radar/internal/highlight"
	"github.com/whisper/radar/internal/logger"
	"github.com/whisper/radar/internal/matching"
	"github.com/whisper/radar/internal/metrics"
	"github.com/whisper/radar/internal/position"
	"github.com/whisper/radar/internal/radar"
)

// Service is the radar surface served over HTTP. *radar.Service satisfies it.
type Service interface {
	UpdatePosition(ctx context.Context, u position.Update) error
	SetVisible(ctx context.Context, userID string, visible bool) error
	SubmitAnswer(ctx context.Context, userID, questionID, value string, shared bool) error
	Leave(ctx context.Context, userID string)
	Refresh(ctx context.Context, userID string, opts matching.Options) (*radar.Radar, error)
	BestMatch(ctx context.Context, userID string) (*highlight.Record, error)
	Compatibility(ctx context.Context, userID, otherID string) (compat.Result, error)
	Starter(ctx context.Context, userID, otherID string) (string, error)
	Questions() []catalog.Question
}

// Options configure the router. WS is mounted at /ws and Health reports the
// gateway's connection stats; both are optional.
type Options struct {
	WS             http.Handler
	Health         func() (connections int, uptime time.Duration)
	AllowedOrigins []string
	Logger         *zap.Logger
}

type api struct {
	svc    Service
	health func() (int, time.Duration)
	log    *zap.Logger
}

// New builds the HTTP handler.
func New(svc Service, opts Options) http.Handler {
	a := &api{svc: svc, health: opts.Health, log: logger.Named(opts.Logger, "http")}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Link"},
		MaxAge:         300,
	}))

	mux.Get("/health", a.getHealth)
	mux.Method(http.MethodGet, "/metrics", metrics.Handler())
	if opts.WS != nil {
		mux.Method(http.MethodGet, "/ws", opts.WS)
	}

	mux.Route("/v1", func(r chi.Router) {
		r.Use(a.requestLog)

		r.Get("/questions", a.listQuestions)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Delete("/", a.leave)
			r.Put("/position", a.putPosition)
			r.Put("/visibility", a.putVisibility)
			r.Put("/answers/{questionID}", a.putAnswer)
			r.Get("/matches", a.getMatches)
			r.Get("/best-match", a.getBestMatch)
			r.Get("/compatibility/{otherID}", a.getCompatibility)
			r.Post("/starters/{otherID}", a.postStarter)
		})
	})

	return mux
}

func (a *api) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
