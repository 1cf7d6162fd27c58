package radar

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/radar/internal/catalog"
	"github.com/whisper/radar/internal/compat"
	"github.com/whisper/radar/internal/config"
	"github.com/whisper/radar/internal/highlight"
	"github.com/whisper/radar/internal/matching"
	"github.com/whisper/radar/internal/moderation"
	"github.com/whisper/radar/internal/position"
	"github.com/whisper/radar/internal/profile"
	"github.com/whisper/radar/internal/starter"
)

// Options are the collaborators Build does not create itself.
type Options struct {
	Catalog   *catalog.Static
	BestMatch highlight.Store // nil selects an in-memory table
	Starters  starter.Generator
	Notifier  Notifier
	Filter    *moderation.Filter // used when cfg.ScreenContent; nil selects the built-in blocklist
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Build wires a Service from the radar configuration.
func Build(cfg config.RadarConfig, opts Options) (*Service, error) {
	metric, err := position.ParseMetric(cfg.DistanceMetric)
	if err != nil {
		return nil, fmt.Errorf("radar: %w", err)
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.BestMatch == nil {
		opts.BestMatch = highlight.NewMemoryStore()
	}

	positions := position.NewStore(position.Options{
		Metric:       metric,
		DefaultRange: cfg.DefaultVisibilityRange,
		ExpireWindow: cfg.AutoExpireWindow,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
	})
	profiles := profile.NewStore(opts.Catalog, opts.Clock, opts.Logger)

	scorer := compat.TokenScorer{Weights: cfg.CategoryWeights, HighlightCount: cfg.HighlightCount}
	if cfg.HighlightCount == 0 {
		scorer.HighlightCount = -1
	}
	cache, err := compat.NewCache(scorer, profiles, cfg.CacheSize, opts.Logger)
	if err != nil {
		return nil, err
	}

	matcher := matching.New(positions, cache, matching.Config{
		PageSize:            cfg.PageSize,
		Workers:             cfg.Workers,
		RequireDiscoverable: cfg.RequireDiscoverable,
		Logger:              opts.Logger,
	})
	threshold := cfg.BestMatchThreshold
	if threshold == 0 {
		threshold = -1
	}
	selector := highlight.NewSelector(opts.BestMatch, highlight.Config{
		Threshold: threshold,
		Location:  cfg.Location(),
		Clock:     opts.Clock,
		Logger:    opts.Logger,
	})

	var filter *moderation.Filter
	if cfg.ScreenContent {
		filter = opts.Filter
		if filter == nil {
			filter = moderation.NewFilter()
		}
	}

	return NewService(Deps{
		Catalog:   opts.Catalog,
		Positions: positions,
		Profiles:  profiles,
		Cache:     cache,
		Matcher:   matcher,
		Selector:  selector,
		Starters:  opts.Starters,
		Notifier:  opts.Notifier,
		Filter:    filter,
		Logger:    opts.Logger,
	}), nil
}
