package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 20.0, cfg.Radar.DefaultVisibilityRange)
	assert.Equal(t, 2*time.Minute, cfg.Radar.AutoExpireWindow)
	assert.Equal(t, 70.0, cfg.Radar.BestMatchThreshold)
	assert.Equal(t, 3, cfg.Radar.HighlightCount)
	assert.Equal(t, "planar", cfg.Radar.DistanceMetric)
	assert.Equal(t, ":8080", cfg.HTTP.ListenAddr)
	assert.Equal(t, 256, cfg.WS.WorkerPoolSize)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, time.UTC, cfg.Radar.Location())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("RADAR_RADAR_BEST_MATCH_THRESHOLD", "85")
	t.Setenv("RADAR_REDIS_ADDR", "redis:6379")
	t.Setenv("RADAR_RADAR_AUTO_EXPIRE_WINDOW", "45s")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, 85.0, cfg.Radar.BestMatchThreshold)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 45*time.Second, cfg.Radar.AutoExpireWindow)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
radar:
  page_size: 5
  distance_metric: haversine
  timezone: Europe/Berlin
  category_weights:
    goals: 2
    daily: 0
ws:
  read_timeout: 3s
nats:
  url: nats://nats:4222
`), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Radar.PageSize)
	assert.Equal(t, "haversine", cfg.Radar.DistanceMetric)
	assert.Equal(t, map[string]float64{"goals": 2, "daily": 0}, cfg.Radar.CategoryWeights)
	assert.Equal(t, 3*time.Second, cfg.WS.ReadTimeout)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, "Europe/Berlin", cfg.Radar.Location().String())

	// Untouched keys keep their defaults.
	assert.Equal(t, 70.0, cfg.Radar.BestMatchThreshold)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   interface{}
		wantErr string
	}{
		{name: "range too large", key: "radar.default_visibility_range", value: 60.0, wantErr: "default_visibility_range"},
		{name: "range too small", key: "radar.default_visibility_range", value: 1.0, wantErr: "default_visibility_range"},
		{name: "threshold", key: "radar.best_match_threshold", value: 101.0, wantErr: "best_match_threshold"},
		{name: "expire window", key: "radar.auto_expire_window", value: "0s", wantErr: "auto_expire_window"},
		{name: "page size", key: "radar.page_size", value: 0, wantErr: "page_size"},
		{name: "negative highlights", key: "radar.highlight_count", value: -1, wantErr: "highlight_count"},
		{name: "negative weight", key: "radar.category_weights", value: map[string]float64{"goals": -1}, wantErr: "category_weights[goals]"},
		{name: "metric", key: "radar.distance_metric", value: "manhattan", wantErr: "manhattan"},
		{name: "timezone", key: "radar.timezone", value: "Mars/Olympus", wantErr: "radar.timezone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New()
			v.Set(tt.key, tt.value)
			_, err := Load(v, "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
