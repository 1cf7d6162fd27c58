package matching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/radar/internal/catalog"
	"github.com/whisper/radar/internal/compat"
	"github.com/whisper/radar/internal/position"
	"github.com/whisper/radar/internal/profile"
	"github.com/whisper/radar/internal/radarerr"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock     *clock
	positions *position.Store
	profiles  *profile.Store
	cache     *compat.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	f := &fixture{
		clock: clk,
		positions: position.NewStore(position.Options{
			Metric:       position.Planar,
			DefaultRange: 20,
			ExpireWindow: time.Minute,
			Clock:        clk.Now,
		}),
		profiles: profile.NewStore(catalog.Default(), clk.Now, nil),
	}
	cache, err := compat.NewCache(compat.TokenScorer{}, f.profiles, 128, nil)
	require.NoError(t, err)
	f.cache = cache
	return f
}

func (f *fixture) place(t *testing.T, id string, x, y, radius float64) {
	t.Helper()
	require.NoError(t, f.positions.UpdatePosition(position.Update{
		UserID: id, Location: position.Point{X: x, Y: y}, Radius: radius,
	}))
}

func (f *fixture) answer(t *testing.T, id, question, value string) {
	t.Helper()
	require.NoError(t, f.profiles.SubmitAnswer(id, question, value, true))
}

func (f *fixture) matcher(cfg Config) *Matcher {
	return New(f.positions, f.cache, cfg)
}

func candidateIDs(cs []Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.User.ID)
	}
	return out
}

func TestFindMatches_ReadingScenario(t *testing.T) {
	f := newFixture(t)
	f.place(t, "a", 0, 0, 20)
	f.place(t, "b", 8, 0, 20)
	f.answer(t, "a", "interests", "reading,fitness")
	f.answer(t, "b", "interests", "reading,cooking")

	got, err := f.matcher(Config{}).FindMatches(context.Background(), "a", Options{Range: 20})
	require.NoError(t, err)
	require.Len(t, got, 1)

	c := got[0]
	assert.Equal(t, "b", c.User.ID)
	assert.Equal(t, 8.0, c.Distance)
	assert.Equal(t, 50.0, c.Score())
	assert.Equal(t, []string{"interests"}, keys(c.Result.Categories))
	require.NotEmpty(t, c.Result.Highlights)
	assert.Contains(t, c.Result.Highlights[0].ValueA, "reading")
}

func TestFindMatches_RangeFilteringAndSelfExclusion(t *testing.T) {
	f := newFixture(t)
	f.place(t, "a", 0, 0, 30)
	f.place(t, "near", 3, 4, 20)
	f.place(t, "edge", 15, 0, 20)
	f.place(t, "far", 16, 0, 50)

	m := f.matcher(Config{})
	got, err := m.FindMatches(context.Background(), "a", Options{Range: 15})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"near", "edge"}, candidateIDs(got))
	for _, c := range got {
		assert.LessOrEqual(t, c.Distance, 15.0)
		assert.NotEqual(t, "a", c.User.ID)
	}
}

func TestFindMatches_Ordering(t *testing.T) {
	f := newFixture(t)
	f.place(t, "me", 0, 0, 50)
	f.answer(t, "me", "interests", "reading")

	// Same score, different distance; same score and distance, ordered by id.
	f.place(t, "d", 10, 0, 50)
	f.answer(t, "d", "interests", "reading")
	f.place(t, "c", 5, 0, 50)
	f.answer(t, "c", "interests", "reading")
	f.place(t, "b", 0, 5, 50)
	f.answer(t, "b", "interests", "reading")
	// Lower score but closest.
	f.place(t, "z", 1, 0, 50)
	f.answer(t, "z", "interests", "hiking")

	got, err := f.matcher(Config{}).FindMatches(context.Background(), "me", Options{Range: 50})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c", "d", "z"}, candidateIDs(got))
}

func TestFindMatches_PageSize(t *testing.T) {
	f := newFixture(t)
	f.place(t, "me", 0, 0, 50)
	for _, id := range []string{"u1", "u2", "u3", "u4", "u5"} {
		f.place(t, id, 1, 1, 50)
	}

	got, err := f.matcher(Config{PageSize: 3}).FindMatches(context.Background(), "me", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3"}, candidateIDs(got))

	got, err = f.matcher(Config{PageSize: 3}).FindMatches(context.Background(), "me", Options{PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFindMatches_EmptyRadar(t *testing.T) {
	f := newFixture(t)
	f.place(t, "lonely", 0, 0, 10)
	f.place(t, "away", 40, 40, 50)

	got, err := f.matcher(Config{}).FindMatches(context.Background(), "lonely", Options{})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestFindMatches_UnknownCaller(t *testing.T) {
	f := newFixture(t)

	_, err := f.matcher(Config{}).FindMatches(context.Background(), "ghost", Options{})
	assert.ErrorIs(t, err, radarerr.ErrUserNotFound)
}

func TestFindMatches_InvisibleCallerPolicy(t *testing.T) {
	f := newFixture(t)
	f.place(t, "a", 0, 0, 20)
	f.place(t, "b", 1, 0, 20)
	require.NoError(t, f.positions.SetVisible("a", false))

	got, err := f.matcher(Config{}).FindMatches(context.Background(), "a", Options{})
	require.NoError(t, err, "visibility affects being found, not finding")
	assert.Equal(t, []string{"b"}, candidateIDs(got))

	_, err = f.matcher(Config{RequireDiscoverable: true}).FindMatches(context.Background(), "a", Options{})
	assert.ErrorIs(t, err, radarerr.ErrNotDiscoverable)
}

func TestFindMatches_ExpiredUserExcludedUntilRebroadcast(t *testing.T) {
	f := newFixture(t)
	f.place(t, "a", 0, 0, 20)
	f.place(t, "b", 2, 0, 20)

	f.clock.Advance(50 * time.Second)
	f.place(t, "b", 2, 0, 20)
	f.clock.Advance(20 * time.Second)

	// a has been silent for 70s with a 60s window.
	got, err := f.matcher(Config{}).FindMatches(context.Background(), "b", Options{})
	require.NoError(t, err)
	assert.Empty(t, got)

	f.place(t, "a", 0, 0, 20)
	got, err = f.matcher(Config{}).FindMatches(context.Background(), "b", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, candidateIDs(got))
}

func TestFindMatches_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.place(t, "a", 0, 0, 20)
	f.place(t, "b", 1, 0, 20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.matcher(Config{}).FindMatches(ctx, "a", Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFindMatches_ResultsReuseCache(t *testing.T) {
	f := newFixture(t)
	f.place(t, "a", 0, 0, 20)
	f.place(t, "b", 1, 0, 20)
	f.answer(t, "a", "diet", "vegan")
	f.answer(t, "b", "diet", "vegan")

	m := f.matcher(Config{})
	first, err := m.FindMatches(context.Background(), "a", Options{})
	require.NoError(t, err)
	second, err := m.FindMatches(context.Background(), "b", Options{})
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Result, second[0].Result)
	assert.Equal(t, 1, f.cache.Len())
}

func keys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
