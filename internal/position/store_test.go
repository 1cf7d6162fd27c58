package position

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/radar/internal/radarerr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	s := NewStore(Options{
		Metric:       Planar,
		DefaultRange: 20,
		ExpireWindow: time.Minute,
		Clock:        clock.Now,
	})
	return s, clock
}

func put(t *testing.T, s *Store, id string, x, y, radius float64) {
	t.Helper()
	require.NoError(t, s.UpdatePosition(Update{UserID: id, Handle: "h-" + id, Location: Point{X: x, Y: y}, Radius: radius}))
}

func ids(nearby []Nearby) []string {
	out := make([]string, 0, len(nearby))
	for _, n := range nearby {
		out = append(out, n.User.ID)
	}
	return out
}

func TestUpdatePosition_RadiusBoundaries(t *testing.T) {
	s, _ := newTestStore(t)

	tests := []struct {
		radius float64
		ok     bool
	}{
		{radius: 4, ok: false},
		{radius: 5, ok: true},
		{radius: 27.5, ok: true},
		{radius: 50, ok: true},
		{radius: 51, ok: false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("radius %v", tt.radius), func(t *testing.T) {
			err := s.UpdatePosition(Update{UserID: "u", Location: Point{}, Radius: tt.radius})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, radarerr.ErrInvalidRadius)
			}
		})
	}
}

func TestUpdatePosition_DiscardsOlderTimestamp(t *testing.T) {
	s, clock := newTestStore(t)
	now := clock.Now()

	require.NoError(t, s.UpdatePosition(Update{UserID: "a", Location: Point{X: 1}, Radius: 10, At: now}))
	require.NoError(t, s.UpdatePosition(Update{UserID: "a", Location: Point{X: 9}, Radius: 10, At: now.Add(-time.Second)}))

	u, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 1.0, u.Location.X)
	assert.Equal(t, now, u.LastSeen)

	require.NoError(t, s.UpdatePosition(Update{UserID: "a", Location: Point{X: 3}, Radius: 10, At: now.Add(time.Second)}))
	u, err = s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 3.0, u.Location.X)
}

func TestUpdatePosition_KeepsHandleWhenEmpty(t *testing.T) {
	s, _ := newTestStore(t)

	put(t, s, "a", 0, 0, 10)
	require.NoError(t, s.UpdatePosition(Update{UserID: "a", Location: Point{X: 2}, Radius: 10}))

	u, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "h-a", u.Handle)
}

func TestUsersWithin_FiltersByEffectiveRangeAndOwnRadius(t *testing.T) {
	s, _ := newTestStore(t)

	put(t, s, "caller", 0, 0, 30)
	put(t, s, "near", 8, 0, 20)      // 8 away
	put(t, s, "edge", 0, 20, 20)     // exactly at query range 20
	put(t, s, "far", 25, 0, 50)      // beyond range 20
	put(t, s, "shy", 10, 0, 5)       // 10 away but only visible within 5
	put(t, s, "behind", -6, -8, 10) // 10 away

	nearby, err := s.UsersWithin("caller", 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"near", "behind", "edge"}, ids(nearby))

	for _, n := range nearby {
		assert.LessOrEqual(t, n.Distance, 20.0)
		assert.NotEqual(t, "caller", n.User.ID)
	}
}

func TestUsersWithin_CallerRadiusCapsRange(t *testing.T) {
	s, _ := newTestStore(t)

	put(t, s, "caller", 0, 0, 5)
	put(t, s, "a", 4, 0, 50)
	put(t, s, "b", 12, 0, 50)

	nearby, err := s.UsersWithin("caller", 40)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(nearby))
}

func TestUsersWithin_DefaultRange(t *testing.T) {
	s, _ := newTestStore(t)

	put(t, s, "caller", 0, 0, 50)
	put(t, s, "a", 19, 0, 50)
	put(t, s, "b", 21, 0, 50)

	nearby, err := s.UsersWithin("caller", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(nearby))
}

func TestUsersWithin_TiesBrokenByUserID(t *testing.T) {
	s, _ := newTestStore(t)

	put(t, s, "caller", 0, 0, 50)
	put(t, s, "zed", 5, 0, 50)
	put(t, s, "amy", 0, 5, 50)
	put(t, s, "kim", -5, 0, 50)

	nearby, err := s.UsersWithin("caller", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"amy", "kim", "zed"}, ids(nearby))
}

func TestUsersWithin_ExcludesInvisible(t *testing.T) {
	s, _ := newTestStore(t)

	put(t, s, "caller", 0, 0, 50)
	put(t, s, "a", 1, 0, 50)
	put(t, s, "b", 2, 0, 50)
	require.NoError(t, s.SetVisible("a", false))

	nearby, err := s.UsersWithin("caller", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(nearby))

	require.NoError(t, s.SetVisible("a", true))
	nearby, err = s.UsersWithin("caller", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(nearby))
}

func TestUsersWithin_UnknownCaller(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.UsersWithin("ghost", 10)
	assert.ErrorIs(t, err, radarerr.ErrUserNotFound)
	assert.ErrorIs(t, s.SetVisible("ghost", true), radarerr.ErrUserNotFound)
}

func TestUsersWithin_ExpiredUserExcludedUntilRebroadcast(t *testing.T) {
	s, clock := newTestStore(t)

	put(t, s, "a", 1, 0, 50)
	clock.Advance(45 * time.Second)
	put(t, s, "caller", 0, 0, 50)
	clock.Advance(30 * time.Second) // a silent for 75s > 1m window

	nearby, err := s.UsersWithin("caller", 10)
	require.NoError(t, err)
	assert.Empty(t, nearby, "lazy expiry applies before the sweep runs")

	assert.Equal(t, 1, s.Sweep(clock.Now()))
	u, err := s.Get("a")
	require.NoError(t, err)
	assert.False(t, u.Visible)

	put(t, s, "a", 1, 0, 50)
	nearby, err = s.UsersWithin("caller", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(nearby))
}

func TestSweep_RemovesAfterRetention(t *testing.T) {
	s, clock := newTestStore(t)

	put(t, s, "a", 0, 0, 10)
	require.Equal(t, 1, s.Len())

	clock.Advance(11 * time.Minute)
	s.Sweep(clock.Now())

	assert.Equal(t, 0, s.Len())
	_, err := s.Get("a")
	assert.ErrorIs(t, err, radarerr.ErrUserNotFound)
}

func TestUpdatePosition_ClampsFutureTimestamp(t *testing.T) {
	s, clock := newTestStore(t)
	now := clock.Now()

	put(t, s, "a", 0, 0, 20)
	require.NoError(t, s.UpdatePosition(Update{UserID: "b", Location: Point{X: 1}, Radius: 20, At: now.AddDate(100, 0, 0)}))

	u, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, now, u.LastSeen)

	clock.Advance(time.Hour)
	s.Sweep(clock.Now())
	put(t, s, "a", 0, 0, 20)

	nearby, err := s.UsersWithin("a", 20)
	require.NoError(t, err)
	assert.Empty(t, nearby, "b expired after an hour of silence")

	// b's real clock is accepted again.
	require.NoError(t, s.UpdatePosition(Update{UserID: "b", Location: Point{X: 1000}, Radius: 20, At: clock.Now()}))
	u, err = s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, u.Location.X)

	nearby, err = s.UsersWithin("a", 20)
	require.NoError(t, err)
	assert.Empty(t, nearby)
}

func TestSweep_KeepsHiddenUsersHidden(t *testing.T) {
	s, clock := newTestStore(t)

	put(t, s, "a", 0, 0, 20)
	put(t, s, "b", 1, 0, 20)
	require.NoError(t, s.SetVisible("b", false))

	clock.Advance(11 * time.Minute)
	s.Sweep(clock.Now())
	assert.Equal(t, 1, s.Len(), "only the discoverable entry is dropped")

	put(t, s, "a", 0, 0, 20)
	put(t, s, "b", 1, 0, 20)

	nearby, err := s.UsersWithin("a", 20)
	require.NoError(t, err)
	assert.Empty(t, nearby)

	u, err := s.Get("b")
	require.NoError(t, err)
	assert.False(t, u.Visible)
}

func TestSweep_ConcurrentBroadcastSurvives(t *testing.T) {
	s, clock := newTestStore(t)
	put(t, s, "a", 0, 0, 20)
	clock.Advance(11 * time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Sweep(clock.Now())
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, s.UpdatePosition(Update{UserID: "a", Location: Point{X: 2}, Radius: 20}))
	}()
	wg.Wait()

	// Whichever ran first, the broadcast is never lost.
	u, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 2.0, u.Location.X)
	assert.True(t, u.Visible)
	assert.Equal(t, 1, s.Len())
}

func TestUsersWithin_Haversine(t *testing.T) {
	s := NewStore(Options{Metric: Haversine, ExpireWindow: time.Hour})

	// Helsinki centre and a point roughly 1.1km north.
	require.NoError(t, s.UpdatePosition(Update{UserID: "caller", Location: Point{X: 24.9384, Y: 60.1699}, Radius: 5}))
	require.NoError(t, s.UpdatePosition(Update{UserID: "a", Location: Point{X: 24.9384, Y: 60.1799}, Radius: 5}))
	// Tampere, ~160km away.
	require.NoError(t, s.UpdatePosition(Update{UserID: "b", Location: Point{X: 23.7871, Y: 61.4991}, Radius: 50}))

	nearby, err := s.UsersWithin("caller", 5)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(nearby))
	assert.InDelta(t, 1.11, nearby[0].Distance, 0.01)
}

func TestConcurrentUpdatesDifferentUsers(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("u%02d", i)
			for j := 0; j < 20; j++ {
				_ = s.UpdatePosition(Update{UserID: id, Location: Point{X: float64(j)}, Radius: 10})
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, s.Len())
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("haversine")
	require.NoError(t, err)
	assert.Equal(t, Haversine, m)

	m, err = ParseMetric("")
	require.NoError(t, err)
	assert.Equal(t, Planar, m)

	_, err = ParseMetric("manhattan")
	assert.Error(t, err)
}
