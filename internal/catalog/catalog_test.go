package catalog

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatic_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		questions []Question
		wantErr   bool
	}{
		{name: "ok", questions: []Question{{ID: "q", Category: "c", Kind: Text}}},
		{name: "missing category", questions: []Question{{ID: "q", Kind: Text}}, wantErr: true},
		{name: "bad kind", questions: []Question{{ID: "q", Category: "c", Kind: "scale"}}, wantErr: true},
		{name: "duplicate", questions: []Question{
			{ID: "q", Category: "c", Kind: Text},
			{ID: "q", Category: "d", Kind: Choice},
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewStatic(tt.questions)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	t.Parallel()

	c := Default()
	assert.Equal(t, len(DefaultQuestions()), c.Len())

	q, ok := c.Lookup("interests")
	require.True(t, ok)
	assert.Equal(t, "interests", q.Category)
	assert.Equal(t, Multi, q.Kind)

	_, ok = c.Lookup("nope")
	assert.False(t, ok)

	qs := c.Questions()
	for i := 1; i < len(qs); i++ {
		prev, cur := qs[i-1], qs[i]
		assert.True(t, prev.Category < cur.Category || (prev.Category == cur.Category && prev.ID < cur.ID))
	}
}

// TestPostgresRoundTrip requires RADAR_TEST_POSTGRES_DSN to point at a
// disposable database.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("RADAR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skipping: RADAR_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	db, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db), "second run is a no-op")

	c, err := LoadPostgres(ctx, db)
	require.NoError(t, err)

	for _, want := range DefaultQuestions() {
		got, ok := c.Lookup(want.ID)
		require.True(t, ok, want.ID)
		assert.Equal(t, want, got)
	}
}
