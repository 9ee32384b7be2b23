package core

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/teleroute/drouter/state"
)

func testLoopEnv(t *testing.T) *state.Env {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })
	return &state.Env{
		Context:         ctx,
		Cancel:          cancel,
		DispatchChannel: make(chan func(*state.State) error, 128),
		Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestNextAt(t *testing.T) {
	from := time.Date(2026, time.August, 31, 10, 30, 0, 0, time.UTC)

	// later today
	at := nextAt(from, 11*3600)
	assert.Equal(t, time.Date(2026, time.August, 31, 11, 0, 0, 0, time.UTC), at)

	// already past, rolls to tomorrow
	at = nextAt(from, 6*3600)
	assert.Equal(t, time.Date(2026, time.September, 1, 6, 0, 0, 0, time.UTC), at)

	// exactly now fires now
	at = nextAt(from, 10*3600+30*60)
	assert.Equal(t, from, at)
}

func TestTimeEngine_AddReplacesEntry(t *testing.T) {
	te := NewTimeEngine(testLoopEnv(t), func(s *state.State, id int, at time.Time) {})

	te.Add(7, 3600)
	te.Add(7, 7200)
	assert.Len(t, te.entries, 1)
	assert.Equal(t, 7200, te.entries[7])

	te.Remove(7)
	assert.Empty(t, te.entries)

	// removing an unknown id is a no-op
	te.Remove(7)
	assert.Empty(t, te.entries)
}
