package filter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/kiln/internal/event"
)

func modified(path string) event.FileEvent {
	return event.New(event.KindModified, path)
}

func TestChain_BaseFilterRejectsExtension(t *testing.T) {
	base, err := NewBase(Criteria{ExcludeExtensions: []string{"tmp"}})
	require.NoError(t, err)
	chain := NewChain(base)

	assert.True(t, chain.Evaluate(modified("/vault/a.md")).Allowed)

	d := chain.Evaluate(modified("/vault/b.tmp"))
	assert.False(t, d.Allowed)
	assert.Equal(t, BaseFilterName, d.RejectedBy)

	snap := chain.Stats().Snapshot()
	assert.Equal(t, uint64(2), snap.TotalProcessed)
	assert.Equal(t, uint64(1), snap.Allowed)
	assert.Equal(t, uint64(1), snap.FilteredBy[BaseFilterName])
	assert.InDelta(t, 0.5, snap.Rate(), 1e-9)
}

func TestChain_ShortCircuitsInOrder(t *testing.T) {
	var calls []string
	track := func(name string, allow bool) Filter {
		return New(name, func(event.FileEvent) bool {
			calls = append(calls, name)
			return allow
		})
	}

	chain := NewChain(nil, track("first", true), track("second", false), track("third", true))
	d := chain.Evaluate(modified("/a.md"))

	assert.False(t, d.Allowed)
	assert.Equal(t, "second", d.RejectedBy)
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestChain_ScopedRunsAfterBase(t *testing.T) {
	base, err := NewBase(Criteria{IncludeExtensions: []string{"md"}})
	require.NoError(t, err)
	scoped, err := NewNamedBase("watch:notes", Criteria{ExcludePatterns: []string{"drafts/**"}, Root: "/vault"})
	require.NoError(t, err)
	chain := NewChain(base, SystemFiles())

	assert.Equal(t, BaseFilterName, chain.Evaluate(modified("/vault/drafts/a.txt"), scoped).RejectedBy)
	assert.Equal(t, "watch:notes", chain.Evaluate(modified("/vault/drafts/a.md"), scoped).RejectedBy)
	assert.Equal(t, SystemFilesName, chain.Evaluate(modified("/vault/.git/a.md"), scoped).RejectedBy)
	assert.True(t, chain.Evaluate(modified("/vault/notes/a.md"), scoped).Allowed)
}

func TestChain_AddRemoveNames(t *testing.T) {
	base, err := NewBase(Criteria{})
	require.NoError(t, err)
	chain := NewChain(base)
	chain.Add(TempFiles(), SystemFiles())

	assert.Equal(t, []string{BaseFilterName, TempFilesName, SystemFilesName}, chain.Names())
	assert.True(t, chain.Remove(TempFilesName))
	assert.False(t, chain.Remove(TempFilesName))
	assert.Equal(t, []string{BaseFilterName, SystemFilesName}, chain.Names())
}

// TestChain_Idempotent evaluates the same events twice and expects the same
// decisions.
func TestChain_Idempotent(t *testing.T) {
	base, err := NewBase(Criteria{
		IncludeExtensions: []string{"md", "txt"},
		ExcludePatterns:   []string{"**/archive/**"},
		MaxSize:           1 << 20,
	})
	require.NoError(t, err)
	chain := NewChain(base, TempFiles(), SystemFiles(), SizeBounds(1, 0))

	events := []event.FileEvent{
		modified("/v/a.md").WithMetadata(10, time.Now()),
		modified("/v/a.md").WithMetadata(0, time.Now()),
		modified("/v/archive/b.md"),
		modified("/v/.git/HEAD"),
		modified("/v/c.md.swp"),
		modified("/v/huge.txt").WithMetadata(2<<20, time.Now()),
		event.New(event.KindDeleted, "/v/gone.md"),
	}
	for _, ev := range events {
		first := chain.Evaluate(ev)
		second := chain.Evaluate(ev)
		assert.Equal(t, first, second, ev.Path)
	}
}

func TestBase_Patterns(t *testing.T) {
	tests := []struct {
		name     string
		criteria Criteria
		path     string
		want     bool
	}{
		{"basename include", Criteria{IncludePatterns: []string{"*.md"}}, "/v/deep/x.md", true},
		{"basename include miss", Criteria{IncludePatterns: []string{"*.md"}}, "/v/deep/x.txt", false},
		{"path exclude", Criteria{ExcludePatterns: []string{"**/node_modules/**"}}, "/p/node_modules/x/y.js", false},
		{"rooted include", Criteria{IncludePatterns: []string{"daily/*.md"}, Root: "/vault"}, "/vault/daily/2025-01-01.md", true},
		{"rooted include miss", Criteria{IncludePatterns: []string{"daily/*.md"}, Root: "/vault"}, "/vault/weekly/w1.md", false},
		{"kinds", Criteria{Kinds: []event.Kind{event.KindCreated}}, "/v/a.md", false},
		{"ext case", Criteria{IncludeExtensions: []string{".MD"}}, "/v/a.md", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBase(tt.criteria)
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.Allow(modified(tt.path)))
		})
	}
}

func TestBase_InvalidCriteria(t *testing.T) {
	_, err := NewBase(Criteria{IncludePatterns: []string{"[unclosed"}})
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = NewBase(Criteria{MinSize: 10, MaxSize: 5})
	assert.Error(t, err)
}

func TestTempAndSystemFiles(t *testing.T) {
	temp := []string{"/v/.note.md.swp", "/v/note.md~", "/v/.#note.md", "/v/#note.md#", "/v/x.tmp", "/v/~$doc.docx"}
	for _, p := range temp {
		assert.True(t, IsTempFile(p), p)
	}
	assert.False(t, IsTempFile("/v/note.md"))

	system := []string{"/v/.git/index", "/v/node_modules/a/b.js", "/v/.DS_Store", "/v/sub/4913"}
	for _, p := range system {
		assert.True(t, IsSystemPath(p), p)
	}
	assert.False(t, IsSystemPath("/v/gitnotes/a.md"))
}

func TestTimeWindow(t *testing.T) {
	at := func(h, m int) ClockFunc {
		return func() time.Time { return time.Date(2025, 3, 1, h, m, 0, 0, time.UTC) }
	}
	start, end, err := ParseTimeWindow("09:00-17:30")
	require.NoError(t, err)

	ev := modified("/v/a.md")
	assert.True(t, TimeWindow(start, end, time.UTC, at(9, 0)).Allow(ev))
	assert.True(t, TimeWindow(start, end, time.UTC, at(17, 29)).Allow(ev))
	assert.False(t, TimeWindow(start, end, time.UTC, at(17, 30)).Allow(ev))
	assert.False(t, TimeWindow(start, end, time.UTC, at(3, 0)).Allow(ev))

	// wraps midnight
	nightStart, nightEnd, err := ParseTimeWindow("22:00-06:00")
	require.NoError(t, err)
	assert.True(t, TimeWindow(nightStart, nightEnd, time.UTC, at(23, 0)).Allow(ev))
	assert.True(t, TimeWindow(nightStart, nightEnd, time.UTC, at(5, 59)).Allow(ev))
	assert.False(t, TimeWindow(nightStart, nightEnd, time.UTC, at(12, 0)).Allow(ev))

	_, _, err = ParseTimeWindow("9am")
	assert.Error(t, err)
}

func TestFrequencyCap(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	f := FrequencyCap(2, time.Second, clock)

	ev := modified("/v/hot.md")
	assert.True(t, f.Allow(ev))
	assert.True(t, f.Allow(ev))
	assert.False(t, f.Allow(ev))
	assert.True(t, f.Allow(modified("/v/cold.md")), "cap is per path")

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, f.Allow(ev), "window slides")

	now = now.Add(time.Hour)
	assert.Zero(t, f.Tracked(), "idle paths are forgotten")
}

func TestStats_ConcurrentAndReset(t *testing.T) {
	base, err := NewBase(Criteria{ExcludeExtensions: []string{"tmp"}})
	require.NoError(t, err)
	chain := NewChain(base)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for range 100 {
				if i%2 == 0 {
					chain.Evaluate(modified("/v/a.md"))
				} else {
					chain.Evaluate(modified("/v/a.tmp"))
				}
			}
		}(i)
	}
	wg.Wait()

	snap := chain.Stats().Snapshot()
	assert.Equal(t, uint64(800), snap.TotalProcessed)
	assert.Equal(t, uint64(400), snap.Filtered)

	chain.Stats().Reset()
	snap = chain.Stats().Snapshot()
	assert.Zero(t, snap.TotalProcessed)
	assert.Empty(t, snap.FilteredBy)
}
