package scoring

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerDefaultsAndOverrides(t *testing.T) {
	t.Parallel()

	m := NewManager([]string{"quotes.example.com"}, []string{"spam.test"})
	require.InDelta(t, DefaultScore, m.Score("http://books.example.com/a"), 1e-9)
	require.InDelta(t, WhitelistScore, m.Score("http://quotes.example.com/"), 1e-9)
	require.InDelta(t, WhitelistScore, m.Score("http://www.quotes.example.com/"), 1e-9)
	require.InDelta(t, BlacklistScore, m.Score("https://spam.test/x"), 1e-9)
	require.True(t, m.Whitelisted("quotes.example.com"))
	require.False(t, m.Whitelisted("books.example.com"))
}

func TestManagerUpdateAppliesDeltas(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind Feedback
		want float64
	}{
		{ResourceFound, 1.2},
		{HighQualityContent, 1.05},
		{FastResponse, 1.02},
		{Error4xxOr5xx, 0.5},
		{DuplicateContent, 0.9},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			t.Parallel()
			m := NewManager(nil, nil)
			upd, ok := m.Update("http://a.test/p", tc.kind)
			require.True(t, ok)
			require.Equal(t, "a.test", upd.Domain)
			require.InDelta(t, tc.want, upd.Score, 1e-9)
			require.InDelta(t, tc.want, m.Score("http://a.test/other"), 1e-9)
		})
	}
}

func TestManagerUpdateIgnoresOverrides(t *testing.T) {
	t.Parallel()

	m := NewManager([]string{"good.test"}, []string{"bad.test"})
	for i := 0; i < 50; i++ {
		_, ok := m.Update("http://good.test/", Error4xxOr5xx)
		require.False(t, ok)
		_, ok = m.Update("http://sub.bad.test/", ResourceFound)
		require.False(t, ok)
	}
	require.InDelta(t, WhitelistScore, m.Score("http://good.test/"), 1e-9)
	require.InDelta(t, BlacklistScore, m.Score("http://sub.bad.test/"), 1e-9)
	require.Empty(t, m.Snapshot())
}

func TestManagerUnknownKindAndHostless(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, nil)
	_, ok := m.Update("http://a.test/", Feedback("mystery"))
	require.False(t, ok)
	_, ok = m.Update("not a url", ResourceFound)
	require.False(t, ok)
}

func TestManagerScoreStaysWithinBounds(t *testing.T) {
	t.Parallel()

	kinds := []Feedback{ResourceFound, HighQualityContent, FastResponse, Error4xxOr5xx, DuplicateContent}
	rng := rand.New(rand.NewSource(42))
	m := NewManager(nil, nil)
	for i := 0; i < 5000; i++ {
		upd, ok := m.Update("http://a.test/", kinds[rng.Intn(len(kinds))])
		require.True(t, ok)
		require.GreaterOrEqual(t, upd.Score, MinScore)
		require.LessOrEqual(t, upd.Score, MaxScore)
	}

	low := NewManager(nil, nil)
	for i := 0; i < 10; i++ {
		low.Update("http://b.test/", Error4xxOr5xx)
	}
	require.InDelta(t, MinScore, low.Score("http://b.test/"), 1e-9)

	high := NewManager(nil, nil)
	for i := 0; i < 100; i++ {
		high.Update("http://c.test/", ResourceFound)
	}
	require.InDelta(t, MaxScore, high.Score("http://c.test/"), 1e-9)
}

func TestManagerConcurrentUpdatesAreAtomic(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				m.Update("http://a.test/", FastResponse)
				_ = m.Score("http://a.test/")
			}
		}()
	}
	wg.Wait()
	require.InDelta(t, DefaultScore+200*0.02, m.Score("http://a.test/"), 1e-6)
}

func TestSnapshotSorted(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, nil)
	m.Update("http://z.test/", FastResponse)
	m.Update("http://a.test/", FastResponse)
	snap := m.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "a.test", snap[0].Domain)
	require.Equal(t, "z.test", snap[1].Domain)
}
