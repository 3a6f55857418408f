package tier

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/core-feed-go/pkg/feed"
)

func at(hhmm string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", "2026-10-01 "+hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func ids(items []feed.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestSelectExampleScenario(t *testing.T) {
	pool := []feed.Item{
		{ID: "A", Tier: 1, Timestamp: at("10:00")},
		{ID: "B", Tier: 1, Timestamp: at("10:05")},
		{ID: "C", Tier: 2, Timestamp: at("09:00")},
	}
	rules := Rules{Tiers: []Rule{{Tier: 1, Budget: 2, Bucket: time.Hour}, {Tier: 2, Budget: 2, Bucket: time.Hour}}}

	got := Select(pool, rules, map[string]int64{"A": 3, "B": 1}, 2)
	assert.Equal(t, []string{"B", "A"}, ids(got))
}

func TestReadyItemsPrecedePending(t *testing.T) {
	pool := []feed.Item{
		{ID: "new", Tier: 1, Timestamp: at("10:50"), Pending: true, Priority: 9},
		{ID: "old", Tier: 1, Timestamp: at("08:00")},
		{ID: "mid", Tier: 1, Timestamp: at("09:00")},
	}
	for _, policy := range []SortPolicy{SortRecency, SortPriority, SortOldest} {
		rules := Rules{Tiers: []Rule{{Tier: 1, Budget: 2, Sort: policy}}}
		got := Select(pool, rules, map[string]int64{"old": 4}, 2)
		assert.ElementsMatch(t, []string{"old", "mid"}, ids(got), "sort %d", policy)
	}
}

func TestTieBreakPrefersLessShownWithinBucket(t *testing.T) {
	pool := []feed.Item{
		{ID: "x", Tier: 1, Timestamp: at("10:50")},
		{ID: "y", Tier: 1, Timestamp: at("10:10")},
	}
	rules := Rules{Tiers: []Rule{{Tier: 1, Budget: 5}}}

	got := Select(pool, rules, map[string]int64{"x": 5, "y": 2}, 5)
	assert.Equal(t, []string{"y", "x"}, ids(got))

	// Untracked items count as zero.
	got = Select(pool, rules, map[string]int64{"x": 1}, 5)
	assert.Equal(t, []string{"y", "x"}, ids(got))

	// Equal counts fall back to exact recency.
	got = Select(pool, rules, nil, 5)
	assert.Equal(t, []string{"x", "y"}, ids(got))
}

func TestRecencyBucketsOutrankCounts(t *testing.T) {
	pool := []feed.Item{
		{ID: "old", Tier: 1, Timestamp: at("08:30")},
		{ID: "new", Tier: 1, Timestamp: at("11:30")},
	}
	rules := Rules{Tiers: []Rule{{Tier: 1, Budget: 5, Bucket: time.Hour}}}

	got := Select(pool, rules, map[string]int64{"new": 100}, 5)
	assert.Equal(t, []string{"new", "old"}, ids(got))
}

func TestTierUnderfillsWithoutBorrowing(t *testing.T) {
	pool := []feed.Item{
		{ID: "a", Tier: 1, Timestamp: at("10:00")},
		{ID: "b", Tier: 2, Timestamp: at("10:00")},
		{ID: "c", Tier: 2, Timestamp: at("09:00")},
		{ID: "d", Tier: 2, Timestamp: at("08:00")},
	}
	rules := Rules{Tiers: []Rule{{Tier: 1, Budget: 3}, {Tier: 2, Budget: 1}}}

	got := Select(pool, rules, nil, 10)
	assert.Equal(t, []string{"a", "b"}, ids(got))
}

func TestItemsWithoutRuleAreDropped(t *testing.T) {
	pool := []feed.Item{{ID: "a", Tier: 7}, {ID: "b", Tier: 1}}
	got := Select(pool, Rules{Tiers: []Rule{{Tier: 1, Budget: 5}}}, nil, 5)
	assert.Equal(t, []string{"b"}, ids(got))
}

func TestPriorityAndOldestPolicies(t *testing.T) {
	pool := []feed.Item{
		{ID: "low-new", Tier: 1, Priority: 1, Timestamp: at("12:00")},
		{ID: "high-old", Tier: 1, Priority: 9, Timestamp: at("07:00")},
		{ID: "mid", Tier: 1, Priority: 5, Timestamp: at("09:00")},
	}
	got := Select(pool, Rules{Tiers: []Rule{{Tier: 1, Budget: 3, Sort: SortPriority}}}, nil, 3)
	assert.Equal(t, []string{"high-old", "mid", "low-new"}, ids(got))

	got = Select(pool, Rules{Tiers: []Rule{{Tier: 1, Budget: 3, Sort: SortOldest}}}, nil, 3)
	assert.Equal(t, []string{"high-old", "mid", "low-new"}, ids(got))
}

func TestSelectDoesNotMutatePool(t *testing.T) {
	pool := []feed.Item{
		{ID: "a", Tier: 1, Timestamp: at("08:00")},
		{ID: "b", Tier: 1, Timestamp: at("10:00")},
	}
	_ = Select(pool, Rules{Tiers: []Rule{{Tier: 1, Budget: 2}}}, nil, 2)
	assert.Equal(t, []string{"a", "b"}, ids(pool))
}

func TestSelectDeterministic(t *testing.T) {
	pool := []feed.Item{
		{ID: "b", Tier: 1, Timestamp: at("10:00")},
		{ID: "a", Tier: 1, Timestamp: at("10:00")},
		{ID: "c", Tier: 1, Timestamp: at("10:00")},
	}
	rules := Rules{Tiers: []Rule{{Tier: 1, Budget: 3}}}
	first := ids(Select(pool, rules, nil, 3))
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, ids(Select(pool, rules, nil, 3)))
	}
	assert.Equal(t, []string{"a", "b", "c"}, first)
}

func TestSelectZeroLimit(t *testing.T) {
	assert.Empty(t, Select([]feed.Item{{ID: "a", Tier: 1}}, Rules{Tiers: []Rule{{Tier: 1, Budget: 1}}}, nil, 0))
}

func TestFromSettings(t *testing.T) {
	r, err := FromSettings([]feed.TierSettings{{Tier: 1, Budget: 4, Sort: "priority", Bucket: time.Minute}})
	require.NoError(t, err)
	assert.Equal(t, []Rule{{Tier: 1, Budget: 4, Sort: SortPriority, Bucket: time.Minute}}, r.Tiers)

	_, err = FromSettings([]feed.TierSettings{{Tier: 1, Sort: "shuffle"}})
	assert.True(t, errors.Is(err, feed.ErrConfigurationInvalid))
}
