// Package tier orders a pool of feed items into tiers with per-tier slot
// budgets. Items in the same recency bucket are ordered by how often they
// were already shown, least-shown first, which evens out exposure over time.
package tier

import (
	"fmt"
	"sort"
	"time"

	"github.com/lzyats/core-feed-go/pkg/feed"
)

type SortPolicy int

const (
	SortRecency SortPolicy = iota
	SortPriority
	SortOldest
)

func ParseSort(s string) (SortPolicy, error) {
	switch s {
	case "", "recency":
		return SortRecency, nil
	case "priority":
		return SortPriority, nil
	case "oldest":
		return SortOldest, nil
	}
	return 0, fmt.Errorf("%w: unknown sort %q", feed.ErrConfigurationInvalid, s)
}

type Rule struct {
	Tier   int
	Budget int
	Sort   SortPolicy
	// Bucket is the recency granularity inside which selection counts break ties.
	Bucket time.Duration
}

// Rules lists tiers in emission order.
type Rules struct {
	Tiers []Rule
}

func FromSettings(ts []feed.TierSettings) (Rules, error) {
	var r Rules
	for _, t := range ts {
		p, err := ParseSort(t.Sort)
		if err != nil {
			return Rules{}, err
		}
		r.Tiers = append(r.Tiers, Rule{Tier: t.Tier, Budget: t.Budget, Sort: p, Bucket: t.Bucket})
	}
	return r, nil
}

// Select groups pool by tier and returns at most limit items, tiers in rule
// order. A tier with fewer items than its budget under-fills; it never borrows
// from another tier. Items whose tier has no rule are dropped. Select does not
// modify pool or counts.
func Select(pool []feed.Item, rules Rules, counts map[string]int64, limit int) []feed.Item {
	if limit <= 0 || len(pool) == 0 {
		return nil
	}
	byTier := make(map[int][]feed.Item, len(rules.Tiers))
	for _, it := range pool {
		byTier[it.Tier] = append(byTier[it.Tier], it)
	}

	out := make([]feed.Item, 0, limit)
	for _, rule := range rules.Tiers {
		items := byTier[rule.Tier]
		if len(items) == 0 || rule.Budget <= 0 {
			continue
		}
		Order(items, rule, counts)
		n := rule.Budget
		if n > len(items) {
			n = len(items)
		}
		if room := limit - len(out); n > room {
			n = room
		}
		out = append(out, items[:n]...)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Order sorts items in place by rule's policy with the selection-count
// tie-break inside a recency bucket. Ready items precede pending ones under
// every policy. Remaining ties fall back to exact timestamp, then id, so
// output is deterministic.
func Order(items []feed.Item, rule Rule, counts map[string]int64) {
	bucket := rule.Bucket
	if bucket <= 0 {
		bucket = time.Hour
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Pending != b.Pending {
			return b.Pending
		}
		if rule.Sort == SortPriority && a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		ba, bb := a.Timestamp.Truncate(bucket), b.Timestamp.Truncate(bucket)
		if !ba.Equal(bb) {
			if rule.Sort == SortOldest {
				return ba.Before(bb)
			}
			return ba.After(bb)
		}
		if ca, cb := counts[a.ID], counts[b.ID]; ca != cb {
			return ca < cb
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			if rule.Sort == SortOldest {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.Timestamp.After(b.Timestamp)
		}
		return a.ID < b.ID
	})
}
