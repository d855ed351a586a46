package shard_test

import (
	"fmt"
	"testing"

	"github.com/lllypuk/searchsync/internal/domain/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertPartition(t *testing.T, total int, result map[string]shard.Set) {
	t.Helper()

	seen := make(map[int]string, total)
	lo, hi := total, 0
	for id, shards := range result {
		for _, s := range shards {
			owner, dup := seen[s]
			require.False(t, dup, "shard %d owned by %s and %s", s, owner, id)
			seen[s] = id
		}
		lo = min(lo, len(shards))
		hi = max(hi, len(shards))
	}
	assert.Len(t, seen, total, "every shard must be owned")
	assert.LessOrEqual(t, hi-lo, 1, "assignment must be balanced")
}

func TestRebalance(t *testing.T) {
	t.Run("single agent owns everything", func(t *testing.T) {
		result := shard.Rebalance(8, []string{"a"}, nil)

		assert.Equal(t, shard.Range(8), result["a"])
	})

	t.Run("joining agent takes the upper half", func(t *testing.T) {
		current := map[string]shard.Set{"a": shard.Range(8)}

		result := shard.Rebalance(8, []string{"a", "b"}, current)

		assert.Equal(t, shard.NewSet(0, 1, 2, 3), result["a"])
		assert.Equal(t, shard.NewSet(4, 5, 6, 7), result["b"])
	})

	t.Run("leaving agent shards are redistributed", func(t *testing.T) {
		current := map[string]shard.Set{
			"a": shard.NewSet(0, 1, 2),
			"b": shard.NewSet(3, 4, 5),
			"c": shard.NewSet(6, 7),
		}

		result := shard.Rebalance(8, []string{"a", "c"}, current)

		assertPartition(t, 8, result)
		assert.Subset(t, result["a"], []int{0, 1, 2})
		assert.Subset(t, result["c"], []int{6, 7})
	})

	t.Run("sticky when membership is unchanged", func(t *testing.T) {
		current := map[string]shard.Set{
			"a": shard.NewSet(0, 5, 6),
			"b": shard.NewSet(1, 2, 7),
			"c": shard.NewSet(3, 4),
		}

		result := shard.Rebalance(8, []string{"c", "a", "b"}, current)

		assert.Equal(t, current, result)
	})

	t.Run("deterministic", func(t *testing.T) {
		current := map[string]shard.Set{"x": shard.NewSet(0, 1, 2, 3, 4)}
		agents := []string{"z", "x", "y"}

		assert.Equal(t, shard.Rebalance(16, agents, current), shard.Rebalance(16, agents, current))
	})

	t.Run("double claims and out of range shards are dropped", func(t *testing.T) {
		current := map[string]shard.Set{
			"a": shard.NewSet(0, 1, 9),
			"b": shard.NewSet(1, 2),
		}

		result := shard.Rebalance(4, []string{"a", "b"}, current)

		assertPartition(t, 4, result)
		assert.Equal(t, shard.NewSet(0, 1), result["a"])
		assert.Contains(t, result["b"], 2)
	})

	t.Run("more agents than shards", func(t *testing.T) {
		result := shard.Rebalance(2, []string{"a", "b", "c"}, nil)

		assertPartition(t, 2, result)
		assert.Empty(t, result["c"])
	})

	t.Run("balanced for many sizes", func(t *testing.T) {
		for agents := 1; agents <= 7; agents++ {
			ids := make([]string, agents)
			for i := range ids {
				ids[i] = fmt.Sprintf("agent-%d", i)
			}
			current := map[string]shard.Set{ids[0]: shard.Range(64)}

			assertPartition(t, 64, shard.Rebalance(64, ids, current))
		}
	})

	t.Run("no agents", func(t *testing.T) {
		assert.Empty(t, shard.Rebalance(8, nil, nil))
	})
}

func TestHandoff(t *testing.T) {
	t.Run("gainer waits while loser still holds shards", func(t *testing.T) {
		target := map[string]shard.Set{
			"a": shard.NewSet(0, 1, 2, 3),
			"b": shard.NewSet(4, 5, 6, 7),
		}
		stored := map[string]shard.Set{"a": shard.Range(8)}
		active := map[string]shard.Set{"a": shard.Range(8)}

		safe := shard.Handoff(target, stored, active)

		assert.Equal(t, shard.NewSet(0, 1, 2, 3), safe["a"])
		assert.Empty(t, safe["b"])
	})

	t.Run("gainer waits for loser acknowledgement", func(t *testing.T) {
		target := map[string]shard.Set{
			"a": shard.NewSet(0, 1, 2, 3),
			"b": shard.NewSet(4, 5, 6, 7),
		}
		stored := map[string]shard.Set{"a": shard.NewSet(0, 1, 2, 3)}
		active := map[string]shard.Set{"a": shard.Range(8)}

		safe := shard.Handoff(target, stored, active)

		assert.Empty(t, safe["b"])
	})

	t.Run("gainer receives released shards", func(t *testing.T) {
		target := map[string]shard.Set{
			"a": shard.NewSet(0, 1, 2, 3),
			"b": shard.NewSet(4, 5, 6, 7),
		}
		stored := map[string]shard.Set{"a": shard.NewSet(0, 1, 2, 3)}
		active := map[string]shard.Set{"a": shard.NewSet(0, 1, 2, 3)}

		safe := shard.Handoff(target, stored, active)

		assert.Equal(t, target, safe)
	})

	t.Run("expired agent still blocks its shards", func(t *testing.T) {
		target := map[string]shard.Set{"a": shard.Range(4)}
		active := map[string]shard.Set{"dead": shard.NewSet(2)}

		safe := shard.Handoff(target, nil, active)

		assert.Equal(t, shard.NewSet(0, 1, 3), safe["a"])
	})
}
