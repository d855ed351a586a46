package shard

import (
	"cmp"
	"slices"
)

// Rebalance partitions total shards across agents.
//
// The result is deterministic for the same inputs, balanced (shard counts of
// any two agents differ by at most one) and sticky: every agent keeps up to
// its quota of the shards it owns in current, and agents already holding more
// shards receive the larger quotas first. Shards owned by agents that are no
// longer listed, or claimed twice in current, are redistributed in ascending
// order to agents below quota, in agent id order.
func Rebalance(total int, agents []string, current map[string]Set) map[string]Set {
	result := make(map[string]Set, len(agents))
	if total <= 0 || len(agents) == 0 {
		for _, id := range agents {
			result[id] = Set{}
		}
		return result
	}

	ids := slices.Clone(agents)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	claimed := make(map[int]bool, total)
	held := make(map[string][]int, len(ids))
	for _, id := range ids {
		var keep []int
		for _, s := range NewSet(current[id]...) {
			if s < 0 || s >= total || claimed[s] {
				continue
			}
			claimed[s] = true
			keep = append(keep, s)
		}
		held[id] = keep
	}

	order := slices.Clone(ids)
	slices.SortStableFunc(order, func(a, b string) int {
		return cmp.Compare(len(held[b]), len(held[a]))
	})

	base, extra := total/len(ids), total%len(ids)
	quota := make(map[string]int, len(ids))
	for i, id := range order {
		quota[id] = base
		if i < extra {
			quota[id]++
		}
	}

	var free []int
	for _, id := range ids {
		h := held[id]
		if len(h) > quota[id] {
			free = append(free, h[quota[id]:]...)
			h = h[:quota[id]:quota[id]]
		}
		held[id] = h
	}
	for s := range total {
		if !claimed[s] {
			free = append(free, s)
		}
	}
	slices.Sort(free)

	for _, id := range ids {
		h := held[id]
		for len(h) < quota[id] {
			h = append(h, free[0])
			free = free[1:]
		}
		result[id] = NewSet(h...)
	}

	return result
}

// Handoff restricts target so no agent is granted a shard that another agent
// still has in its stored target or its adopted (active) assignment.
//
// A loser gives shards up immediately; the gainer receives them on a later
// pass, after the loser acknowledged its shrunken assignment. At any instant a
// shard therefore has at most one claimant.
func Handoff(target, stored, active map[string]Set) map[string]Set {
	out := make(map[string]Set, len(target))
	for id, shards := range target {
		granted := Set{}
		for _, s := range shards {
			if heldByOther(id, s, stored) || heldByOther(id, s, active) {
				continue
			}
			granted = append(granted, s)
		}
		out[id] = granted
	}
	return out
}

func heldByOther(self string, shard int, owners map[string]Set) bool {
	for id, shards := range owners {
		if id != self && shards.Contains(shard) {
			return true
		}
	}
	return false
}
