// Package shard partitions the entity id hash space across node agents.
package shard

import (
	"slices"

	"github.com/spaolacci/murmur3"
)

// Hash returns the stable partitioning hash of an entity identifier.
// The result is always non-negative so it can be reduced with a plain modulo
// by every store backend.
//
// The streaming hasher is used because murmur3.Sum32 reads the input with
// uintptr arithmetic that the race detector's checkptr mode rejects. Both
// produce the same value.
func Hash(entityID string) int64 {
	h := murmur3.New32()
	_, _ = h.Write([]byte(entityID))
	return int64(h.Sum32())
}

// Of returns the shard index of hash within a space of total shards.
func Of(hash int64, total int) int {
	if total <= 0 {
		return 0
	}
	r := hash % int64(total)
	if r < 0 {
		r += int64(total)
	}
	return int(r)
}

// Set is a sorted, duplicate-free list of shard indices.
type Set []int

// NewSet builds a Set from arbitrary shard indices.
func NewSet(shards ...int) Set {
	if len(shards) == 0 {
		return Set{}
	}
	s := slices.Clone(shards)
	slices.Sort(s)
	return Set(slices.Compact(s))
}

// Range returns the full shard space [0, total).
func Range(total int) Set {
	s := make(Set, 0, max(total, 0))
	for i := range max(total, 0) {
		s = append(s, i)
	}
	return s
}

// Contains reports whether shard is in the set.
func (s Set) Contains(shard int) bool {
	_, found := slices.BinarySearch(s, shard)
	return found
}

// Equal reports whether both sets hold the same shards.
func (s Set) Equal(other Set) bool {
	return slices.Equal(s, other)
}

// Intersect returns the shards present in both sets.
func (s Set) Intersect(other Set) Set {
	out := Set{}
	for _, shard := range s {
		if other.Contains(shard) {
			out = append(out, shard)
		}
	}
	return out
}

// Difference returns the shards of s that are not in other.
func (s Set) Difference(other Set) Set {
	out := Set{}
	for _, shard := range s {
		if !other.Contains(shard) {
			out = append(out, shard)
		}
	}
	return out
}

// Union returns the shards present in either set.
func (s Set) Union(other Set) Set {
	return NewSet(append(slices.Clone(s), other...)...)
}

// Assignment is the set of shards owned by one agent at a membership epoch.
type Assignment struct {
	Shards      Set
	TotalShards int
	Epoch       int64
}

// IsZero reports whether nothing has been assigned yet.
func (a Assignment) IsZero() bool {
	return a.TotalShards == 0 && len(a.Shards) == 0
}

// Equal compares shards, shard space and epoch.
func (a Assignment) Equal(other Assignment) bool {
	return a.TotalShards == other.TotalShards && a.Epoch == other.Epoch && a.Shards.Equal(other.Shards)
}

// Predicate returns the finder filter matching this assignment.
func (a Assignment) Predicate() Predicate {
	return Predicate{TotalShards: a.TotalShards, Shards: a.Shards}
}

// Predicate selects events whose hash falls in one of Shards.
type Predicate struct {
	TotalShards int
	Shards      Set
}

// All returns a predicate matching the whole shard space.
func All(total int) Predicate {
	return Predicate{TotalShards: total, Shards: Range(total)}
}

// Matches reports whether hash belongs to the predicate's shards.
func (p Predicate) Matches(hash int64) bool {
	if p.TotalShards <= 0 {
		return false
	}
	return p.Shards.Contains(Of(hash, p.TotalShards))
}

// IsEmpty reports whether the predicate can match nothing.
func (p Predicate) IsEmpty() bool {
	return p.TotalShards <= 0 || len(p.Shards) == 0
}

// Covers reports whether the predicate spans every shard, so stores may skip
// the hash filter entirely.
func (p Predicate) Covers() bool {
	return p.TotalShards > 0 && len(p.Shards) == p.TotalShards
}
