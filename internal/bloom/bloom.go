// Package bloom provides the per-shard, per-String-column membership
// sketch used to prune shards from a scan without touching their
// dictionary or column data. It wraps github.com/holiman/bloomfilter/v2
// instead of hand-rolling a bitset, sized for a fixed capacity at a 1%
// false-positive target.
package bloom

import (
	"github.com/cespare/xxhash/v2"
	bloomfilter "github.com/holiman/bloomfilter/v2"
)

// targetFalsePositiveRate is fixed at 1%; shards are sized once at
// creation for their configured row capacity.
const targetFalsePositiveRate = 0.01

// hashable adapts a precomputed uint64 to bloomfilter.Filter's Hashable
// interface, letting Filter supply its own choice of hash function
// rather than the library's default.
type hashable uint64

func (h hashable) Sum64() uint64 { return uint64(h) }

// Filter is a sized bloom filter over the string values of a single
// column in a single shard. Filter is probed only for equality
// predicates on String columns; any other predicate kind
// skips it entirely and falls back to a full scan.
type Filter struct {
	f *bloomfilter.Filter
}

// New builds a Filter sized for up to capacity distinct strings at a 1%
// false-positive rate. capacity should be the shard's row capacity (an
// upper bound on distinct values for that column in the shard).
func New(capacity int) *Filter {
	if capacity < 1 {
		capacity = 1
	}
	f, err := bloomfilter.NewOptimal(uint64(capacity), targetFalsePositiveRate)
	if err != nil {
		// NewOptimal only errors on a zero/negative capacity, which we
		// already guard above; a filter sized for 1 element always
		// succeeds.
		f, _ = bloomfilter.NewOptimal(1, targetFalsePositiveRate)
	}
	return &Filter{f: f}
}

// Add records s as present in the filter. FNV-1a and xxhash of s are
// folded by hashString into one 64-bit value, from which the filter
// derives all of its k probe positions.
func (f *Filter) Add(s string) {
	f.f.Add(hashable(hashString(s)))
}

// MayContain reports whether s might be present. A false result is
// authoritative (s is definitely absent); a true result may be a false
// positive at the configured rate.
func (f *Filter) MayContain(s string) bool {
	return f.f.Contains(hashable(hashString(s)))
}

// hashString combines FNV-1a and xxhash into a single 64-bit value. The
// underlying bloomfilter.Filter derives its k internal probe positions
// from this one value, so folding two independent hash families into it
// (rather than passing xxhash alone) keeps the probe positions well
// distributed even if one hash family turns out to collide on a given
// workload.
func hashString(s string) uint64 {
	const fnvOffset64 = 14695981039346656037
	const fnvPrime64 = 1099511628211

	h := uint64(fnvOffset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return h ^ xxhash.Sum64String(s)
}
