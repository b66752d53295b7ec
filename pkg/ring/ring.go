// Package ring implements the consistent-hash ring that maps ingestion
// tasks onto cluster nodes, and reports the exact key migrations caused by
// a membership change.
//
// The ring is a pure data structure: it never fails, never blocks, and
// owns no goroutines. Callers (the reconciler in the gossip topology, the
// WorkerGroup in the coordinator topology) serialize all access themselves.
package ring

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// virtualNodesPerNode is the number of positions each real node occupies on
// the ring. 160 is the value hashicorp/serf and most consistent-hash
// implementations converge on: enough to keep the standard deviation of
// per-node key share low without growing the ring unreasonably.
const virtualNodesPerNode = 160

// vnode is one position on the ring.
type vnode struct {
	hash uint64
	node string
}

// Migration describes a contiguous hash-range slice whose owner changed
// between two ring snapshots.
type Migration struct {
	Src      string // empty when the range had no prior owner
	Dst      string
	RangeLo  uint64
	RangeHi  uint64 // inclusive
}

// contains reports whether h falls in [RangeLo, RangeHi], accounting for
// ranges that wrap past the maximum hash value back to zero.
func (m Migration) contains(h uint64) bool {
	if m.RangeLo <= m.RangeHi {
		return h >= m.RangeLo && h <= m.RangeHi
	}
	return h >= m.RangeLo || h <= m.RangeHi
}

// Ring maps task keys onto a set of node identifiers using virtual-node
// consistent hashing (spec.md §4.1).
type Ring struct {
	vnodes []vnode          // sorted by hash, ties broken by node string
	nodes  map[string]bool  // current real node set
	keys   map[string]bool  // tracked task keys
}

// New returns an empty ring.
func New() *Ring {
	return &Ring{nodes: make(map[string]bool), keys: make(map[string]bool)}
}

func hashOf(s string) uint64 {
	return xxhash.Sum64String(s)
}

func vnodeName(node string, i int) string {
	return fmt.Sprintf("%s#%d", node, i)
}

func sortVnodes(vs []vnode) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].hash != vs[j].hash {
			return vs[i].hash < vs[j].hash
		}
		return vs[i].node < vs[j].node
	})
}

// snapshot returns a defensive, sorted copy of the current virtual-node
// ring, used as the "before" or "after" state when diffing migrations.
func (r *Ring) snapshot() []vnode {
	out := make([]vnode, len(r.vnodes))
	copy(out, r.vnodes)
	return out
}

func vnodesFor(node string) []vnode {
	vs := make([]vnode, virtualNodesPerNode)
	for i := 0; i < virtualNodesPerNode; i++ {
		vs[i] = vnode{hash: hashOf(vnodeName(node, i)), node: node}
	}
	return vs
}

// ownerAt returns the node owning hash h in a given sorted vnode ring, or
// "" if the ring is empty.
func ownerAt(vs []vnode, h uint64) string {
	if len(vs) == 0 {
		return ""
	}
	idx := sort.Search(len(vs), func(i int) bool {
		if vs[i].hash != h {
			return vs[i].hash > h
		}
		return true
	})
	if idx == len(vs) {
		idx = 0
	}
	return vs[idx].node
}

// diffMigrations walks before and after vnode rings together and emits one
// Migration per contiguous arc whose owner changed. Both inputs are assumed
// sorted by (hash, node).
func diffMigrations(before, after []vnode) []Migration {
	if len(before) == 0 && len(after) == 0 {
		return nil
	}
	if len(before) == 0 {
		// Ring was empty: per spec.md §4.1, this case is outside the
		// migration report by design — the caller places all keys
		// manually.
		return nil
	}

	// Build the combined boundary set from both rings so we can walk
	// arcs where either ring's owner could change.
	boundarySet := make(map[uint64]bool, len(before)+len(after))
	for _, v := range before {
		boundarySet[v.hash] = true
	}
	for _, v := range after {
		boundarySet[v.hash] = true
	}
	bounds := make([]uint64, 0, len(boundarySet))
	for h := range boundarySet {
		bounds = append(bounds, h)
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i] < bounds[j] })

	var migrations []Migration
	var curSrc, curDst string
	var curLo uint64
	open := false

	flush := func(hi uint64) {
		if open && curSrc != curDst {
			migrations = append(migrations, Migration{Src: curSrc, Dst: curDst, RangeLo: curLo, RangeHi: hi})
		}
		open = false
	}

	for i, hi := range bounds {
		// The arc ending at hi is owned by whoever owns hi itself; it opens
		// just past the previous boundary, wrapping to the last boundary
		// when hi is the first one.
		var prevHi uint64
		if i == 0 {
			prevHi = bounds[len(bounds)-1]
		} else {
			prevHi = bounds[i-1]
		}
		lo := prevHi + 1 // wraps via uint64 overflow if prevHi is the max hash
		src := ownerAt(before, hi)
		dst := ownerAt(after, hi)
		if !open {
			curSrc, curDst, curLo, open = src, dst, lo, true
		} else if src != curSrc || dst != curDst {
			flush(prevHi)
			curSrc, curDst, curLo, open = src, dst, lo, true
		}
	}
	// close the final arc at its own boundary
	if open {
		flush(bounds[len(bounds)-1])
	}
	return migrations
}

// InsertNode adds a node to the ring and returns the migrations it caused.
// If the ring previously had zero nodes, this returns an empty list by
// contract (spec.md §4.1's "keys in limbo" edge case) — the caller must
// treat every tracked key as newly owned by n.
func (r *Ring) InsertNode(n string) []Migration {
	before := r.snapshot()
	wasEmpty := len(r.nodes) == 0

	r.nodes[n] = true
	r.vnodes = append(r.vnodes, vnodesFor(n)...)
	sortVnodes(r.vnodes)

	if wasEmpty {
		return nil
	}
	return diffMigrations(before, r.snapshot())
}

// RemoveNode removes a node from the ring and returns the migrations it
// caused.
func (r *Ring) RemoveNode(n string) []Migration {
	before := r.snapshot()
	if !r.nodes[n] {
		return nil
	}
	delete(r.nodes, n)

	filtered := r.vnodes[:0:0]
	for _, v := range r.vnodes {
		if v.node != n {
			filtered = append(filtered, v)
		}
	}
	r.vnodes = filtered

	return diffMigrations(before, r.snapshot())
}

// InsertKey tracks k and returns the node it currently maps to. Returns
// ("", false) on an empty ring.
func (r *Ring) InsertKey(k string) (string, bool) {
	r.keys[k] = true
	return r.lookup(k)
}

// RemoveKey stops tracking k and returns the node it mapped to just before
// removal. Returns ("", false) on an empty ring or unknown key.
func (r *Ring) RemoveKey(k string) (string, bool) {
	if !r.keys[k] {
		return "", false
	}
	owner, ok := r.lookup(k)
	delete(r.keys, k)
	return owner, ok
}

// Lookup returns the node k currently maps to without changing the tracked
// key set.
func (r *Ring) Lookup(k string) (string, bool) {
	return r.lookup(k)
}

func (r *Ring) lookup(k string) (string, bool) {
	if len(r.vnodes) == 0 {
		return "", false
	}
	return ownerAt(r.vnodes, hashOf(k)), true
}

// Keys returns every task key currently tracked by the ring.
func (r *Ring) Keys() []string {
	out := make([]string, 0, len(r.keys))
	for k := range r.keys {
		out = append(out, k)
	}
	return out
}

// Nodes returns the current node set.
func (r *Ring) Nodes() []string {
	out := make([]string, 0, len(r.nodes))
	for n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// MigratedKeys filters ks to those whose hash falls inside one of the given
// migrations, paired with the migration that moved them.
func MigratedKeys(ks []string, migrations []Migration) map[string]Migration {
	out := make(map[string]Migration)
	for _, k := range ks {
		h := hashOf(k)
		for _, m := range migrations {
			if m.contains(h) {
				out[k] = m
				break
			}
		}
	}
	return out
}

// RebuildOwner recomputes the owner of k from scratch given a node set,
// independent of any ring's incremental history. Used by tests to verify
// ring consistency (spec.md §8, invariant 1 and S6).
func RebuildOwner(nodes []string, k string) (string, bool) {
	fresh := New()
	for _, n := range nodes {
		fresh.InsertNode(n)
	}
	return fresh.Lookup(k)
}
