package ring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyRingLookupMiss(t *testing.T) {
	r := New()
	_, ok := r.Lookup("task-1")
	assert.False(t, ok)
}

func TestInsertNodeIntoEmptyRingYieldsNoMigrations(t *testing.T) {
	r := New()
	migrations := r.InsertNode("node-a")
	assert.Empty(t, migrations)

	owner, ok := r.InsertKey("task-1")
	require.True(t, ok)
	assert.Equal(t, "node-a", owner)
}

func TestInsertNodeSplitsOwnership(t *testing.T) {
	r := New()
	r.InsertNode("node-a")

	keys := make([]string, 200)
	for i := range keys {
		keys[i] = fmt.Sprintf("task-%d", i)
		r.InsertKey(keys[i])
	}

	migrations := r.InsertNode("node-b")
	require.NotEmpty(t, migrations)

	moved := MigratedKeys(keys, migrations)
	assert.NotEmpty(t, moved)

	for k, m := range moved {
		owner, ok := r.Lookup(k)
		require.True(t, ok)
		assert.Equal(t, m.Dst, owner)
	}
}

func TestRemoveNodeReassignsOnlyItsKeys(t *testing.T) {
	r := New()
	r.InsertNode("node-a")
	r.InsertNode("node-b")
	r.InsertNode("node-c")

	before := make(map[string]string)
	for i := 0; i < 300; i++ {
		k := fmt.Sprintf("task-%d", i)
		owner, _ := r.InsertKey(k)
		before[k] = owner
	}

	migrations := r.RemoveNode("node-b")
	for _, m := range migrations {
		assert.Equal(t, "node-b", m.Src)
	}

	for k, prevOwner := range before {
		if prevOwner != "node-b" {
			owner, ok := r.Lookup(k)
			require.True(t, ok)
			assert.Equal(t, prevOwner, owner, "key %s should not move when its owner %s stays", k, prevOwner)
		}
	}
}

func TestRebuildOwnerMatchesIncrementalRing(t *testing.T) {
	nodes := []string{"wss://10.0.0.1:9090/ingest#0", "wss://10.0.0.2:9090/ingest#0", "wss://10.0.0.3:9090/ingest#0"}

	r := New()
	for _, n := range nodes {
		r.InsertNode(n)
	}

	for i := 0; i < 500; i++ {
		k := fmt.Sprintf("entity-%d", i)
		incremental, ok := r.Lookup(k)
		require.True(t, ok)

		fresh, ok := RebuildOwner(nodes, k)
		require.True(t, ok)

		assert.Equal(t, fresh, incremental)
	}
}

func TestReInsertingSameNodeSetConvergesOnSameOwner(t *testing.T) {
	nodes := []string{"a", "b", "c", "d", "e"}

	first := New()
	for _, n := range nodes {
		first.InsertNode(n)
	}

	reversed := New()
	for i := len(nodes) - 1; i >= 0; i-- {
		reversed.InsertNode(nodes[i])
	}

	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("k-%d", i)
		o1, _ := first.Lookup(k)
		o2, _ := reversed.Lookup(k)
		assert.Equal(t, o1, o2, "owner must not depend on join order")
	}
}

// FuzzRingNeverLosesOrDuplicatesOwnership exercises invariant 1 from
// spec.md §8: every tracked key maps to exactly one live node no matter the
// sequence of inserts/removes fed to the ring, as long as at least one node
// remains.
func FuzzRingNeverLosesOrDuplicatesOwnership(f *testing.F) {
	f.Add(uint8(3), uint8(10), uint8(1))
	f.Fuzz(func(t *testing.T, nodeCount, keyCount, removeMask uint8) {
		if nodeCount == 0 {
			nodeCount = 1
		}
		n := int(nodeCount%8) + 1
		r := New()
		nodes := make([]string, n)
		for i := 0; i < n; i++ {
			nodes[i] = fmt.Sprintf("node-%d", i)
			r.InsertNode(nodes[i])
		}

		removeCount := 0
		if n > 1 {
			removeCount = int(removeMask) % (n - 1)
		}
		if removeCount < 0 {
			removeCount = 0
		}
		for i := 0; i < removeCount; i++ {
			r.RemoveNode(nodes[i])
		}
		if len(r.Nodes()) == 0 {
			return
		}

		kc := int(keyCount)%64 + 1
		for i := 0; i < kc; i++ {
			k := fmt.Sprintf("key-%d", i)
			owner, ok := r.InsertKey(k)
			if !ok {
				t.Fatalf("lookup failed with non-empty ring")
			}
			found := false
			for _, live := range r.Nodes() {
				if live == owner {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("key %s owned by removed node %s", k, owner)
			}
		}
	})
}
