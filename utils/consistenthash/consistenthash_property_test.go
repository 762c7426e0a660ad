package consistenthash

import (
	"fmt"
	"strconv"
	"testing"

	"pgregory.net/rapid"
)

// Adding a node only moves keys onto that node; removing it moves exactly
// those keys back.
func TestProperty_ConsistentHashMinimalDisruption(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ring := New(rapid.IntRange(10, 100).Draw(rt, "replicas"), nil)
		numNodes := rapid.IntRange(1, 6).Draw(rt, "numNodes")
		for i := range numNodes {
			ring.AddWeighted(fmt.Sprintf("node-%d", i), rapid.IntRange(1, 3).Draw(rt, "weight"))
		}

		keys := rapid.SliceOfN(rapid.Uint64Min(1), 50, 200).Draw(rt, "channels")
		before := make(map[uint64]string, len(keys))
		for _, k := range keys {
			before[k] = ring.Get(strconv.FormatUint(k, 10))
		}

		ring.Add("node-new")
		for _, k := range keys {
			after := ring.Get(strconv.FormatUint(k, 10))
			if after != before[k] && after != "node-new" {
				rt.Fatalf("key %d moved from %s to %s", k, before[k], after)
			}
		}

		ring.Remove("node-new")
		for _, k := range keys {
			if got := ring.Get(strconv.FormatUint(k, 10)); got != before[k] {
				rt.Fatalf("key %d maps to %s after removal, want %s", k, got, before[k])
			}
		}
	})
}

// Every key has exactly one owner among the live nodes.
func TestProperty_ConsistentHashSingleOwner(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ring := New(20, nil)
		nodes := rapid.SliceOfNDistinct(rapid.StringMatching(`node-[a-z]{1,6}`), 1, 5, rapid.ID[string]).Draw(rt, "nodes")
		ring.Add(nodes...)

		key := strconv.FormatUint(rapid.Uint64().Draw(rt, "channel"), 10)
		owners := 0
		for _, n := range nodes {
			if ring.Owns(n, key) {
				owners++
			}
		}
		if owners != 1 {
			rt.Fatalf("key %s has %d owners", key, owners)
		}
	})
}
