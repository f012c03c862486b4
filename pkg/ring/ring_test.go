package ring

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peer(id string, points ...uint32) *Peer {
	return NewPeer(id, Meta{}, points)
}

func hashedPeer(id string, replicas int) *Peer {
	return NewPeer(id, Meta{}, GenPoints(Farm32, id, replicas))
}

func key(s string) uint32 {
	return Farm32([]byte(s))
}

func TestAddLookup(t *testing.T) {
	r := New()
	r.Add(hashedPeer("node1", 128), "")
	r.Add(hashedPeer("node2", 128), "")
	r.Add(hashedPeer("node3", 128), "")

	assert.Equal(t, 3*128, r.Len())

	// Lookup should return one of our node IDs; stable for same key
	for _, k := range []string{"foo", "bar", "baz"} {
		p1, ok := r.Lookup(key(k))
		require.True(t, ok, "Lookup(%q) returned nothing", k)
		p2, _ := r.Lookup(key(k))
		assert.Same(t, p1, p2, "Lookup(%q) not stable", k)
		assert.Contains(t, []string{"node1", "node2", "node3"}, p1.ID)
	}
}

func TestLookupEmptyRing(t *testing.T) {
	r := New()
	_, ok := r.Lookup(42)
	assert.False(t, ok)
	_, err := r.Next(42, nil)
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = r.Next(42, []string{"a"})
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestLookupStrictSuccessor(t *testing.T) {
	r := New()
	r.Add(peer("a", 10, 30), "")
	r.Add(peer("b", 20), "")

	for _, tc := range []struct {
		key  uint32
		want string
	}{
		{0, "a"},
		{9, "a"},
		{10, "b"}, // a key equal to a point belongs to the next point
		{19, "b"},
		{20, "a"},
		{29, "a"},
		{30, "a"}, // wraps to the first entry
		{math.MaxUint32, "a"},
	} {
		t.Run(fmt.Sprint(tc.key), func(t *testing.T) {
			p, ok := r.Lookup(tc.key)
			require.True(t, ok)
			assert.Equal(t, tc.want, p.ID)
		})
	}
}

func TestLookupMaxKeyGoesToLowestPoint(t *testing.T) {
	r := New()
	r.Add(peer("low", 5), "")
	r.Add(peer("high", math.MaxUint32-10), "")

	p, ok := r.Lookup(math.MaxUint32)
	require.True(t, ok)
	assert.Equal(t, "low", p.ID)

	p, ok = r.Lookup(0)
	require.True(t, ok)
	assert.Equal(t, "low", p.ID)
}

func TestRemoveAffectsLookup(t *testing.T) {
	r := New()
	r.Add(hashedPeer("n1", 128), "")
	r.Add(hashedPeer("n2", 128), "")
	r.Add(hashedPeer("n3", 128), "")

	k := key("hot-key-123")
	before, ok := r.Lookup(k)
	require.True(t, ok)

	// Remove the owner; Lookup should move to a different node
	r.Remove(before.ID, "")
	after, ok := r.Lookup(k)
	require.True(t, ok)
	assert.NotEqual(t, before.ID, after.ID)
}

func TestDistributionRoughlyBalanced(t *testing.T) {
	// Not a strict test, just sanity: with replicas, distribution shouldn't be wildly skewed
	r := New()
	for _, id := range []string{"n1", "n2", "n3"} {
		r.Add(hashedPeer(id, 128), "")
	}

	const N = 6000
	counts := map[string]int{}
	for i := range N {
		p, _ := r.Lookup(key(fmt.Sprintf("k-%d", i)))
		counts[p.ID]++
	}
	// Expect near-uniform: allow 2x deviation from perfect split
	ideal := float64(N) / 3.0
	for id, c := range counts {
		require.NotZero(t, c, "node %s got zero keys", id)
		diff := math.Abs(float64(c)-ideal) / ideal
		assert.LessOrEqual(t, diff, 1.0, "distribution too skewed: node %s has %d (ideal %.1f)", id, c, ideal)
	}
}

func TestTotalOwnership(t *testing.T) {
	r := New()
	ids := []string{"10.0.0.1:7946", "10.0.0.2:7946", "10.0.0.3:7946", "10.0.0.4:7946"}
	for _, id := range ids {
		r.Add(hashedPeer(id, 100), "")
	}

	var total uint64
	for _, id := range ids {
		owned := r.Owned(id)
		assert.NotZero(t, owned, id)
		total += owned
	}
	assert.Equal(t, uint64(1<<32), total)

	single := New()
	single.Add(peer("solo", 7), "")
	assert.Equal(t, uint64(1<<32), single.Owned("solo"))
}

func TestIdempotentRemove(t *testing.T) {
	r := New()
	r.Add(hashedPeer("n1", 128), "")
	r.Remove("n1", "")
	// Removing again should not panic
	assert.Empty(t, r.Remove("n1", ""))
	assert.Zero(t, r.Len())
}

func TestRemoveNonExistentNode(t *testing.T) {
	r := New()
	r.Add(hashedPeer("n1", 128), "")
	r.Add(hashedPeer("n2", 128), "")
	before := r.Entries()

	r.Remove("non-existent", "")

	assert.Equal(t, before, r.Entries())
}

func TestRemoveOnlyAffectsTargetNode(t *testing.T) {
	r := New()
	n1, n2, n3 := hashedPeer("n1", 128), hashedPeer("n2", 128), hashedPeer("n3", 128)
	r.Add(n1, "")
	r.Add(n2, "")
	r.Add(n3, "")

	keys := make([]uint32, 500)
	before := make(map[uint32]string, len(keys))
	for i := range keys {
		keys[i] = key(fmt.Sprintf("key%d", i))
		p, _ := r.Lookup(keys[i])
		before[keys[i]] = p.ID
	}

	r.Remove("n2", "")

	pointsOf := func(id string) []uint32 {
		var pts []uint32
		for _, e := range r.Entries() {
			if e.Peer.ID == id {
				pts = append(pts, e.Point)
			}
		}
		return pts
	}
	assert.Empty(t, pointsOf("n2"))
	assert.Equal(t, n1.Points, pointsOf("n1"))
	assert.Equal(t, n3.Points, pointsOf("n3"))
	assert.Equal(t, 2*128, r.Len())

	// keys that were on n1 or n3 stay put
	for _, k := range keys {
		after, _ := r.Lookup(k)
		if before[k] != "n2" {
			assert.Equal(t, before[k], after.ID, "key %d moved", k)
		}
	}
}

func TestNextVisitsEveryPeerOnce(t *testing.T) {
	r := New()
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		r.Add(hashedPeer(id, 50), "")
	}

	for _, k := range []string{"hello", "world", "x"} {
		var exclude []string
		seen := map[string]bool{}
		for {
			p, err := r.Next(key(k), exclude)
			if errors.Is(err, ErrExcluded) {
				break
			}
			require.NoError(t, err)
			require.False(t, seen[p.ID], "peer %s visited twice for %q", p.ID, k)
			seen[p.ID] = true
			exclude = append(exclude, p.ID)
			require.LessOrEqual(t, len(exclude), len(ids))
		}
		assert.Len(t, seen, len(ids))
	}
}

func TestNextSkipsPrimaryByDefault(t *testing.T) {
	r := New()
	r.Add(peer("a", 10), "")
	r.Add(peer("b", 20), "")
	r.Add(peer("c", 30), "")

	primary, _ := r.Lookup(15)
	require.Equal(t, "b", primary.ID)

	p, err := r.Next(15, nil)
	require.NoError(t, err)
	assert.Equal(t, "c", p.ID)

	// an explicit list that does not name the primary starts at the primary
	p, err = r.Next(15, []string{"c"})
	require.NoError(t, err)
	assert.Equal(t, "b", p.ID)

	_, err = r.Next(15, []string{"a", "b", "c"})
	assert.ErrorIs(t, err, ErrExcluded)
}
