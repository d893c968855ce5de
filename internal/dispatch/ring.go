package dispatch

import (
	"hash/fnv"
	"sort"
	"strconv"
)

// ringReplicas is the number of virtual points each member contributes.
// More points smooth the key distribution across a small member set.
const ringReplicas = 64

// Ring is a consistent hash ring over worker IDs. A key maps to the first
// virtual point at or after its hash, wrapping at the end, so adding or
// removing one member only remaps the keys that hashed into its arcs.
type Ring struct {
	hashes []uint64
	owners map[uint64]string
}

// NewRing builds a ring over the given members. An empty member set yields a
// ring whose Owner always reports no owner.
func NewRing(members []string) *Ring {
	r := &Ring{owners: make(map[uint64]string, len(members)*ringReplicas)}
	for _, m := range members {
		for i := 0; i < ringReplicas; i++ {
			h := ringHash(m + "#" + strconv.Itoa(i))
			r.owners[h] = m
			r.hashes = append(r.hashes, h)
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
	return r
}

// Owner maps a key to its member. ok is false when the ring is empty.
func (r *Ring) Owner(key string) (string, bool) {
	if len(r.hashes) == 0 {
		return "", false
	}
	h := ringHash(key)
	i := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	if i == len(r.hashes) {
		i = 0
	}
	return r.owners[r.hashes[i]], true
}

func ringHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
