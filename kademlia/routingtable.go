package kademlia

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// maxSplits bounds the table's lifetime split count: at most 160 home-branch
// splits, matching the 160-bit address space.
const maxSplits = 160

// RoutingTable is an ordered collection of buckets tiling the full 160-bit
// ID space. Exactly one bucket — the home bucket — contains SelfID and is
// the only one ever split.
type RoutingTable struct {
	SelfID  ID
	buckets []*Bucket // kept sorted by Lo

	splitCount int

	log *logrus.Entry
}

// NewRoutingTable creates a table with a single bucket spanning the whole
// space, marked as the (only) home bucket.
func NewRoutingTable(selfID ID) *RoutingTable {
	full := NewBucket(Zero, Max, true)
	return &RoutingTable{
		SelfID:  selfID,
		buckets: []*Bucket{full},
		log: logrus.WithFields(logrus.Fields{
			"package": "kademlia",
			"type":    "routingtable",
			"self":    selfID.String(),
		}),
	}
}

// Buckets returns the table's buckets in range order. Callers must not
// mutate the returned slice.
func (rt *RoutingTable) Buckets() []*Bucket {
	return rt.buckets
}

// Locate returns the unique bucket whose range contains id.
func (rt *RoutingTable) Locate(id ID) *Bucket {
	// buckets are sorted and non-overlapping; binary search on Hi.
	i := sort.Search(len(rt.buckets), func(i int) bool {
		return id.Compare(rt.buckets[i].Hi) <= 0
	})
	if i < len(rt.buckets) {
		return rt.buckets[i]
	}
	return rt.buckets[len(rt.buckets)-1]
}

// Observe feeds a liveness signal for (id, addr) into the table, splitting
// the home bucket as needed. It reports whether the contact ended up
// stored.
func (rt *RoutingTable) Observe(id ID, addr Address, now time.Time) bool {
	if id.Equal(rt.SelfID) {
		return false // never route to ourselves
	}

	b := rt.Locate(id)
	contact := NewContact(id, addr, now)

	for {
		switch b.Insert(contact, now) {
		case Inserted:
			return true
		case Rejected:
			return false
		case NeedSplit:
			if !rt.isHome(b) || rt.splitCount >= maxSplits {
				return false
			}
			rt.splitBucket(b)
			b = rt.Locate(id)
		}
	}
}

func (rt *RoutingTable) isHome(b *Bucket) bool {
	return b.Contains(rt.SelfID)
}

// splitBucket replaces b in the table with its two children, in order.
func (rt *RoutingTable) splitBucket(b *Bucket) {
	left, right := b.Split(rt.SelfID)

	idx := -1
	for i, existing := range rt.buckets {
		if existing == b {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	replacement := make([]*Bucket, 0, len(rt.buckets)+1)
	replacement = append(replacement, rt.buckets[:idx]...)
	replacement = append(replacement, left, right)
	replacement = append(replacement, rt.buckets[idx+1:]...)
	rt.buckets = replacement
	rt.splitCount++

	rt.log.WithFields(logrus.Fields{
		"split_count": rt.splitCount,
	}).Info("home bucket split")
}

// closest is a (contact, distance) pair used while ranking candidates for
// kClosest.
type closest struct {
	contact *Contact
	dist    ID
}

// KClosest returns up to K good contacts ordered by ascending XOR distance
// to id. It starts from id's own bucket and, if that bucket is short,
// widens to the immediate neighbor buckets in table order.
func (rt *RoutingTable) KClosest(id ID, k int) []*Contact {
	homeIdx := rt.bucketIndex(id)
	if homeIdx < 0 {
		return nil
	}

	seen := make(map[ID]struct{})
	var candidates []closest

	collect := func(b *Bucket) {
		for _, c := range b.Contacts {
			if !c.Good() {
				continue
			}
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			candidates = append(candidates, closest{contact: c, dist: XORDistance(c.ID, id)})
		}
	}

	collect(rt.buckets[homeIdx])
	if len(candidates) < k {
		if homeIdx-1 >= 0 {
			collect(rt.buckets[homeIdx-1])
		}
		if homeIdx+1 < len(rt.buckets) {
			collect(rt.buckets[homeIdx+1])
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].dist.Less(candidates[j].dist)
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]*Contact, len(candidates))
	for i, c := range candidates {
		out[i] = c.contact
	}
	return out
}

func (rt *RoutingTable) bucketIndex(id ID) int {
	for i, b := range rt.buckets {
		if b.Contains(id) {
			return i
		}
	}
	return -1
}

// Close tears down every bucket (and, transitively, every contact's
// pending re-ping timer).
func (rt *RoutingTable) Close() {
	for _, b := range rt.buckets {
		b.Close()
	}
}
