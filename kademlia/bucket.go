package kademlia

import (
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
)

// K is the fixed per-bucket contact capacity.
const K = 8

// InsertResult is the outcome of Bucket.Insert.
type InsertResult int

const (
	// Inserted means the contact is now stored (new, refreshed, or
	// replacing an evicted bad contact).
	Inserted InsertResult = iota
	// Rejected means the bucket is full of good/questionable contacts and
	// is not splittable; the new contact is dropped, existing contents
	// untouched.
	Rejected
	// NeedSplit means the bucket is full, has no bad contact to evict, and
	// is splittable; the caller (RoutingTable.Observe) must split it and
	// retry.
	NeedSplit
)

// Bucket is a fixed-capacity contact holder for a contiguous ID-space
// interval [Lo, Hi], owned by exactly one RoutingTable.
type Bucket struct {
	Lo, Hi     ID
	Contacts   map[ID]*Contact
	Splittable bool

	log *logrus.Entry
}

// NewBucket creates an empty bucket covering [lo, hi].
func NewBucket(lo, hi ID, splittable bool) *Bucket {
	return &Bucket{
		Lo:         lo,
		Hi:         hi,
		Contacts:   make(map[ID]*Contact, K),
		Splittable: splittable,
		log: logrus.WithFields(logrus.Fields{
			"package": "kademlia",
			"type":    "bucket",
		}),
	}
}

// Contains delegates to the C1 range check.
func (b *Bucket) Contains(id ID) bool {
	return ContainsRange(b.Lo, b.Hi, id)
}

// Len returns the number of contacts currently stored.
func (b *Bucket) Len() int {
	return len(b.Contacts)
}

// Insert stores or refreshes a contact per the bucket's admission state
// machine. The caller must have already verified contact.ID is within
// [b.Lo, b.Hi].
//
// Being observed only refreshes LastSeen and Addr; it never rehabilitates
// BadCount. That transition is reserved for the outcome of an RPC this node
// itself originated (Contact.Thank/Curse), so a bad contact can't launder
// itself back to good just by sending us an unrelated query.
func (b *Bucket) Insert(contact *Contact, now time.Time) InsertResult {
	if existing, ok := b.Contacts[contact.ID]; ok {
		if now.After(existing.LastSeen) {
			existing.LastSeen = now
		}
		existing.Addr = contact.Addr
		return Inserted
	}

	if len(b.Contacts) < K {
		b.Contacts[contact.ID] = contact
		return Inserted
	}

	if victim := b.oldestBad(); victim != nil {
		b.log.WithFields(logrus.Fields{
			"evicted": victim.ID.String(),
			"new":     contact.ID.String(),
		}).Debug("evicting bad contact for new insert")
		delete(b.Contacts, victim.ID)
		victim.Close()
		b.Contacts[contact.ID] = contact
		return Inserted
	}

	if b.Splittable {
		return NeedSplit
	}
	return Rejected
}

// oldestBad returns the bad contact (BadCount > 2) with the earliest
// LastSeen, or nil if no contact in the bucket is bad.
func (b *Bucket) oldestBad() *Contact {
	var victim *Contact
	for _, c := range b.Contacts {
		if c.Good() {
			continue
		}
		if victim == nil || c.LastSeen.Before(victim.LastSeen) {
			victim = c
		}
	}
	return victim
}

// Split computes the midpoint of the bucket's range and redistributes its
// contacts into two children. localID decides which child (if any)
// becomes splittable: only the bucket containing the local node id may
// ever split again.
func (b *Bucket) Split(localID ID) (left, right *Bucket) {
	loRight, hiLeft := Midpoint(b.Lo, b.Hi)

	left = NewBucket(b.Lo, hiLeft, ContainsRange(b.Lo, hiLeft, localID))
	right = NewBucket(loRight, b.Hi, ContainsRange(loRight, b.Hi, localID))

	for id, c := range b.Contacts {
		if left.Contains(id) {
			left.Contacts[id] = c
		} else {
			right.Contacts[id] = c
		}
	}

	b.log.WithFields(logrus.Fields{
		"lo": b.Lo.String(), "hi": b.Hi.String(),
		"left_hi": hiLeft.String(), "right_lo": loRight.String(),
	}).Info("bucket split")

	return left, right
}

// RandomID returns a pseudo-random ID uniformly distributed over the
// bucket's range, exact over the full 160 bits, for use as a refresh
// lookup target. The randomness source is injected so callers can make
// refresh deterministic in tests.
func (b *Bucket) RandomID(randomBits func(n int) []byte) ID {
	lo, hi := toBig(b.Lo), toBig(b.Hi)

	span := new(big.Int).Sub(hi, lo)
	span.Add(span, big.NewInt(1)) // number of ids in [lo, hi]

	r := new(big.Int).SetBytes(randomBits(IDLength))
	r.Mod(r, span)
	r.Add(r, lo)

	return fromBig(r)
}

// Close cancels every contact's outstanding re-ping timer. Called when the
// table is closed; a bucket replaced by a split is not closed, since its
// contacts move to the two children.
func (b *Bucket) Close() {
	for _, c := range b.Contacts {
		c.Close()
	}
}
