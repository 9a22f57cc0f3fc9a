// Package peerstore implements the per-infohash peer store (BEP-5 C4): a
// time-bounded set of announced (addr, port) records per infohash, with
// renewal on re-announce and change events on arrival/expiry.
//
// Each key carries a real expiry timer rather than a lazy check-on-read,
// since emitting a removal event requires noticing expiry even when
// nothing reads the key again.
package peerstore

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mldht/kademlia"
)

// DefaultTTL is how long a peer record lives without being renewed before
// it expires.
const DefaultTTL = time.Hour

// EventKind distinguishes the two change events a Store emits.
type EventKind int

const (
	// EventNew fires the first time an (infohash, addr) pair appears.
	EventNew EventKind = iota
	// EventDelete fires when a peer record expires.
	EventDelete
)

// Event describes a peer-store change. For a given (infohash, addr) pair,
// an EventNew always precedes any later EventDelete.
type Event struct {
	Kind     EventKind
	InfoHash kademlia.ID
	Addr     kademlia.Address
}

// Listener receives peer store events. Implementations must not block.
type Listener func(Event)

type record struct {
	addr   kademlia.Address
	timer  *time.Timer
	expiry time.Time
}

// Store maps infohash to the set of peers announced for it. The zero
// value is not usable; use New.
type Store struct {
	mu    sync.Mutex
	byIH  map[kademlia.ID]map[string]*record
	ttl   time.Duration
	after func(time.Duration, func()) *time.Timer

	listeners []Listener
	log       *logrus.Entry
}

// New creates an empty peer store with the given TTL (DefaultTTL if zero).
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		byIH: make(map[kademlia.ID]map[string]*record),
		ttl:  ttl,
		after: func(d time.Duration, f func()) *time.Timer {
			return time.AfterFunc(d, f)
		},
		log: logrus.WithFields(logrus.Fields{"package": "peerstore"}),
	}
}

// OnEvent registers a listener invoked for every EventNew/EventDelete.
func (s *Store) OnEvent(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) emit(ev Event) {
	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Add records an announce of addr for infohash, renewing its TTL if the
// (infohash, addr) pair already exists. It reports whether this is the
// peer's first appearance.
//
// Duplicate detection compares the full address structurally rather than
// just the port, so a peer renewing its announce from the same address is
// correctly recognized instead of always looking new.
func (s *Store) Add(infohash kademlia.ID, addr kademlia.Address) (isNew bool) {
	key := addr.String()

	s.mu.Lock()
	peers, ok := s.byIH[infohash]
	if !ok {
		peers = make(map[string]*record)
		s.byIH[infohash] = peers
	}

	if existing, ok := peers[key]; ok {
		existing.timer.Stop()
		existing.expiry = time.Now().Add(s.ttl)
		existing.timer = s.after(s.ttl, func() { s.expire(infohash, key) })
		s.mu.Unlock()
		return false
	}

	rec := &record{addr: addr, expiry: time.Now().Add(s.ttl)}
	rec.timer = s.after(s.ttl, func() { s.expire(infohash, key) })
	peers[key] = rec
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"infohash": infohash.String(),
		"addr":     addr.String(),
	}).Debug("peer announced")
	s.emit(Event{Kind: EventNew, InfoHash: infohash, Addr: addr})
	return true
}

func (s *Store) expire(infohash kademlia.ID, key string) {
	s.mu.Lock()
	peers, ok := s.byIH[infohash]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec, ok := peers[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(peers, key)
	if len(peers) == 0 {
		delete(s.byIH, infohash)
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"infohash": infohash.String(),
		"addr":     rec.addr.String(),
	}).Debug("peer record expired")
	s.emit(Event{Kind: EventDelete, InfoHash: infohash, Addr: rec.addr})
}

// Get returns the currently live peers for infohash. Infohashes with no
// peers are never allocated an entry, so this returns nil for them.
func (s *Store) Get(infohash kademlia.ID) []kademlia.Address {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers, ok := s.byIH[infohash]
	if !ok {
		return nil
	}
	out := make([]kademlia.Address, 0, len(peers))
	for _, rec := range peers {
		out = append(out, rec.addr)
	}
	return out
}

// Len reports how many infohashes currently have at least one live peer,
// for an operator-imposed cap on store size.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byIH)
}

// Close stops every pending expiry timer without emitting delete events;
// used during node shutdown.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, peers := range s.byIH {
		for _, rec := range peers {
			rec.timer.Stop()
		}
	}
	s.byIH = make(map[kademlia.ID]map[string]*record)
}
