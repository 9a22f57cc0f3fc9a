package kademlia

import (
	"net"
	"strconv"
	"time"
)

// Address is a structurally-compared (IPv4, UDP port) pair.
type Address struct {
	IP   net.IP
	Port int
}

// Equal reports whether two addresses denote the same (ip, port).
func (a Address) Equal(other Address) bool {
	return a.IP.Equal(other.IP) && a.Port == other.Port
}

// String renders the address in host:port form, for logging.
func (a Address) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// Status is the Kademlia liveness classification of a Contact.
type Status int

const (
	// StatusGood means the contact has recently responded successfully.
	StatusGood Status = iota
	// StatusQuestionable means one or two consecutive RPCs have failed,
	// but the contact is still routable.
	StatusQuestionable
	// StatusBad means more than two consecutive RPCs have failed; the
	// contact is evictable and excluded from find_node/get_peers answers.
	StatusBad
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusQuestionable:
		return "questionable"
	case StatusBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Contact is a single remote-node record, owned by exactly one Bucket.
//
// A Contact never references the node or bucket that owns it: re-pings are
// driven from outside (node/maintenance.go sweeps all contacts on a
// ticker), avoiding a cyclic reference between contact and node.
type Contact struct {
	ID        ID
	Addr      Address
	FirstSeen time.Time
	LastSeen  time.Time
	BadCount  uint8

	// pingTimer, when non-nil, is the handle installed by SetPingTimer for
	// this contact's scheduled re-ping; SetPingTimer stops it before
	// replacing it, and Close stops it.
	pingTimer *time.Timer
}

// NewContact creates a fresh, just-seen contact with no RPC failures.
func NewContact(id ID, addr Address, now time.Time) *Contact {
	return &Contact{
		ID:        id,
		Addr:      addr,
		FirstSeen: now,
		LastSeen:  now,
	}
}

// Good reports whether the contact is routable: at most two consecutive
// RPC failures.
func (c *Contact) Good() bool {
	return c.BadCount <= 2
}

// Status classifies the contact into the three liveness states. StatusBad
// corresponds to Good() being false, which is what KClosest excludes.
func (c *Contact) Status() Status {
	switch {
	case c.BadCount == 0:
		return StatusGood
	case c.BadCount <= 2:
		return StatusQuestionable
	default:
		return StatusBad
	}
}

// Thank records a successful RPC: resets the failure count and refreshes
// LastSeen, which never moves backwards.
func (c *Contact) Thank(now time.Time) {
	c.BadCount = 0
	if now.After(c.LastSeen) {
		c.LastSeen = now
	}
}

// Curse records a failed RPC (timeout or transport error): one more strike
// against the contact's liveness.
func (c *Contact) Curse() {
	if c.BadCount < 255 {
		c.BadCount++
	}
}

// SetPingTimer installs the timer handle for this contact's outstanding
// re-ping, stopping any previous one first.
func (c *Contact) SetPingTimer(t *time.Timer) {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	c.pingTimer = t
}

// Close cancels any outstanding re-ping timer for this contact.
func (c *Contact) Close() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}
