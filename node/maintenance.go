package node

import (
	"context"
	"crypto/rand"
	"net"
	"time"

	"github.com/opd-ai/mldht/kademlia"
)

// bucketRefreshLoop periodically walks every bucket and originates a
// find_node for a random id drawn from its range, keeping stale buckets
// populated. A single ticker drives one lookup per non-empty bucket per
// tick.
func (n *Node) bucketRefreshLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.BucketRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.refreshBuckets()
		}
	}
}

func (n *Node) refreshBuckets() {
	for _, b := range n.table.Buckets() {
		if b.Len() == 0 {
			continue // nothing in range yet to seed a lookup from
		}

		target := b.RandomID(randomBits)
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.ResponseTimeout)
		if _, err := n.findNodeIterative(ctx, target); err != nil {
			n.log.WithError(err).Debug("bucket refresh lookup failed")
		}
		cancel()
	}
}

func randomBits(count int) []byte {
	buf := make([]byte, count)
	_, _ = rand.Read(buf)
	return buf
}

// contactRepingLoop periodically re-pings contacts that have not been
// seen within the configured interval, so liveness state (and eventual
// eviction) reflects reality rather than a one-time observation.
func (n *Node) contactRepingLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.ContactRepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.repingStaleContacts()
		}
	}
}

func (n *Node) repingStaleContacts() {
	cutoff := n.now().Add(-n.cfg.ContactRepingInterval)

	var stale []*kademlia.Contact
	for _, b := range n.table.Buckets() {
		for _, c := range b.Contacts {
			if c.LastSeen.Before(cutoff) {
				stale = append(stale, c)
			}
		}
	}

	for _, c := range stale {
		c := c
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()

			ctx, cancel := context.WithTimeout(n.ctx, n.cfg.ResponseTimeout)
			defer cancel()

			addr := &net.UDPAddr{IP: c.Addr.IP, Port: c.Addr.Port}
			if _, err := n.ping(ctx, addr); err != nil {
				c.Curse()
				return
			}
			c.Thank(n.now())
		}()
	}
}
