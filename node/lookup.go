package node

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/opd-ai/mldht/kademlia"
	"github.com/opd-ai/mldht/krpc"
)

// shortlistEntry tracks one candidate in an iterative lookup's shortlist.
type shortlistEntry struct {
	id      kademlia.ID
	addr    kademlia.Address
	dist    kademlia.ID
	queried bool
}

func newShortlist(target kademlia.ID, seeds []*kademlia.Contact) []*shortlistEntry {
	out := make([]*shortlistEntry, 0, len(seeds))
	for _, c := range seeds {
		out = append(out, &shortlistEntry{
			id:   c.ID,
			addr: c.Addr,
			dist: kademlia.XORDistance(c.ID, target),
		})
	}
	sortShortlist(out)
	return out
}

func sortShortlist(list []*shortlistEntry) {
	sort.Slice(list, func(i, j int) bool { return list[i].dist.Less(list[j].dist) })
}

// mergeCandidates folds newly learned contacts into the shortlist,
// deduplicating by id and keeping the list sorted by distance to target.
func mergeCandidates(list []*shortlistEntry, target, selfID kademlia.ID, nodes []krpc.CompactNode) []*shortlistEntry {
	seen := make(map[kademlia.ID]struct{}, len(list))
	for _, e := range list {
		seen[e.id] = struct{}{}
	}
	for _, n := range nodes {
		if n.ID.Equal(selfID) {
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		list = append(list, &shortlistEntry{
			id:   n.ID,
			addr: n.Addr,
			dist: kademlia.XORDistance(n.ID, target),
		})
	}
	sortShortlist(list)
	return list
}

// nextBatch returns up to alpha not-yet-queried entries from the front of
// the (distance-sorted) shortlist.
func nextBatch(list []*shortlistEntry, alpha int) []*shortlistEntry {
	var batch []*shortlistEntry
	for _, e := range list {
		if e.queried {
			continue
		}
		batch = append(batch, e)
		if len(batch) == alpha {
			break
		}
	}
	return batch
}

// findNodeIterative runs the classic Kademlia α-parallel lookup for
// target, returning the K closest contacts the network reports knowing
// about.
func (n *Node) findNodeIterative(ctx context.Context, target kademlia.ID) ([]*shortlistEntry, error) {
	list := newShortlist(target, n.table.KClosest(target, kademlia.K))

	for {
		batch := nextBatch(list, n.cfg.Alpha)
		if len(batch) == 0 {
			break
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		learned := make([][]krpc.CompactNode, len(batch))

		for i, e := range batch {
			i, e := i, e
			e.queried = true
			wg.Add(1)
			go func() {
				defer wg.Done()
				udpAddr := &net.UDPAddr{IP: e.addr.IP, Port: e.addr.Port}
				nodes, err := n.findNode(ctx, udpAddr, target)
				if err != nil {
					n.curseContact(e.id)
					return
				}
				mu.Lock()
				learned[i] = nodes
				mu.Unlock()
			}()
		}
		wg.Wait()

		before := closestDistance(list)
		for _, nodes := range learned {
			list = mergeCandidates(list, target, n.selfID, nodes)
		}
		after := closestDistance(list)

		if allQueried(list, kademlia.K) || !after.Less(before) {
			break
		}
	}
	if len(list) > kademlia.K {
		list = list[:kademlia.K]
	}
	return list, nil
}

func closestDistance(list []*shortlistEntry) kademlia.ID {
	if len(list) == 0 {
		return kademlia.Max
	}
	return list[0].dist
}

func allQueried(list []*shortlistEntry, k int) bool {
	count := 0
	for _, e := range list {
		if count >= k {
			break
		}
		if !e.queried {
			return false
		}
		count++
	}
	return true
}

func (n *Node) curseContact(id kademlia.ID) {
	b := n.table.Locate(id)
	if c, ok := b.Contacts[id]; ok {
		c.Curse()
	}
}

// responder pairs a get_peers respondent with the token it issued, so
// Advertise can announce_peer back to it afterwards.
type responder struct {
	id    kademlia.ID
	addr  net.Addr
	token string
}

// getPeersResult is the outcome of an iterative get_peers lookup.
type getPeersResult struct {
	peers      []kademlia.Address
	responders []responder
}

// closestResponders sorts responders by XOR distance to target and returns
// at most k of them, so a subsequent announce_peer only ever reaches the k
// closest nodes a lookup actually heard from, not every node it happened to
// query along the way.
func closestResponders(responders []responder, target kademlia.ID, k int) []responder {
	sorted := make([]responder, len(responders))
	copy(sorted, responders)
	sort.Slice(sorted, func(i, j int) bool {
		return kademlia.XORDistance(sorted[i].id, target).Less(kademlia.XORDistance(sorted[j].id, target))
	})
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

// getPeersIterative mirrors findNodeIterative but additionally collects
// values across responses and records (contact, token) pairs for a
// subsequent announce_peer.
func (n *Node) getPeersIterative(ctx context.Context, infohash kademlia.ID) (*getPeersResult, error) {
	list := newShortlist(infohash, n.table.KClosest(infohash, kademlia.K))

	result := &getPeersResult{}
	seenPeers := make(map[string]struct{})

	for {
		batch := nextBatch(list, n.cfg.Alpha)
		if len(batch) == 0 {
			return result, nil
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		learned := make([][]krpc.CompactNode, len(batch))

		for i, e := range batch {
			i, e := i, e
			e.queried = true
			wg.Add(1)
			go func() {
				defer wg.Done()
				udpAddr := &net.UDPAddr{IP: e.addr.IP, Port: e.addr.Port}
				reply, err := n.getPeers(ctx, udpAddr, infohash)
				if err != nil {
					n.curseContact(e.id)
					return
				}

				mu.Lock()
				learned[i] = reply.nodes
				if reply.token != "" {
					result.responders = append(result.responders, responder{id: e.id, addr: udpAddr, token: reply.token})
				}
				for _, p := range reply.peers {
					key := p.String()
					if _, dup := seenPeers[key]; dup {
						continue
					}
					seenPeers[key] = struct{}{}
					result.peers = append(result.peers, p)
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		before := closestDistance(list)
		for _, nodes := range learned {
			list = mergeCandidates(list, infohash, n.selfID, nodes)
		}
		after := closestDistance(list)

		if allQueried(list, kademlia.K) || !after.Less(before) {
			return result, nil
		}
	}
}
