package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/opd-ai/mldht/kademlia"
	"github.com/opd-ai/mldht/krpc"
	"github.com/opd-ai/mldht/transaction"
)

// response is the decoded payload handed to a transaction's continuation
// on success: either a find_node/get_peers/ping reply's return values.
type response struct {
	msg *krpc.Message
}

// onDatagram is the transport.Handler installed on the UDP socket: it
// decodes and validates the envelope, then branches on y.
func (n *Node) onDatagram(data []byte, from net.Addr) {
	msg, err := krpc.Decode(data)
	if err != nil {
		// Malformed messages are silently dropped; at most one error event
		// is emitted for diagnostics.
		n.emitError(fmt.Errorf("node: malformed datagram from %s: %w", from, err))
		return
	}

	switch msg.Y {
	case krpc.TypeResponse:
		n.transactions.Resolve(msg.T, &response{msg: msg}, from)
	case krpc.TypeError:
		payload, err := msg.Error()
		if err != nil {
			n.emitError(fmt.Errorf("node: malformed error payload from %s: %w", from, err))
			return
		}
		n.transactions.ResolveError(msg.T, &transaction.RemoteError{Code: payload.Code, Message: payload.Message})
	case krpc.TypeQuery:
		n.handleQuery(msg, from)
	}
}

// handleQuery observes the querying node, then dispatches by method name.
func (n *Node) handleQuery(msg *krpc.Message, from net.Addr) {
	id, err := kademlia.IDFromBytes([]byte(msg.A.ID))
	if err != nil {
		return // drop: a.id must be a 20-byte string
	}

	addr := toKademliaAddr(from)
	n.table.Observe(id, addr, n.now())

	switch msg.Q {
	case krpc.MethodPing:
		n.replyOK(msg.T, from, &krpc.ReturnValues{ID: raw(n.selfID)})
	case krpc.MethodFindNode:
		n.handleFindNode(msg, from)
	case krpc.MethodGetPeers:
		n.handleGetPeers(msg, from, addr)
	case krpc.MethodAnnouncePeer:
		n.handleAnnouncePeer(msg, from, addr)
	default:
		n.replyError(msg.T, from, krpc.ErrCodeMethodUnknown, "Method Unknown")
	}
}

func (n *Node) handleFindNode(msg *krpc.Message, from net.Addr) {
	if err := krpc.ValidateTarget(msg.A); err != nil {
		return
	}
	target, err := kademlia.IDFromBytes([]byte(msg.A.Target))
	if err != nil {
		return
	}
	nodes := n.compactClosest(target)
	n.replyOK(msg.T, from, &krpc.ReturnValues{ID: raw(n.selfID), Nodes: nodes})
}

func (n *Node) handleGetPeers(msg *krpc.Message, from net.Addr, addr kademlia.Address) {
	if err := krpc.ValidateInfoHash(msg.A); err != nil {
		return
	}
	ih, err := kademlia.IDFromBytes([]byte(msg.A.InfoHash))
	if err != nil {
		return
	}

	tok := n.tokens.Issue(addr.String())
	if peers := n.peers.Get(ih); len(peers) > 0 {
		n.replyOK(msg.T, from, &krpc.ReturnValues{
			ID:     raw(n.selfID),
			Token:  string(tok),
			Values: krpc.EncodeCompactPeers(peers),
		})
		return
	}
	n.replyOK(msg.T, from, &krpc.ReturnValues{
		ID:    raw(n.selfID),
		Token: string(tok),
		Nodes: n.compactClosest(ih),
	})
}

func (n *Node) handleAnnouncePeer(msg *krpc.Message, from net.Addr, addr kademlia.Address) {
	if err := krpc.ValidateInfoHash(msg.A); err != nil {
		return
	}
	ih, err := kademlia.IDFromBytes([]byte(msg.A.InfoHash))
	if err != nil {
		return
	}
	if !n.tokens.Verify(addr.String(), []byte(msg.A.Token)) {
		n.replyError(msg.T, from, krpc.ErrCodeProtocol, "Bad Token")
		return
	}

	port := addr.Port
	if msg.A.ImpliedPort == 0 && msg.A.Port != 0 {
		port = msg.A.Port
	}
	n.peers.Add(ih, kademlia.Address{IP: addr.IP, Port: port})
	n.replyOK(msg.T, from, &krpc.ReturnValues{ID: raw(n.selfID)})
}

func (n *Node) compactClosest(target kademlia.ID) string {
	contacts := n.table.KClosest(target, kademlia.K)
	nodes := make([]krpc.CompactNode, 0, len(contacts))
	for _, c := range contacts {
		nodes = append(nodes, krpc.CompactNode{ID: c.ID, Addr: c.Addr})
	}
	return krpc.EncodeCompactNodes(nodes)
}

func (n *Node) replyOK(tid string, to net.Addr, r *krpc.ReturnValues) {
	n.sendMessage(krpc.NewResponse(tid, r), to)
}

func (n *Node) replyError(tid string, to net.Addr, code int, message string) {
	n.sendMessage(krpc.NewError(tid, code, message), to)
}

func (n *Node) sendMessage(msg *krpc.Message, to net.Addr) {
	data, err := krpc.Encode(msg)
	if err != nil {
		n.emitError(fmt.Errorf("node: encode outbound message: %w", err))
		return
	}
	if err := n.tr.Send(data, to); err != nil {
		n.emitError(fmt.Errorf("node: send to %s: %w", to, err))
	}
}

// send fills a.id, registers a transaction, and emits the datagram. It
// suspends until the transaction resolves or times out.
func (n *Node) send(ctx context.Context, to net.Addr, method string, args *krpc.QueryArgs) (*response, net.Addr, error) {
	args.ID = raw(n.selfID)

	type result struct {
		resp *response
		from net.Addr
		err  error
	}
	done := make(chan result, 1)

	tid, err := n.transactions.Register(func(err error, resp any, from any) {
		if err != nil {
			done <- result{err: err}
			return
		}
		r, _ := resp.(*response)
		a, _ := from.(net.Addr)
		done <- result{resp: r, from: a}
	}, n.cfg.ResponseTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("node: register transaction: %w", err)
	}

	n.sendMessage(krpc.NewQuery(tid, method, args), to)

	select {
	case r := <-done:
		if r.err != nil {
			return nil, nil, r.err
		}
		return r.resp, r.from, nil
	case <-ctx.Done():
		n.transactions.Cancel(tid)
		return nil, nil, ctx.Err()
	case <-n.ctx.Done():
		n.transactions.Cancel(tid)
		return nil, nil, errors.New("node: closed")
	}
}

func (n *Node) ping(ctx context.Context, to net.Addr) (*response, error) {
	resp, from, err := n.send(ctx, to, krpc.MethodPing, &krpc.QueryArgs{})
	if err != nil {
		return nil, err
	}
	n.observeResponder(resp, from)
	return resp, nil
}

func (n *Node) findNode(ctx context.Context, to net.Addr, target kademlia.ID) ([]krpc.CompactNode, error) {
	resp, from, err := n.send(ctx, to, krpc.MethodFindNode, &krpc.QueryArgs{Target: raw(target)})
	if err != nil {
		return nil, err
	}
	n.observeResponder(resp, from)
	if resp.msg.R.Nodes == "" {
		return nil, nil
	}
	return krpc.DecodeCompactNodes(resp.msg.R.Nodes)
}

type getPeersReply struct {
	nodes []krpc.CompactNode
	peers []kademlia.Address
	token string
}

func (n *Node) getPeers(ctx context.Context, to net.Addr, infohash kademlia.ID) (*getPeersReply, error) {
	resp, from, err := n.send(ctx, to, krpc.MethodGetPeers, &krpc.QueryArgs{InfoHash: raw(infohash)})
	if err != nil {
		return nil, err
	}
	n.observeResponder(resp, from)

	out := &getPeersReply{token: resp.msg.R.Token}
	if resp.msg.R.Nodes != "" {
		nodes, err := krpc.DecodeCompactNodes(resp.msg.R.Nodes)
		if err != nil {
			return nil, fmt.Errorf("node: decode nodes: %w", err)
		}
		out.nodes = nodes
	}
	if len(resp.msg.R.Values) > 0 {
		peers, err := krpc.DecodeCompactPeers(resp.msg.R.Values)
		if err != nil {
			return nil, fmt.Errorf("node: decode values: %w", err)
		}
		out.peers = peers
	}
	return out, nil
}

func (n *Node) announcePeer(ctx context.Context, to net.Addr, infohash kademlia.ID, port int, tok string) error {
	_, _, err := n.send(ctx, to, krpc.MethodAnnouncePeer, &krpc.QueryArgs{
		InfoHash: raw(infohash),
		Port:     port,
		Token:    tok,
	})
	return err
}

// observeResponder records a peer that answered an RPC we originated: it
// gets inserted or refreshed in the routing table like any observed
// contact, and additionally thanked, clearing any prior failure count,
// since this observation is backed by a completed round trip rather than
// just an inbound query.
func (n *Node) observeResponder(resp *response, from net.Addr) {
	if resp == nil || resp.msg.R == nil || from == nil {
		return
	}
	id, err := kademlia.IDFromBytes([]byte(resp.msg.R.ID))
	if err != nil {
		return
	}
	addr := toKademliaAddr(from)
	if !n.table.Observe(id, addr, n.now()) {
		return
	}
	if c, ok := n.table.Locate(id).Contacts[id]; ok {
		c.Thank(n.now())
	}
}

func toKademliaAddr(a net.Addr) kademlia.Address {
	udp, ok := a.(*net.UDPAddr)
	if ok {
		return kademlia.Address{IP: udp.IP, Port: udp.Port}
	}
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return kademlia.Address{}
	}
	p, _ := strconv.Atoi(port)
	return kademlia.Address{IP: net.ParseIP(host), Port: p}
}

// raw returns id's bytes as a string, the form KRPC's bencoded byte-string
// fields (id/target/info_hash) carry on the wire.
func raw(id kademlia.ID) string {
	return string(id.Bytes())
}

