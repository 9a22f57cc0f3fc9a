package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mldht/kademlia"
	"github.com/opd-ai/mldht/peerstore"
	"github.com/opd-ai/mldht/token"
	"github.com/opd-ai/mldht/transaction"
	"github.com/opd-ai/mldht/transport"
)

// EventKind distinguishes the events a Node emits.
type EventKind int

const (
	EventListening EventKind = iota
	EventPeerNew
	EventPeerDelete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventListening:
		return "listening"
	case EventPeerNew:
		return "peer:new"
	case EventPeerDelete:
		return "peer:delete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to every registered Listener.
type Event struct {
	Kind     EventKind
	Addr     net.Addr
	InfoHash kademlia.ID
	PeerAddr kademlia.Address
	Err      error
}

// Listener receives Node events. Implementations must not block.
type Listener func(Event)

// Node orchestrates the routing table, transaction registry, token
// authority, peer store, and wire codec into a running Mainline DHT
// participant.
type Node struct {
	cfg    *Config
	selfID kademlia.ID

	table        *kademlia.RoutingTable
	transactions *transaction.Registry
	tokens       *token.Authority
	peers        *peerstore.Store
	tr           *transport.UDP

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners []Listener
	closed    bool

	log *logrus.Entry
}

// Create binds a node to cfg.Port (0 = OS-assigned), wiring up the
// routing table, transaction registry, token authority, and peer store,
// and starts its background maintenance loops. It emits EventListening
// once the socket is bound, before Create returns; listeners registered
// afterwards with OnEvent do not receive that event.
func Create(cfg *Config) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	selfID, err := kademlia.NewID()
	if err != nil {
		return nil, fmt.Errorf("node: generate self id: %w", err)
	}

	tokens, err := token.NewAuthority()
	if err != nil {
		return nil, fmt.Errorf("node: create token authority: %w", err)
	}

	tr, err := transport.Listen(fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("node: bind transport: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:          cfg,
		selfID:       selfID,
		table:        kademlia.NewRoutingTable(selfID),
		transactions: transaction.NewRegistry(),
		tokens:       tokens,
		peers:        peerstore.New(cfg.PeerTTL),
		tr:           tr,
		ctx:          ctx,
		cancel:       cancel,
		log: logrus.WithFields(logrus.Fields{
			"package": "node",
			"self":    selfID.String(),
		}),
	}

	n.peers.OnEvent(n.onPeerEvent)
	tr.SetHandler(n.onDatagram)

	n.wg.Add(2)
	go n.bucketRefreshLoop()
	go n.contactRepingLoop()

	n.log.WithField("addr", tr.LocalAddr().String()).Info("node listening")
	n.emit(Event{Kind: EventListening, Addr: tr.LocalAddr()})

	return n, nil
}

// SelfID returns the node's own 160-bit identifier.
func (n *Node) SelfID() kademlia.ID { return n.selfID }

// LocalAddr returns the bound UDP address.
func (n *Node) LocalAddr() net.Addr { return n.tr.LocalAddr() }

// OnEvent registers a listener invoked for every Node event.
func (n *Node) OnEvent(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *Node) emit(ev Event) {
	n.mu.Lock()
	listeners := append([]Listener(nil), n.listeners...)
	n.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (n *Node) emitError(err error) {
	n.log.WithError(err).Debug("node error")
	n.emit(Event{Kind: EventError, Err: err})
}

func (n *Node) onPeerEvent(ev peerstore.Event) {
	kind := EventPeerNew
	if ev.Kind == peerstore.EventDelete {
		kind = EventPeerDelete
	}
	n.emit(Event{Kind: kind, InfoHash: ev.InfoHash, PeerAddr: ev.Addr})
}

// Connect seeds the routing table by issuing a find_node for our own id
// against contact.
func (n *Node) Connect(ctx context.Context, contact net.Addr) error {
	_, err := n.findNode(ctx, contact, n.selfID)
	return err
}

// Bootstrap resolves and Connects to every address in cfg.BootstrapNodes.
// Individual failures are reported as error events but do not abort the
// remaining attempts.
func (n *Node) Bootstrap(ctx context.Context) {
	for _, addr := range n.cfg.BootstrapNodes {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			n.emitError(fmt.Errorf("node: resolve bootstrap node %s: %w", addr, err))
			continue
		}
		if err := n.Connect(ctx, udpAddr); err != nil {
			n.emitError(fmt.Errorf("node: bootstrap via %s: %w", addr, err))
		}
	}
}

// Advertise performs an iterative get_peers lookup for infohash, then
// announce_peer to the K closest responders using their issued tokens.
func (n *Node) Advertise(ctx context.Context, infohash kademlia.ID, port int) error {
	result, err := n.getPeersIterative(ctx, infohash)
	if err != nil {
		return fmt.Errorf("node: advertise: get_peers phase: %w", err)
	}

	targets := closestResponders(result.responders, infohash, kademlia.K)

	var lastErr error
	announced := 0
	for _, r := range targets {
		if r.token == "" {
			continue
		}
		if err := n.announcePeer(ctx, r.addr, infohash, port, r.token); err != nil {
			lastErr = err
			continue
		}
		announced++
	}
	if announced == 0 && lastErr != nil {
		return fmt.Errorf("node: advertise: announce phase: %w", lastErr)
	}
	return nil
}

// Close shuts down the node: cancels background loops, clears the
// transaction registry (invoking every pending continuation with
// Cancelled), closes the socket, and closes every bucket.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	n.wg.Wait()

	n.transactions.Close()
	n.table.Close()
	n.peers.Close()
	return n.tr.Close()
}

func (n *Node) now() time.Time { return time.Now() }
