// Package transport implements the UDP datagram transport the node layer
// sends and receives KRPC messages over: a net.PacketConn wrapped in a
// context.Context-cancellable read loop that hands each datagram to a
// registered handler as opaque bytes, since KRPC's message type lives
// inside the bencoded payload itself rather than in a packet header byte.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxDatagramSize is the largest UDP payload this transport will read.
// BEP-5 messages are small; 2048 bytes leaves ample headroom for a
// get_peers response carrying a full bucket's worth of compact values.
const MaxDatagramSize = 2048

// readDeadline bounds each blocking read so the loop can observe context
// cancellation promptly instead of blocking forever on ReadFrom.
const readDeadline = 100 * time.Millisecond

// Handler processes one inbound datagram. It must not block for long:
// the read loop waits for it to return before reading the next datagram.
type Handler func(data []byte, from net.Addr)

// UDP is a datagram transport bound to a single local UDP port.
type UDP struct {
	conn net.PacketConn

	mu      sync.RWMutex
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	log *logrus.Entry
}

// Listen opens a UDP socket on addr ("" or ":0" picks an ephemeral port)
// and starts its background read loop. Call SetHandler before datagrams
// are expected to be processed; datagrams received before a handler is
// set are silently dropped.
func Listen(addr string) (*UDP, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &UDP{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"package": "transport",
			"addr":    conn.LocalAddr().String(),
		}),
	}
	go u.readLoop()
	return u, nil
}

// LocalAddr returns the socket's bound address, including the OS-assigned
// port when Listen was called with an ephemeral address.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// SetHandler installs the function invoked for every inbound datagram,
// replacing any previous handler.
func (u *UDP) SetHandler(h Handler) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handler = h
}

// Send writes a single datagram to addr.
func (u *UDP) Send(data []byte, addr net.Addr) error {
	_, err := u.conn.WriteTo(data, addr)
	if err != nil {
		return fmt.Errorf("transport: send to %s: %w", addr, err)
	}
	return nil
}

func (u *UDP) readLoop() {
	defer close(u.done)
	buf := make([]byte, MaxDatagramSize)

	for {
		select {
		case <-u.ctx.Done():
			return
		default:
		}

		_ = u.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if u.ctx.Err() != nil {
				return
			}
			u.log.WithError(err).Debug("datagram read failed")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		u.mu.RLock()
		h := u.handler
		u.mu.RUnlock()
		if h != nil {
			h(data, addr)
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Close stops the read loop and releases the socket. It blocks until the
// read loop has observed cancellation and exited.
func (u *UDP) Close() error {
	u.cancel()
	err := u.conn.Close()
	<-u.done
	return err
}
