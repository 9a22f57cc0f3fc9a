package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAndReceiveRoundTrip(t *testing.T) {
	a, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	b, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	received := make(chan []byte, 1)
	b.SetHandler(func(data []byte, from net.Addr) {
		received <- data
	})

	require.NoError(t, a.Send([]byte("hello"), b.LocalAddr()))

	select {
	case got := <-received:
		assert.Equal(t, "hello", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("datagram never arrived")
	}
}

func TestDatagramsBeforeHandlerSetAreDropped(t *testing.T) {
	a, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	b, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send([]byte("early"), b.LocalAddr()))
	time.Sleep(50 * time.Millisecond)

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{}, 1)
	b.SetHandler(func(data []byte, from net.Addr) {
		mu.Lock()
		got = data
		mu.Unlock()
		done <- struct{}{}
	})

	require.NoError(t, a.Send([]byte("late"), b.LocalAddr()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("datagram sent after SetHandler never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "late", string(got))
}

func TestCloseStopsReadLoop(t *testing.T) {
	a, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	select {
	case <-a.done:
	case <-time.After(time.Second):
		t.Fatal("read loop did not exit after Close")
	}
}
