package peerstore

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mldht/kademlia"
)

func testAddr(port int) kademlia.Address {
	return kademlia.Address{IP: net.ParseIP("192.0.2.1"), Port: port}
}

func testInfohash(b byte) kademlia.ID {
	var id kademlia.ID
	id[0] = b
	return id
}

func TestAddFirstAppearanceIsNew(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	ih := testInfohash(1)
	assert.True(t, s.Add(ih, testAddr(6881)))
}

func TestReannounceIsNotNewAndRenews(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	ih := testInfohash(1)
	a := testAddr(6881)
	require.True(t, s.Add(ih, a))
	assert.False(t, s.Add(ih, a), "re-announcing the same peer must not report new")

	got := s.Get(ih)
	require.Len(t, got, 1)
}

func TestGetOnMissingInfohashReturnsNilWithoutAllocating(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()
	assert.Nil(t, s.Get(testInfohash(99)))
	assert.Equal(t, 0, s.Len())
}

func TestEventOrderingNewBeforeDelete(t *testing.T) {
	s := New(20 * time.Millisecond)
	defer s.Close()

	var mu sync.Mutex
	var kinds []EventKind
	done := make(chan struct{}, 1)

	s.OnEvent(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
		if ev.Kind == EventDelete {
			done <- struct{}{}
		}
	})

	ih := testInfohash(2)
	s.Add(ih, testAddr(1))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("peer record never expired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, kinds, 2)
	assert.Equal(t, EventNew, kinds[0])
	assert.Equal(t, EventDelete, kinds[1])
}

func TestExpiryRemovesEmptyInfohash(t *testing.T) {
	s := New(10 * time.Millisecond)
	defer s.Close()

	ih := testInfohash(3)
	done := make(chan struct{}, 1)
	s.OnEvent(func(ev Event) {
		if ev.Kind == EventDelete {
			done <- struct{}{}
		}
	})
	s.Add(ih, testAddr(1))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expiry never fired")
	}

	assert.Nil(t, s.Get(ih))
}

func TestDuplicateDetectionComparesFullAddress(t *testing.T) {
	// Duplicate detection must compare the whole address, not a tautology
	// like port != port which is always false.
	s := New(time.Hour)
	defer s.Close()

	ih := testInfohash(4)
	require.True(t, s.Add(ih, testAddr(1)))
	assert.True(t, s.Add(ih, testAddr(2)), "a distinct port is a distinct peer, so this must be new")

	got := s.Get(ih)
	assert.Len(t, got, 2)
}
