package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mldht/kademlia"
	"github.com/opd-ai/mldht/krpc"
	"github.com/opd-ai/mldht/transaction"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ResponseTimeout = time.Second
	cfg.BucketRefreshInterval = time.Hour
	cfg.ContactRepingInterval = time.Hour
	return cfg
}

func mustCreate(t *testing.T) *Node {
	t.Helper()
	n, err := Create(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestPingRoundTripUpdatesRoutingTable(t *testing.T) {
	a := mustCreate(t)
	b := mustCreate(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := a.ping(ctx, b.LocalAddr())
	require.NoError(t, err)
	require.NotNil(t, resp.msg.R)
	assert.Equal(t, raw(b.selfID), resp.msg.R.ID)

	_, ok := a.table.Locate(b.selfID).Contacts[b.selfID]
	assert.True(t, ok, "a should hold b after b answered its ping")
}

func TestConnectSeedsRoutingTableBothWays(t *testing.T) {
	a := mustCreate(t)
	b := mustCreate(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Connect(ctx, b.LocalAddr()))

	bucket := b.table.Locate(a.selfID)
	_, ok := bucket.Contacts[a.selfID]
	assert.True(t, ok, "b should have observed a via the find_node it answered")

	_, ok = a.table.Locate(b.selfID).Contacts[b.selfID]
	assert.True(t, ok, "a should have observed b via the find_node response")
}

func TestFindNodeIterativePopulatesShortlist(t *testing.T) {
	a := mustCreate(t)
	b := mustCreate(t)
	c := mustCreate(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// a learns about b, and b learns about c, so a's lookup for c's id
	// should discover c via b.
	require.NoError(t, a.Connect(ctx, b.LocalAddr()))
	require.NoError(t, b.Connect(ctx, c.LocalAddr()))

	list, err := a.findNodeIterative(ctx, c.selfID)
	require.NoError(t, err)

	var found bool
	for _, e := range list {
		if e.id.Equal(c.selfID) {
			found = true
		}
	}
	assert.True(t, found, "iterative find_node should surface c via b")
}

func TestGetPeersWithoutPeersReturnsTokenNotValues(t *testing.T) {
	a := mustCreate(t)
	b := mustCreate(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var ih kademlia.ID
	ih[0] = 0xAB

	reply, err := a.getPeers(ctx, b.LocalAddr(), ih)
	require.NoError(t, err)
	assert.Empty(t, reply.peers)
	assert.NotEmpty(t, reply.token, "get_peers must always return a token")
}

func TestAnnounceThenGetPeersReturnsValues(t *testing.T) {
	a := mustCreate(t)
	b := mustCreate(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var ih kademlia.ID
	ih[0] = 0xCD

	// Obtain a token from b the way Advertise would.
	firstReply, err := a.getPeers(ctx, b.LocalAddr(), ih)
	require.NoError(t, err)
	require.NotEmpty(t, firstReply.token)

	require.NoError(t, a.announcePeer(ctx, b.LocalAddr(), ih, 6881, firstReply.token))

	peers := b.peers.Get(ih)
	require.Len(t, peers, 1)
	assert.Equal(t, 6881, peers[0].Port)

	secondReply, err := a.getPeers(ctx, b.LocalAddr(), ih)
	require.NoError(t, err)
	require.Len(t, secondReply.peers, 1)
	assert.Equal(t, 6881, secondReply.peers[0].Port)
}

func TestAnnouncePeerWithBadTokenIsRejected(t *testing.T) {
	a := mustCreate(t)
	b := mustCreate(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var ih kademlia.ID
	ih[0] = 0xEF

	err := a.announcePeer(ctx, b.LocalAddr(), ih, 6881, "not-a-real-token")
	require.Error(t, err)

	var remoteErr *transaction.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, krpc.ErrCodeProtocol, remoteErr.Code)
	assert.Empty(t, b.peers.Get(ih))
}

func TestUnknownMethodRespondsMethodUnknown(t *testing.T) {
	a := mustCreate(t)
	b := mustCreate(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := a.send(ctx, b.LocalAddr(), "not_a_real_method", &krpc.QueryArgs{})
	require.Error(t, err)

	var remoteErr *transaction.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, krpc.ErrCodeMethodUnknown, remoteErr.Code)
}

func TestPingToClosedNodeFails(t *testing.T) {
	a, err := Create(testConfig())
	require.NoError(t, err)

	b, err := Create(testConfig())
	require.NoError(t, err)
	// b is closed before a's query can be answered, forcing a to observe
	// closure-equivalent cancellation (timeout) rather than hang forever.
	require.NoError(t, b.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err = a.ping(ctx, b.LocalAddr())
	assert.Error(t, err)
	require.NoError(t, a.Close())
}
