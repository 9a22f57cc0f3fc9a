package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveInvokesContinuationOnce(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	var calls int
	var mu sync.Mutex
	done := make(chan struct{}, 1)

	tid, err := r.Register(func(err error, response any, from any) {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- struct{}{}
	}, time.Minute)
	require.NoError(t, err)

	assert.True(t, r.Resolve(tid, "pong", "addr"))
	<-done

	// A second resolve for the same (now-removed) tid must be a no-op.
	assert.False(t, r.Resolve(tid, "pong-again", "addr"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestUnknownTidResolveReturnsFalse(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	assert.False(t, r.Resolve("zz", nil, nil))
}

func TestTimeoutFiresContinuation(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	done := make(chan error, 1)
	_, err := r.Register(func(err error, response any, from any) {
		done <- err
	}, 10*time.Millisecond)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("timeout continuation never fired")
	}
}

func TestLateResponseAfterTimeoutIsIgnored(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	done := make(chan error, 1)
	tid, err := r.Register(func(err error, response any, from any) {
		done <- err
	}, 5*time.Millisecond)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	// The "first of timeout/response wins" guarantee: a response arriving
	// after the timeout already resolved the transaction is dropped.
	assert.False(t, r.Resolve(tid, "late", "addr"))
}

func TestResolveErrorDeliversRemoteError(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	done := make(chan error, 1)
	tid, err := r.Register(func(err error, response any, from any) {
		done <- err
	}, time.Minute)
	require.NoError(t, err)

	remoteErr := &RemoteError{Code: 203, Message: "Bad Token"}
	assert.True(t, r.ResolveError(tid, remoteErr))

	err = <-done
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 203, re.Code)
}

func TestCloseCancelsAllPending(t *testing.T) {
	r := NewRegistry()

	const n = 5
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		_, err := r.Register(func(err error, response any, from any) {
			done <- err
		}, time.Minute)
		require.NoError(t, err)
	}

	r.Close()

	for i := 0; i < n; i++ {
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrCancelled)
		case <-time.After(time.Second):
			t.Fatal("cancellation never fired for all pending transactions")
		}
	}

	_, err := r.Register(func(error, any, any) {}, time.Minute)
	assert.Error(t, err, "registry must reject new registrations after Close")
}

func TestReentrantRegisterFromContinuation(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	done := make(chan struct{}, 1)
	var second string
	tid, err := r.Register(func(err error, response any, from any) {
		var regErr error
		second, regErr = r.Register(func(error, any, any) {
			done <- struct{}{}
		}, time.Minute)
		require.NoError(t, regErr)
	}, time.Minute)
	require.NoError(t, err)

	require.True(t, r.Resolve(tid, nil, nil))
	require.True(t, r.Resolve(second, nil, nil))
	<-done
}
