// Package transaction implements request/response correlation over
// unreliable UDP (BEP-5 C2): allocates transaction ids, matches inbound
// responses/errors back to the outbound query that caused them, and
// enforces a per-transaction response timeout.
//
// Built as a general-purpose outstanding-request table, driven by
// per-transaction timers and Close, whose continuations are guaranteed to
// fire exactly once.
package transaction

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout is how long a query waits for a response before its
// continuation is invoked with TimeoutError.
const DefaultTimeout = 5 * time.Second

// maxIDRetries bounds how many times Register retries a colliding 2-byte
// transaction id before widening to 3 bytes. The wire protocol treats t as
// an opaque byte string of any length, so widening costs nothing.
const maxIDRetries = 8

// ErrCancelled is the error delivered to every pending continuation when
// the registry is closed.
var ErrCancelled = errors.New("transaction: cancelled")

// ErrTimeout is the error delivered to a continuation whose response never
// arrived within its deadline.
var ErrTimeout = errors.New("transaction: timed out")

// RemoteError reports a KRPC error reply (y='e') received for a
// transaction.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Continuation is invoked exactly once to resolve a transaction: with a
// nil error and the response payload on success, or with a non-nil error
// (ErrTimeout, ErrCancelled, or *RemoteError) otherwise. from is nil on
// timeout/cancel.
type Continuation func(err error, response any, from any)

type entry struct {
	continuation Continuation
	timer        *time.Timer
	resolved     bool
}

// Registry is the transaction table. The zero value is not usable; use
// NewRegistry.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	log *logrus.Entry
}

// NewRegistry creates an empty transaction registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		log:     logrus.WithFields(logrus.Fields{"package": "transaction"}),
	}
}

// Register allocates a transaction id, schedules continuation to fire with
// ErrTimeout after timeout (or DefaultTimeout if zero), and returns the id
// to embed in the outbound query's `t` field.
func (r *Registry) Register(continuation Continuation, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", errors.New("transaction: registry is closed")
	}

	tid, err := r.allocateLocked()
	if err != nil {
		return "", err
	}

	e := &entry{continuation: continuation}
	e.timer = time.AfterFunc(timeout, func() { r.fireTimeout(tid) })
	r.entries[tid] = e

	return tid, nil
}

// allocateLocked generates a transaction id not already outstanding,
// retrying a 2-byte random id up to maxIDRetries times before falling back
// to a 3-byte id (which cannot plausibly collide at any realistic
// outstanding-transaction count).
func (r *Registry) allocateLocked() (string, error) {
	for i := 0; i < maxIDRetries; i++ {
		tid, err := randomBytes(2)
		if err != nil {
			return "", err
		}
		if _, exists := r.entries[tid]; !exists {
			return tid, nil
		}
	}
	tid, err := randomBytes(3)
	if err != nil {
		return "", err
	}
	return tid, nil
}

func randomBytes(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Resolve delivers a successful response to the transaction named by tid.
// It reports whether tid was a known, still-pending transaction; an
// unknown tid is the caller's cue to silently drop the datagram.
func (r *Registry) Resolve(tid string, response any, from any) bool {
	e := r.takeLocked(tid)
	if e == nil {
		return false
	}
	e.continuation(nil, response, from)
	return true
}

// ResolveError delivers a KRPC error reply to the transaction named by
// tid, reporting whether tid was known.
func (r *Registry) ResolveError(tid string, remoteErr *RemoteError) bool {
	e := r.takeLocked(tid)
	if e == nil {
		return false
	}
	e.continuation(remoteErr, nil, nil)
	return true
}

// Cancel silently drops a transaction without invoking its continuation
// (e.g. the caller decided the query is moot). Unlike Resolve/timeout,
// Cancel does not fire the continuation at all.
func (r *Registry) Cancel(tid string) {
	r.takeLocked(tid)
}

// takeLocked removes and returns the entry for tid if it is still
// pending, stopping its timer. Returns nil if tid is unknown or was
// already resolved — this is the single choke point that guarantees a
// continuation fires at most once even if a timeout and a late response
// race.
func (r *Registry) takeLocked(tid string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[tid]
	if !ok {
		return nil
	}
	delete(r.entries, tid)
	e.timer.Stop()
	return e
}

func (r *Registry) fireTimeout(tid string) {
	e := r.takeLocked(tid)
	if e == nil {
		// already resolved by a response that won the race
		return
	}
	e.continuation(ErrTimeout, nil, nil)
}

// Len reports the number of outstanding transactions, for diagnostics and
// resource-bound tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close cancels every pending transaction with ErrCancelled and rejects
// further Register calls. No continuation fires after Close returns.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	pending := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range pending {
		e.timer.Stop()
		e.continuation(ErrCancelled, nil, nil)
	}
}
