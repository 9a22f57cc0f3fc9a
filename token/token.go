// Package token implements the announce-token authority (BEP-5 C3): short
// opaque tokens an authority issues to a querier so a later announce_peer
// from the same address can be authenticated without per-querier state.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RotationWindow is how long a secret remains valid for verification after
// a newer secret replaces it as the issuing secret.
const RotationWindow = 5 * time.Minute

// secretLen matches the HMAC-SHA1 key size convention used throughout this
// module's wire code: 20 bytes, the same width as a node ID.
const secretLen = 20

// Authority issues and verifies announce tokens. Tokens are
// HMAC(secret, addr), verified against whichever of the two live secrets
// (current or previous) produced them, following a key-rotation pattern
// adapted from session-key rotation to an address-authentication HMAC.
type Authority struct {
	mu       sync.Mutex
	current  [secretLen]byte
	previous [secretLen]byte
	rotateAt time.Time

	now func() time.Time
	log *logrus.Entry
}

// NewAuthority creates a token authority with a freshly random current
// secret and no previous secret (so, for the first RotationWindow, only
// tokens issued this process are accepted).
func NewAuthority() (*Authority, error) {
	a := &Authority{
		now: time.Now,
		log: logrus.WithFields(logrus.Fields{"package": "token"}),
	}
	if err := a.rotate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Authority) rotate() error {
	var next [secretLen]byte
	if _, err := rand.Read(next[:]); err != nil {
		return err
	}
	a.previous = a.current
	a.current = next
	a.rotateAt = a.now().Add(RotationWindow)
	return nil
}

// maybeRotate rotates the current secret into previous, and installs a new
// current secret, once RotationWindow has elapsed since the last rotation.
// Callers hold a.mu.
func (a *Authority) maybeRotate() {
	if a.now().Before(a.rotateAt) {
		return
	}
	if err := a.rotate(); err != nil {
		// crypto/rand failing is unrecoverable; keep serving the old
		// secret rather than issuing tokens no one can later verify.
		a.log.WithError(err).Error("token secret rotation failed")
		return
	}
	a.log.Debug("rotated announce token secret")
}

// Issue returns a token binding addr to the authority's current secret.
func (a *Authority) Issue(addr string) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maybeRotate()
	return mac(a.current, addr)
}

// Verify reports whether token was issued for addr under the current or
// the immediately previous secret.
func (a *Authority) Verify(addr string, token []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maybeRotate()

	if hmac.Equal(token, mac(a.current, addr)) {
		return true
	}
	if a.previous == ([secretLen]byte{}) {
		return false // no previous secret yet
	}
	return hmac.Equal(token, mac(a.previous, addr))
}

func mac(secret [secretLen]byte, addr string) []byte {
	h := hmac.New(sha1.New, secret[:])
	h.Write([]byte(addr))
	return h.Sum(nil)
}
