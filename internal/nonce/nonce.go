// Package nonce issues and checks the short-lived tokens embedded in forms.
//
// A nonce is valid for one lifetime, split in two ticks: Verify returns 1
// when the nonce was issued in the current tick and 2 when it was issued in
// the previous one.
package nonce

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// DefaultLifetime is how long a nonce stays valid.
const DefaultLifetime = 24 * time.Hour

// nonceLen is the number of hex characters kept from the MAC.
const nonceLen = 12

// Verify results.
const (
	Invalid  = 0
	Current  = 1
	Previous = 2
)

// Issuer creates and verifies nonces with one secret.
type Issuer struct {
	secret   []byte
	lifetime time.Duration
}

// MinLifetime is the shortest lifetime an Issuer accepts.
const MinLifetime = 2 * time.Second

// NewIssuer creates an Issuer. lifetime <= 0 uses DefaultLifetime and a
// positive lifetime below MinLifetime is raised to it.
func NewIssuer(secret []byte, lifetime time.Duration) *Issuer {
	switch {
	case lifetime <= 0:
		lifetime = DefaultLifetime
	case lifetime < MinLifetime:
		lifetime = MinLifetime
	}
	return &Issuer{secret: append([]byte(nil), secret...), lifetime: lifetime}
}

// Create returns the nonce for action and user at now.
func (i *Issuer) Create(action, user string, now time.Time) string {
	return i.sign(i.tick(now), action, user)
}

// Verify checks nonce for action and user at now and reports which tick
// issued it, or Invalid.
func (i *Issuer) Verify(nonce, action, user string, now time.Time) int {
	if nonce == "" {
		return Invalid
	}
	tick := i.tick(now)
	if hmac.Equal([]byte(nonce), []byte(i.sign(tick, action, user))) {
		return Current
	}
	if hmac.Equal([]byte(nonce), []byte(i.sign(tick-1, action, user))) {
		return Previous
	}
	return Invalid
}

// tick counts half-lifetimes since the epoch, rounding up.
func (i *Issuer) tick(now time.Time) int64 {
	half := int64(i.lifetime / 2)
	n := now.UnixNano()
	t := n / half
	if n%half != 0 {
		t++
	}
	return t
}

func (i *Issuer) sign(tick int64, action, user string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(strconv.FormatInt(tick, 10)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(action))
	mac.Write([]byte{'|'})
	mac.Write([]byte(user))
	return hex.EncodeToString(mac.Sum(nil))[:nonceLen]
}
