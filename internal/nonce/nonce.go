// Package nonce issues and checks the anti-forgery token that guards the
// selection form. A token is bound to an action, a user and an item, and
// stays valid for one to two half-lifetimes.
package nonce

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Action names the form a nonce belongs to
const Action = "social_publish_meta_box"

// Issuer creates and verifies nonces
type Issuer struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewIssuer creates an issuer. An empty secret gets a random per-process key,
// so nonces do not survive a restart.
func NewIssuer(secret string, lifetime time.Duration) *Issuer {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	return &Issuer{secret: key, lifetime: lifetime, now: time.Now}
}

func (i *Issuer) tick() int64 {
	half := int64(i.lifetime / 2)
	return i.now().UnixNano()/half + 1
}

func (i *Issuer) sign(tick int64, action, userID, itemID string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(strings.Join([]string{strconv.FormatInt(tick, 10), action, userID, itemID}, "|")))
	return hex.EncodeToString(mac.Sum(nil))[:20]
}

// Create returns a nonce for the current tick
func (i *Issuer) Create(action, userID, itemID string) string {
	return i.sign(i.tick(), action, userID, itemID)
}

// Verify accepts nonces from the current and the previous tick
func (i *Issuer) Verify(token, action, userID, itemID string) bool {
	if token == "" {
		return false
	}
	t := i.tick()
	for _, candidate := range []int64{t, t - 1} {
		if hmac.Equal([]byte(token), []byte(i.sign(candidate, action, userID, itemID))) {
			return true
		}
	}
	return false
}
