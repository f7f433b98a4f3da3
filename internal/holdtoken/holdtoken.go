package holdtoken

import (
	"errors"
	"time"

	"github.com/gorilla/securecookie"
)

var ErrInvalid = errors.New("invalid hold token")

const tokenName = "spotalloc_hold"

// Claims is what a token binds: one reservation's hold until its deadline.
type Claims struct {
	ReservationID string    `json:"rid"`
	ResourceID    string    `json:"sid"`
	ExpiresAt     time.Time `json:"exp"`
}

// Issuer mints and checks hold tokens handed to the payment collaborator.
// A nil or disabled Issuer issues empty tokens and accepts anything.
type Issuer struct {
	sc *securecookie.SecureCookie
}

// New returns an Issuer. Empty keys disable tokens.
func New(hashKey, blockKey []byte, maxAge time.Duration) *Issuer {
	if len(hashKey) == 0 {
		return &Issuer{}
	}
	if len(blockKey) == 0 {
		blockKey = nil
	}
	sc := securecookie.New(hashKey, blockKey)
	sc.SetSerializer(securecookie.JSONEncoder{})
	if maxAge > 0 {
		// keep a margin over the hold TTL so confirm at the deadline still decodes
		sc.MaxAge(int((maxAge + time.Minute).Seconds()))
	}
	return &Issuer{sc: sc}
}

func (i *Issuer) Enabled() bool {
	return i != nil && i.sc != nil
}

func (i *Issuer) Issue(c Claims) (string, error) {
	if !i.Enabled() {
		return "", nil
	}
	return i.sc.Encode(tokenName, c)
}

// Verify decodes token and checks it was issued for reservationID.
// Expiry of the hold itself is left to the allocator, which owns the clock.
func (i *Issuer) Verify(token, reservationID string) (Claims, error) {
	if !i.Enabled() {
		return Claims{ReservationID: reservationID}, nil
	}
	if token == "" {
		return Claims{}, ErrInvalid
	}
	var c Claims
	if err := i.sc.Decode(tokenName, token, &c); err != nil {
		return Claims{}, ErrInvalid
	}
	if c.ReservationID != reservationID {
		return Claims{}, ErrInvalid
	}
	return c, nil
}
