package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredential means no usable SHOP bearer token is available. A
// session must not attempt to connect as SHOP in that case.
var ErrNoCredential = errors.New("identity: no valid credential")

// TokenKey is the fixed key under which the SHOP bearer token is
// persisted by the host application.
const TokenKey = "chat.shop_token"

// TokenSource supplies the SHOP bearer credential.
type TokenSource interface {
	// Token returns a credential believed to still be valid, or
	// ErrNoCredential.
	Token() (string, error)
}

// StaticSource is a TokenSource holding a fixed token.
type StaticSource string

func (s StaticSource) Token() (string, error) {
	if s == "" {
		return "", ErrNoCredential
	}
	return string(s), nil
}

// BearerSource reads a JWT from a KV store and refuses to hand out an
// expired one. The client side holds no signing key, so the token is
// parsed unverified; signature verification stays the gateway's job.
type BearerSource struct {
	Store KV
	Key   string // defaults to TokenKey

	// Now overrides the expiry reference time in tests.
	Now func() time.Time
}

func (b *BearerSource) Token() (string, error) {
	key := b.Key
	if key == "" {
		key = TokenKey
	}
	raw, err := b.Store.Get(key)
	if err != nil || raw == "" {
		return "", ErrNoCredential
	}

	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return "", ErrNoCredential
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil {
		return "", ErrNoCredential
	}
	if exp != nil && !exp.After(b.now()) {
		return "", ErrNoCredential
	}
	return raw, nil
}

func (b *BearerSource) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}
