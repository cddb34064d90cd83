// Package identity models the actors that drive loop transitions and
// exercise overrides, and derives them from bearer tokens.
package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ActorKind classifies who is acting.
type ActorKind string

const (
	ActorHuman  ActorKind = "HUMAN"
	ActorAgent  ActorKind = "AGENT"
	ActorSystem ActorKind = "SYSTEM"
)

// Valid reports whether the kind is one of the known values.
func (k ActorKind) Valid() bool {
	switch k {
	case ActorHuman, ActorAgent, ActorSystem:
		return true
	}
	return false
}

// Actor is a resolved identity attached to transitions and override records.
type Actor struct {
	ID   string    `json:"id"`
	Kind ActorKind `json:"kind"`
	Name string    `json:"name,omitempty"`
}

// ErrUnverifiableToken means the token could not be validated. Callers must
// never grant SYSTEM on an unverifiable token; the fallback actor is an
// untrusted AGENT with no id.
var ErrUnverifiableToken = errors.New("identity: unverifiable token")

// Claims are the JWT claims carried by loop engine tokens.
type Claims struct {
	jwt.RegisteredClaims
	ActorKind string `json:"actor_kind"`
	ActorName string `json:"actor_name,omitempty"`
}

// TokenParser validates bearer tokens with an HMAC key.
type TokenParser struct {
	key []byte
}

// NewTokenParser builds a parser for HS256-signed tokens.
func NewTokenParser(key []byte) *TokenParser {
	return &TokenParser{key: key}
}

// Parse validates the token and derives the acting identity. An invalid
// signature, expired token, or missing subject returns
// ErrUnverifiableToken; the kind claim must be a known ActorKind and a
// token may never self-elevate to SYSTEM unless the claim says so and the
// signature verifies.
func (p *TokenParser) Parse(tokenString string) (*Actor, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.key, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnverifiableToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrUnverifiableToken)
	}
	kind := ActorKind(claims.ActorKind)
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown actor kind %q", ErrUnverifiableToken, claims.ActorKind)
	}
	return &Actor{ID: claims.Subject, Kind: kind, Name: claims.ActorName}, nil
}
