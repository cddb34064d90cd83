package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("test-signing-key")

func signToken(t *testing.T, key []byte, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims(kind string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ActorKind: kind,
		ActorName: "Operator One",
	}
}

func TestParseValidToken(t *testing.T) {
	p := NewTokenParser(testKey)
	actor, err := p.Parse(signToken(t, testKey, validClaims("HUMAN")))
	require.NoError(t, err)
	assert.Equal(t, "operator-1", actor.ID)
	assert.Equal(t, ActorHuman, actor.Kind)
	assert.Equal(t, "Operator One", actor.Name)
}

func TestParseWrongKeyIsUnverifiable(t *testing.T) {
	p := NewTokenParser(testKey)
	tok := signToken(t, []byte("other-key"), validClaims("SYSTEM"))
	_, err := p.Parse(tok)
	assert.ErrorIs(t, err, ErrUnverifiableToken, "forged SYSTEM token must not verify")
}

func TestParseExpiredToken(t *testing.T) {
	p := NewTokenParser(testKey)
	c := validClaims("AGENT")
	c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err := p.Parse(signToken(t, testKey, c))
	assert.ErrorIs(t, err, ErrUnverifiableToken)
}

func TestParseRejectsUnknownKindAndMissingSubject(t *testing.T) {
	p := NewTokenParser(testKey)

	_, err := p.Parse(signToken(t, testKey, validClaims("ROBOT")))
	assert.ErrorIs(t, err, ErrUnverifiableToken)

	c := validClaims("HUMAN")
	c.Subject = ""
	_, err = p.Parse(signToken(t, testKey, c))
	assert.ErrorIs(t, err, ErrUnverifiableToken)
}

func TestActorKindValid(t *testing.T) {
	assert.True(t, ActorHuman.Valid())
	assert.True(t, ActorAgent.Valid())
	assert.True(t, ActorSystem.Valid())
	assert.False(t, ActorKind("").Valid())
	assert.False(t, ActorKind("robot").Valid())
}
