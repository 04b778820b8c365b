package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/alwitt/iotrelay/models"
	"github.com/alwitt/iotrelay/storage"
)

const testSecret = "unit-test-secret-0123456789"

func signToken(t *testing.T, method jwt.SigningMethod, secret, subject string, ttl time.Duration) string {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	assert.Nil(t, err)
	return signed
}

func TestTokenVerifier(t *testing.T) {
	assert := assert.New(t)

	// Case 0: bad parameters
	{
		_, err := NewTokenVerifier(TokenVerifierParams{Secret: "", Algorithm: "HS256"})
		assert.NotNil(err)
		_, err = NewTokenVerifier(TokenVerifierParams{Secret: testSecret, Algorithm: "RS256"})
		assert.NotNil(err)
	}

	uut, err := NewTokenVerifier(TokenVerifierParams{Secret: testSecret, Algorithm: "HS256"})
	assert.Nil(err)

	// Case 1: valid token
	{
		claims, err := uut.Verify(signToken(t, jwt.SigningMethodHS256, testSecret, "alice", time.Minute))
		assert.Nil(err)
		assert.Equal("alice", claims.Subject)
		assert.True(claims.ExpiresAt.After(time.Now()))
	}

	// Case 2: expired
	{
		_, err := uut.Verify(signToken(t, jwt.SigningMethodHS256, testSecret, "alice", -time.Minute))
		assert.NotNil(err)
	}

	// Case 3: wrong secret
	{
		_, err := uut.Verify(
			signToken(t, jwt.SigningMethodHS256, "some-other-secret-0123", "alice", time.Minute),
		)
		assert.NotNil(err)
	}

	// Case 4: wrong algorithm
	{
		_, err := uut.Verify(signToken(t, jwt.SigningMethodHS512, testSecret, "alice", time.Minute))
		assert.NotNil(err)
	}

	// Case 5: malformed, empty, or missing subject
	{
		_, err := uut.Verify("not.a.token")
		assert.NotNil(err)
		_, err = uut.Verify("  ")
		assert.NotNil(err)
		_, err = uut.Verify(signToken(t, jwt.SigningMethodHS256, testSecret, "", time.Minute))
		assert.NotNil(err)
	}

	// Case 6: token with no expiry
	{
		noExp, err := jwt.NewWithClaims(
			jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"},
		).SignedString([]byte(testSecret))
		assert.Nil(err)
		_, err = uut.Verify(noExp)
		assert.NotNil(err)
	}
}

type brokenDirectory struct{}

func (brokenDirectory) FindByUserName(context.Context, string) (models.User, error) {
	return models.User{}, fmt.Errorf("database unavailable")
}

func TestConnectionAuthorizer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt := context.Background()
	store := storage.NewMemoryStore()
	alice, err := store.CreateUser(ctxt, "alice")
	assert.Nil(err)
	_, err = store.CreateUser(ctxt, "bob")
	assert.Nil(err)
	dev, err := store.CreateDevice(ctxt, models.NewDevice{
		Name: "thermo", DataTopic: "t/1/data", CommandTopic: "t/1/cmd",
	})
	assert.Nil(err)
	assert.Nil(store.Assign(ctxt, alice.ID, dev.ID))

	verifier, err := NewTokenVerifier(TokenVerifierParams{
		Secret: testSecret, Algorithm: "HS256", Leeway: time.Second,
	})
	assert.Nil(err)
	uut := NewConnectionAuthorizer(verifier, store, store)

	aliceToken := signToken(t, jwt.SigningMethodHS256, testSecret, "alice", time.Minute)
	bobToken := signToken(t, jwt.SigningMethodHS256, testSecret, "bob", time.Minute)

	rejectReason := func(err error) RejectReason {
		reason, ok := RejectReasonOf(err)
		assert.True(ok)
		return reason
	}

	// Case 1: admitted
	{
		admission, err := uut.Authorize(ctxt, HandshakeRequest{DeviceID: dev.ID, Token: aliceToken})
		assert.Nil(err)
		assert.Equal(alice.ID, admission.UserID)
		assert.Equal("alice", admission.UserName)
		assert.Equal(dev.ID, admission.DeviceID)
	}

	// Case 2: malformed device ID is checked first
	{
		_, err := uut.Authorize(ctxt, HandshakeRequest{DeviceID: "not-a-uuid", Token: "garbage"})
		assert.Equal(ReasonInvalidDevice, rejectReason(err))
		_, err = uut.Authorize(ctxt, HandshakeRequest{DeviceID: "", Token: aliceToken})
		assert.Equal(ReasonInvalidDevice, rejectReason(err))
	}

	// Case 3: bad token
	{
		_, err := uut.Authorize(ctxt, HandshakeRequest{DeviceID: dev.ID, Token: ""})
		assert.Equal(ReasonInvalidToken, rejectReason(err))
		expired := signToken(t, jwt.SigningMethodHS256, testSecret, "alice", -time.Hour)
		_, err = uut.Authorize(ctxt, HandshakeRequest{DeviceID: dev.ID, Token: expired})
		assert.Equal(ReasonInvalidToken, rejectReason(err))
	}

	// Case 4: unknown user
	{
		ghost := signToken(t, jwt.SigningMethodHS256, testSecret, "ghost", time.Minute)
		_, err := uut.Authorize(ctxt, HandshakeRequest{DeviceID: dev.ID, Token: ghost})
		assert.Equal(ReasonUnknownUser, rejectReason(err))
	}

	// Case 5: not the owner
	{
		_, err := uut.Authorize(ctxt, HandshakeRequest{DeviceID: dev.ID, Token: bobToken})
		assert.Equal(ReasonNotOwner, rejectReason(err))
		_, err = uut.Authorize(
			ctxt, HandshakeRequest{DeviceID: uuid.New().String(), Token: aliceToken},
		)
		assert.Equal(ReasonNotOwner, rejectReason(err))
	}

	// Case 6: directory failure
	{
		broken := NewConnectionAuthorizer(verifier, brokenDirectory{}, store)
		_, err := broken.Authorize(ctxt, HandshakeRequest{DeviceID: dev.ID, Token: aliceToken})
		assert.Equal(ReasonLookupFailure, rejectReason(err))
	}

	// Case 7: identity context helpers
	{
		_, ok := IdentityFromContext(ctxt)
		assert.False(ok)
		identity, err := uut.Authenticate(ctxt, aliceToken)
		assert.Nil(err)
		found, ok := IdentityFromContext(WithIdentity(ctxt, identity))
		assert.True(ok)
		assert.Equal(alice.ID, found.UserID)
	}
}
