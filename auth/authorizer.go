package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/alwitt/iotrelay/common"
	"github.com/alwitt/iotrelay/models"
	"github.com/alwitt/iotrelay/storage"
)

// UserDirectory resolves user names to users
type UserDirectory interface {
	// FindByUserName returns the user, or storage.ErrNotFound
	FindByUserName(ctxt context.Context, userName string) (models.User, error)
}

// OwnershipChecker checks the user / device ownership relation
type OwnershipChecker interface {
	// Exists whether the user owns the device
	Exists(ctxt context.Context, userID, deviceID string) (bool, error)
}

// RejectReason why a handshake or request was rejected
type RejectReason string

const (
	// ReasonInvalidDevice the device ID is missing or malformed
	ReasonInvalidDevice RejectReason = "invalid-device"
	// ReasonInvalidToken the token is missing, malformed, badly signed or expired
	ReasonInvalidToken RejectReason = "invalid-token"
	// ReasonUnknownUser the token subject is not a known user
	ReasonUnknownUser RejectReason = "unknown-user"
	// ReasonNotOwner the user does not own the device
	ReasonNotOwner RejectReason = "not-owner"
	// ReasonLookupFailure a backing store lookup failed
	ReasonLookupFailure RejectReason = "lookup-failure"
)

// RejectedConnection a rejected handshake or request
type RejectedConnection struct {
	Reason RejectReason
	Err    error
}

// Error implements error
func (e *RejectedConnection) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rejected (%s): %s", e.Reason, e.Err.Error())
	}
	return fmt.Sprintf("rejected (%s)", e.Reason)
}

// Unwrap returns the underlying error
func (e *RejectedConnection) Unwrap() error {
	return e.Err
}

// RejectReasonOf returns the rejection reason carried by an error, if any
func RejectReasonOf(err error) (RejectReason, bool) {
	var rejected *RejectedConnection
	if errors.As(err, &rejected) {
		return rejected.Reason, true
	}
	return "", false
}

// HandshakeRequest the parameters an observer presents when connecting
type HandshakeRequest struct {
	DeviceID string
	Token    string
}

// Identity an authenticated user
type Identity struct {
	UserID   string
	UserName string
}

// Admission the result of a successful handshake
type Admission struct {
	Identity
	DeviceID string
}

// ConnectionAuthorizer authenticates access tokens, and decides whether an observer
// may connect to a device
type ConnectionAuthorizer struct {
	common.Component
	tokens    *TokenVerifier
	users     UserDirectory
	ownership OwnershipChecker
}

// NewConnectionAuthorizer define a new connection authorizer
func NewConnectionAuthorizer(
	tokens *TokenVerifier, users UserDirectory, ownership OwnershipChecker,
) *ConnectionAuthorizer {
	return &ConnectionAuthorizer{
		Component: common.Component{
			LogTags: log.Fields{"module": "auth", "component": "connection-authorizer"},
		},
		tokens:    tokens,
		users:     users,
		ownership: ownership,
	}
}

// Authenticate resolve an access token to the user it was issued to
func (a *ConnectionAuthorizer) Authenticate(
	ctxt context.Context, token string,
) (Identity, error) {
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return Identity{}, &RejectedConnection{Reason: ReasonInvalidToken, Err: err}
	}
	user, err := a.users.FindByUserName(ctxt, claims.Subject)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Identity{}, &RejectedConnection{
				Reason: ReasonUnknownUser, Err: fmt.Errorf("user '%s' not found", claims.Subject),
			}
		}
		return Identity{}, &RejectedConnection{Reason: ReasonLookupFailure, Err: err}
	}
	return Identity{UserID: user.ID, UserName: user.UserName}, nil
}

// Authorize decide whether a handshake is admitted. The checks run in order and stop at
// the first failure: device ID, token, user, ownership.
func (a *ConnectionAuthorizer) Authorize(
	ctxt context.Context, req HandshakeRequest,
) (Admission, error) {
	logTags := a.LogTagsForContext(ctxt)
	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		return Admission{}, &RejectedConnection{
			Reason: ReasonInvalidDevice, Err: fmt.Errorf("device ID '%s': %w", req.DeviceID, err),
		}
	}
	identity, err := a.Authenticate(ctxt, req.Token)
	if err != nil {
		log.WithError(err).WithFields(logTags).WithField(
			"device_id", deviceID.String(),
		).Info("Handshake authentication failed")
		return Admission{}, err
	}
	owned, err := a.ownership.Exists(ctxt, identity.UserID, deviceID.String())
	if err != nil {
		return Admission{}, &RejectedConnection{Reason: ReasonLookupFailure, Err: err}
	}
	if !owned {
		log.WithFields(logTags).WithField("device_id", deviceID.String()).WithField(
			"user_id", identity.UserID,
		).Info("Handshake rejected, user does not own device")
		return Admission{}, &RejectedConnection{Reason: ReasonNotOwner}
	}
	return Admission{Identity: identity, DeviceID: deviceID.String()}, nil
}

// ============================================================================

type identityKey struct{}

// WithIdentity attach an authenticated identity to a context
func WithIdentity(ctxt context.Context, identity Identity) context.Context {
	return context.WithValue(ctxt, identityKey{}, identity)
}

// IdentityFromContext returns the identity attached to a context
func IdentityFromContext(ctxt context.Context) (Identity, bool) {
	identity, ok := ctxt.Value(identityKey{}).(Identity)
	return identity, ok
}
