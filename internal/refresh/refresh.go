// Package refresh implements the refresh endpoint's core logic: consume a
// refresh token, atomically rotate to a new RT+AT pair, and return it.
package refresh

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/casfa/casfa/internal/delegatestore"
	"github.com/casfa/casfa/internal/tokencodec"
)

// DefaultATTTL is how long a freshly minted access token remains valid
// when the caller does not configure AT_TTL_SECONDS.
const DefaultATTTL = 1 * time.Hour

// ServiceError is a typed refresh failure, carrying the HTTP status the
// caller should respond with.
type ServiceError struct {
	Code       string
	Message    string
	HTTPStatus int
}

func (e *ServiceError) Error() string { return e.Message }

var (
	ErrNotRefreshToken = &ServiceError{Code: "NOT_REFRESH_TOKEN", Message: "token is not a refresh token", HTTPStatus: 400}
	ErrTokenFormat     = &ServiceError{Code: "INVALID_TOKEN_FORMAT", Message: "refresh token is not well-formed", HTTPStatus: 401}
	ErrDelegateGone    = &ServiceError{Code: "DELEGATE_NOT_FOUND", Message: "delegate does not exist", HTTPStatus: 401}
	ErrDelegateRevoked = &ServiceError{Code: "DELEGATE_REVOKED", Message: "delegate has been revoked", HTTPStatus: 401}
	ErrDelegateExpired = &ServiceError{Code: "DELEGATE_EXPIRED", Message: "delegate has expired", HTTPStatus: 401}
	ErrTokenInvalid    = &ServiceError{Code: "TOKEN_INVALID", Message: "refresh token does not match the delegate's current token", HTTPStatus: 401}
	ErrRotationLost    = &ServiceError{Code: "TOKEN_INVALID", Message: "a concurrent refresh already rotated this delegate's tokens", HTTPStatus: 409}
)

// Result is the new token pair handed back to the caller.
type Result struct {
	AccessToken          string
	RefreshToken         string
	AccessTokenExpiresAt int64
	DelegateID           string
}

// Service rotates tokens for delegates backed by store.
type Service struct {
	store delegatestore.Store
	now   func() time.Time
	atTTL time.Duration
}

// New creates a refresh Service. nowFn defaults to time.Now when nil.
// atTTL is the deployment's configured AT_TTL_SECONDS (the lifetime of a
// freshly minted access token); a value <= 0 falls back to DefaultATTTL.
func New(store delegatestore.Store, nowFn func() time.Time, atTTL time.Duration) *Service {
	if nowFn == nil {
		nowFn = time.Now
	}
	if atTTL <= 0 {
		atTTL = DefaultATTTL
	}
	return &Service{store: store, now: nowFn, atTTL: atTTL}
}

// Rotate consumes rtTokenBytes (the raw, decoded 24-byte RT) and, on
// success, atomically rotates it to a fresh RT+AT pair.
func (s *Service) Rotate(ctx context.Context, rtTokenBytes []byte) (Result, error) {
	if len(rtTokenBytes) != tokencodec.RTSize {
		return Result{}, ErrTokenFormat
	}
	decoded, err := tokencodec.Decode(rtTokenBytes)
	if err != nil {
		return Result{}, ErrTokenFormat
	}
	if decoded.Type != tokencodec.TypeRefresh {
		return Result{}, ErrNotRefreshToken
	}

	delegateIDStr := tokencodec.IDBytesToString(decoded.DelegateID)
	delegate, err := s.store.Get(ctx, delegateIDStr)
	if err != nil {
		return Result{}, err
	}
	if delegate == nil {
		return Result{}, ErrDelegateGone
	}
	if delegate.IsRevoked {
		return Result{}, ErrDelegateRevoked
	}
	now := s.now()
	nowMs := now.UnixMilli()
	if delegate.ExpiresAt != 0 && delegate.ExpiresAt < nowMs {
		return Result{}, ErrDelegateExpired
	}

	currentHash := tokencodec.HashHex(rtTokenBytes)
	if currentHash != delegate.CurrentRTHash {
		return Result{}, ErrTokenInvalid
	}

	newRT, err := tokencodec.EncodeRT(decoded.DelegateID)
	if err != nil {
		return Result{}, err
	}
	atExpiresAt := now.Add(s.atTTL).UnixMilli()
	newAT, err := tokencodec.EncodeAT(decoded.DelegateID, atExpiresAt)
	if err != nil {
		return Result{}, err
	}

	ok, err := s.store.RotateTokens(ctx, delegatestore.RotateRequest{
		DelegateID:     delegateIDStr,
		ExpectedRTHash: currentHash,
		NewRTHash:      tokencodec.HashHex(newRT),
		NewATHash:      tokencodec.HashHex(newAT),
		NewATExpiresAt: atExpiresAt,
	})
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, ErrRotationLost
	}

	return Result{
		AccessToken:          base64.StdEncoding.EncodeToString(newAT),
		RefreshToken:         base64.StdEncoding.EncodeToString(newRT),
		AccessTokenExpiresAt: atExpiresAt,
		DelegateID:           delegateIDStr,
	}, nil
}
