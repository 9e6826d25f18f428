package refresh

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casfa/casfa/internal/delegatestore"
	"github.com/casfa/casfa/internal/tokencodec"
)

func seedDelegate(t *testing.T, store delegatestore.Store) (string, [tokencodec.IDSize]byte, []byte) {
	t.Helper()
	id, err := tokencodec.NewDelegateID()
	require.NoError(t, err)
	idStr := tokencodec.IDBytesToString(id)

	rt, err := tokencodec.EncodeRT(id)
	require.NoError(t, err)

	d := &delegatestore.Delegate{
		DelegateID: idStr, Realm: "usr_alice", Chain: []string{idStr},
		CurrentRTHash: tokencodec.HashHex(rt), CreatedAt: 1,
	}
	require.NoError(t, store.Create(context.Background(), d))
	return idStr, id, rt
}

func TestService_Rotate_Success(t *testing.T) {
	store := delegatestore.NewMemoryStore()
	idStr, _, rt := seedDelegate(t, store)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := New(store, func() time.Time { return now }, 0)

	res, err := svc.Rotate(context.Background(), rt)
	require.NoError(t, err)
	assert.Equal(t, idStr, res.DelegateID)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, now.Add(DefaultATTTL).UnixMilli(), res.AccessTokenExpiresAt)

	// The old RT must no longer be usable.
	_, err = svc.Rotate(context.Background(), rt)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestService_Rotate_ReplayedRTRejected(t *testing.T) {
	store := delegatestore.NewMemoryStore()
	_, id, rt := seedDelegate(t, store)
	svc := New(store, nil, 0)

	_, err := svc.Rotate(context.Background(), rt)
	require.NoError(t, err)

	// Presenting the same original RT again fails the hash check, since the
	// first rotation already replaced the stored RT hash.
	_, err = svc.Rotate(context.Background(), rt)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_ = id
}

func TestService_Rotate_WrongLength(t *testing.T) {
	store := delegatestore.NewMemoryStore()
	svc := New(store, nil, 0)
	_, err := svc.Rotate(context.Background(), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTokenFormat)
}

func TestService_Rotate_ATInsteadOfRT(t *testing.T) {
	store := delegatestore.NewMemoryStore()
	id, err := tokencodec.NewDelegateID()
	require.NoError(t, err)
	at, err := tokencodec.EncodeAT(id, 1)
	require.NoError(t, err)

	svc := New(store, nil, 0)
	_, err = svc.Rotate(context.Background(), at)
	assert.ErrorIs(t, err, ErrTokenFormat, "a 32-byte token fails the 24-byte length check before type is inspected")
}

func TestService_Rotate_UnknownDelegate(t *testing.T) {
	store := delegatestore.NewMemoryStore()
	id, err := tokencodec.NewDelegateID()
	require.NoError(t, err)
	rt, err := tokencodec.EncodeRT(id)
	require.NoError(t, err)

	svc := New(store, nil, 0)
	_, err = svc.Rotate(context.Background(), rt)
	assert.ErrorIs(t, err, ErrDelegateGone)
}

func TestService_Rotate_RevokedDelegate(t *testing.T) {
	store := delegatestore.NewMemoryStore()
	idStr, _, rt := seedDelegate(t, store)
	ok, err := store.Revoke(context.Background(), idStr, "dlt_ROOT", 1)
	require.NoError(t, err)
	require.True(t, ok)

	svc := New(store, nil, 0)
	_, err = svc.Rotate(context.Background(), rt)
	assert.ErrorIs(t, err, ErrDelegateRevoked)
}

func TestService_Rotate_ReturnsBase64Tokens(t *testing.T) {
	store := delegatestore.NewMemoryStore()
	_, _, rt := seedDelegate(t, store)
	svc := New(store, nil, 0)

	res, err := svc.Rotate(context.Background(), rt)
	require.NoError(t, err)

	decodedAT, err := base64.StdEncoding.DecodeString(res.AccessToken)
	require.NoError(t, err)
	assert.Len(t, decodedAT, tokencodec.ATSize)

	decodedRT, err := base64.StdEncoding.DecodeString(res.RefreshToken)
	require.NoError(t, err)
	assert.Len(t, decodedRT, tokencodec.RTSize)
}
