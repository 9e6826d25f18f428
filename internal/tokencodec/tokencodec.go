// Package tokencodec encodes and decodes the opaque binary access and
// refresh tokens, and the Crockford-Base32 string form of delegate ids.
//
// Token layouts (little-endian integers):
//
//	AT (32B): delegateId[16] ‖ expiresAt_ms[8] ‖ nonce[8]
//	RT (24B): delegateId[16] ‖ nonce[8]
//
// Token type is determined entirely by length: 32 bytes decodes as an
// access token, 24 bytes as a refresh token. Any other length is a
// CodecError (ErrWrongLength).
package tokencodec

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// IDSize is the length in bytes of a raw delegate id.
	IDSize = 16
	// ATSize is the length in bytes of an encoded access token.
	ATSize = 32
	// RTSize is the length in bytes of an encoded refresh token.
	RTSize = 24
	// HashSize is the length in bytes of a token hash (BLAKE3-128).
	HashSize = 16
	// nonceSize is the length in bytes of the random nonce in both token types.
	nonceSize = 8

	// idPrefix is prepended to the Crockford-Base32 rendering of a delegate id.
	idPrefix = "dlt_"

	// crockfordAlphabet is the Crockford Base32 alphabet, excluding I/L/O/U
	// to avoid visual confusion with 1/0 and accidental profanity.
	crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

var crockfordEncoding = base32.NewEncoding(crockfordAlphabet).WithPadding(base32.NoPadding)

// hashKey is the fixed key used for the BLAKE3 keyed hash over tokens.
// The token format itself is opaque and single-use per rotation, so a
// fixed, non-secret key is sufficient here: it exists to get a keyed
// (rather than bare) BLAKE3 construction, not to add confidentiality.
var hashKey = [32]byte{'c', 'a', 's', 'f', 'a', '-', 't', 'o', 'k', 'e', 'n', '-', 'h', 'a', 's', 'h'}

// TokenType distinguishes access tokens from refresh tokens.
type TokenType string

const (
	TypeAccess  TokenType = "access"
	TypeRefresh TokenType = "refresh"
)

// CodecError is a typed decode failure.
type CodecError struct {
	Code    string
	Message string
}

func (e *CodecError) Error() string {
	return e.Message
}

var (
	ErrWrongLength = &CodecError{Code: "wrong_length", Message: "token has an invalid byte length"}
	ErrInvalidID   = &CodecError{Code: "invalid_delegate_id", Message: "malformed delegate id string"}
)

// Decoded is the result of decoding an opaque token.
type Decoded struct {
	Type       TokenType
	DelegateID [IDSize]byte
	ExpiresAt  int64 // epoch-ms; zero for refresh tokens
}

// EncodeAT encodes an access token for delegateID, expiring at expiresAtMs.
func EncodeAT(delegateID [IDSize]byte, expiresAtMs int64) ([]byte, error) {
	buf := make([]byte, ATSize)
	copy(buf[0:IDSize], delegateID[:])
	binary.LittleEndian.PutUint64(buf[IDSize:IDSize+8], uint64(expiresAtMs))
	if _, err := rand.Read(buf[IDSize+8:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeRT encodes a refresh token for delegateID.
func EncodeRT(delegateID [IDSize]byte) ([]byte, error) {
	buf := make([]byte, RTSize)
	copy(buf[0:IDSize], delegateID[:])
	if _, err := rand.Read(buf[IDSize:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode inspects the length of tok and parses it as an AT or RT.
func Decode(tok []byte) (Decoded, error) {
	switch len(tok) {
	case ATSize:
		var d Decoded
		d.Type = TypeAccess
		copy(d.DelegateID[:], tok[0:IDSize])
		d.ExpiresAt = int64(binary.LittleEndian.Uint64(tok[IDSize : IDSize+8]))
		return d, nil
	case RTSize:
		var d Decoded
		d.Type = TypeRefresh
		copy(d.DelegateID[:], tok[0:IDSize])
		return d, nil
	default:
		return Decoded{}, ErrWrongLength
	}
}

// Hash computes the 128-bit BLAKE3 keyed digest of tok.
func Hash(tok []byte) [HashSize]byte {
	h, err := blake3.NewKeyed(hashKey[:])
	if err != nil {
		// hashKey is a fixed 32-byte array; NewKeyed only fails on key length.
		panic("tokencodec: blake3.NewKeyed: " + err.Error())
	}
	_, _ = h.Write(tok)
	sum := h.Sum(nil)[:HashSize]
	var out [HashSize]byte
	copy(out[:], sum)
	return out
}

// HashHex computes Hash(tok) and renders it as lowercase 32-hex.
func HashHex(tok []byte) string {
	sum := Hash(tok)
	return hex.EncodeToString(sum[:])
}

// IDBytesToString renders a 16-byte delegate id as "dlt_" + Crockford-Base32(26).
func IDBytesToString(id [IDSize]byte) string {
	return idPrefix + crockfordEncoding.EncodeToString(id[:])
}

// StringToIDBytes parses a "dlt_..." string back into its 16 raw bytes.
// Decoding is case-insensitive.
func StringToIDBytes(s string) ([IDSize]byte, error) {
	var out [IDSize]byte
	if !strings.HasPrefix(s, idPrefix) {
		return out, ErrInvalidID
	}
	body := strings.ToUpper(strings.TrimPrefix(s, idPrefix))
	decoded, err := crockfordEncoding.DecodeString(body)
	if err != nil || len(decoded) != IDSize {
		return out, ErrInvalidID
	}
	copy(out[:], decoded)
	return out, nil
}

// NewDelegateID generates a fresh random 16-byte delegate id.
func NewDelegateID() ([IDSize]byte, error) {
	var out [IDSize]byte
	if _, err := rand.Read(out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// DeriveSetNodeID computes the deterministic id of a multi-root scope
// set-node from its sorted, comma-joined hash list, so that two delegates
// with the same set of scope roots collide onto the same set-node.
// sortedHashes must already be sorted by the caller.
func DeriveSetNodeID(sortedHashes []string) [IDSize]byte {
	h, err := blake3.NewKeyed(hashKey[:])
	if err != nil {
		panic("tokencodec: blake3.NewKeyed: " + err.Error())
	}
	_, _ = h.Write([]byte(strings.Join(sortedHashes, ",")))
	sum := h.Sum(nil)[:IDSize]
	var out [IDSize]byte
	copy(out[:], sum)
	return out
}
