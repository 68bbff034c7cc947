package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	authKeySize   = 32
	nonceSize     = 32
	authKeyInfo   = "fluxbridge handshake v1"
	authTokenText = "fluxbridge-auth|"
)

// ErrInvalidNonce indicates a handshake nonce with the wrong encoding or size.
var ErrInvalidNonce = errors.New("crypto: invalid handshake nonce")

// DeriveAuthKey expands a shared network secret into a handshake HMAC key.
// An empty secret yields a nil key, meaning authentication is disabled.
func DeriveAuthKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, nil
	}
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(authKeyInfo))
	key := make([]byte, authKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive auth key: %w", err)
	}
	return key, nil
}

// NewNonce returns a fresh base64 handshake nonce.
func NewNonce() (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}

// AuthToken proves knowledge of the shared key for peerID over the remote side's nonce.
func AuthToken(key []byte, peerID, remoteNonce string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(remoteNonce)
	if err != nil || len(raw) != nonceSize {
		return "", ErrInvalidNonce
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(authTokenText + peerID + "|"))
	mac.Write(raw)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyAuthToken checks a token produced by AuthToken.
func VerifyAuthToken(key []byte, peerID, nonce, token string) bool {
	expected, err := AuthToken(key, peerID, nonce)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(token))
}
