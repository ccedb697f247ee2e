package deviceauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	secretKeyBytes = 32 // 256-bit device secrets
	deviceIDBytes  = 16 // 128-bit device ids
)

var (
	secretEncoding   = base32.StdEncoding.WithPadding(base32.NoPadding)
	deviceIDEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)
)

// GenerateSecretKey returns a new 256-bit secret as unpadded base32 text.
func GenerateSecretKey() (string, error) {
	b := make([]byte, secretKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret key: %w", err)
	}
	return secretEncoding.EncodeToString(b), nil
}

// GenerateDeviceID returns a new 128-bit identifier as unpadded lowercase base32.
func GenerateDeviceID() (string, error) {
	b := make([]byte, deviceIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return deviceIDEncoding.EncodeToString(b), nil
}

// CanonicalString joins the signed request components with newlines.
// The engine never parses it; this helper exists for clients and tests.
func CanonicalString(method, uri, timestamp, nonce, bodyHash string) string {
	return strings.Join([]string{method, uri, timestamp, nonce, bodyHash}, "\n")
}

// Sign computes base64(HMAC-SHA256(secret, stringToSign)).
func Sign(secretKey, stringToSign string) (string, error) {
	key, err := decodeKey(secretKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(mac(key, stringToSign)), nil
}

// Verify reports whether signature is valid for stringToSign. Any decoding
// problem yields false.
func Verify(secretKey, stringToSign, signature string) bool {
	return VerifyStrict(secretKey, stringToSign, signature) == nil
}

// VerifyStrict is Verify with the reason for rejection: ErrInvalidKey or
// ErrMalformedSignature for bad input, ErrSignatureMismatch otherwise.
func VerifyStrict(secretKey, stringToSign, signature string) error {
	key, err := decodeKey(secretKey)
	if err != nil {
		return err
	}
	provided, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(provided) != sha256.Size {
		return ErrMalformedSignature
	}
	if !hmac.Equal(mac(key, stringToSign), provided) {
		return ErrSignatureMismatch
	}
	return nil
}

func mac(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}

func decodeKey(secretKey string) ([]byte, error) {
	key, err := secretEncoding.DecodeString(strings.ToUpper(strings.TrimSpace(secretKey)))
	if err != nil || len(key) != secretKeyBytes {
		return nil, ErrInvalidKey
	}
	return key, nil
}
