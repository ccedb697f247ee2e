// Package keyvault seals device secret keys before they reach storage.
//
// Production uses AWS KMS envelope encryption: every Seal asks KMS for a
// fresh AES-256 data key, encrypts the secret locally with AES-GCM and stores
// the wrapped data key next to the ciphertext. Development deployments
// without a KMS key use PlainSealer, which only encodes.
package keyvault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// ErrMalformedEnvelope is returned when a stored value cannot be parsed.
var ErrMalformedEnvelope = errors.New("keyvault: malformed envelope")

const (
	kmsPrefix   = "kms1"
	plainPrefix = "plain"
)

// Sealer encrypts and decrypts secret material for storage.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte) (string, error)
	Open(ctx context.Context, sealed string) ([]byte, error)
}

// KMSClient is the subset of the KMS API used for envelope encryption.
type KMSClient interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSConfig configures a KMSSealer.
type KMSConfig struct {
	KeyID             string
	EncryptionContext map[string]string
	Timeout           time.Duration
}

// KMSSealer implements Sealer with KMS-wrapped AES-256-GCM data keys.
type KMSSealer struct {
	client KMSClient
	cfg    KMSConfig
}

// NewKMSSealer builds a sealer from the default AWS credential chain.
func NewKMSSealer(ctx context.Context, cfg KMSConfig, optFns ...func(*awscfg.LoadOptions) error) (*KMSSealer, error) {
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return WithClient(kms.NewFromConfig(awsCfg), cfg), nil
}

// WithClient builds a sealer around an existing client (tests, custom endpoints).
func WithClient(client KMSClient, cfg KMSConfig) *KMSSealer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &KMSSealer{client: client, cfg: cfg}
}

// Seal returns "kms1.<wrapped key b64>.<nonce||ciphertext b64>".
func (s *KMSSealer) Seal(ctx context.Context, plaintext []byte) (string, error) {
	if s.cfg.KeyID == "" {
		return "", errors.New("keyvault: KMS key id required")
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	in := &kms.GenerateDataKeyInput{
		KeyId:   aws.String(s.cfg.KeyID),
		KeySpec: kmstypes.DataKeySpecAes256,
	}
	if len(s.cfg.EncryptionContext) > 0 {
		in.EncryptionContext = s.cfg.EncryptionContext
	}
	out, err := s.client.GenerateDataKey(cctx, in)
	if err != nil {
		return "", fmt.Errorf("kms GenerateDataKey: %w", err)
	}
	defer wipe(out.Plaintext)

	ct, err := gcmSeal(out.Plaintext, plaintext)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		kmsPrefix,
		base64.StdEncoding.EncodeToString(out.CiphertextBlob),
		base64.StdEncoding.EncodeToString(ct),
	}, "."), nil
}

// Open reverses Seal. Values written by PlainSealer are accepted too so a
// deployment can switch on KMS without rewriting existing rows.
func (s *KMSSealer) Open(ctx context.Context, sealed string) ([]byte, error) {
	parts := strings.Split(sealed, ".")
	if len(parts) == 2 && parts[0] == plainPrefix {
		return PlainSealer{}.Open(ctx, sealed)
	}
	if len(parts) != 3 || parts[0] != kmsPrefix {
		return nil, ErrMalformedEnvelope
	}
	wrapped, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformedEnvelope
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformedEnvelope
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	in := &kms.DecryptInput{CiphertextBlob: wrapped}
	if len(s.cfg.EncryptionContext) > 0 {
		in.EncryptionContext = s.cfg.EncryptionContext
	}
	out, err := s.client.Decrypt(cctx, in)
	if err != nil {
		return nil, fmt.Errorf("kms Decrypt: %w", err)
	}
	defer wipe(out.Plaintext)

	return gcmOpen(out.Plaintext, ct)
}

// PlainSealer encodes without encrypting. Development only.
type PlainSealer struct{}

func (PlainSealer) Seal(_ context.Context, plaintext []byte) (string, error) {
	return plainPrefix + "." + base64.StdEncoding.EncodeToString(plaintext), nil
}

func (PlainSealer) Open(_ context.Context, sealed string) ([]byte, error) {
	rest, ok := strings.CutPrefix(sealed, plainPrefix+".")
	if !ok {
		return nil, ErrMalformedEnvelope
	}
	b, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return nil, ErrMalformedEnvelope
	}
	return b, nil
}

// nonce || ciphertext
func gcmSeal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func gcmOpen(key, data []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(data) < ns {
		return nil, ErrMalformedEnvelope
	}
	plain, err := gcm.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("gcm open: %w", err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

var (
	_ Sealer = (*KMSSealer)(nil)
	_ Sealer = PlainSealer{}
)
