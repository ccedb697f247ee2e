package keyvault

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKMS hands out random data keys and remembers them by wrapped blob.
type fakeKMS struct {
	mu      sync.Mutex
	keys    map[string][]byte
	n       int
	lastCtx map[string]string
	failGen bool
}

func newFakeKMS() *fakeKMS {
	return &fakeKMS{keys: make(map[string][]byte)}
}

func (f *fakeKMS) GenerateDataKey(_ context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	if f.failGen {
		return nil, errors.New("throttled")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	key := make([]byte, 32)
	_, _ = rand.Read(key)
	f.n++
	blob := fmt.Sprintf("%s/wrapped-%d", aws.ToString(in.KeyId), f.n)
	f.keys[blob] = append([]byte(nil), key...)
	f.lastCtx = in.EncryptionContext
	return &kms.GenerateDataKeyOutput{Plaintext: key, CiphertextBlob: []byte(blob)}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, ok := f.keys[string(in.CiphertextBlob)]
	if !ok {
		return nil, errors.New("InvalidCiphertextException")
	}
	return &kms.DecryptOutput{Plaintext: append([]byte(nil), key...)}, nil
}

func TestKMSSealer_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeKMS()
	s := WithClient(fake, KMSConfig{KeyID: "alias/devicetrust", EncryptionContext: map[string]string{"purpose": "device-secret"}})

	sealed, err := s.Seal(ctx, []byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "kms1."))
	assert.NotContains(t, sealed, "JBSWY3DPEHPK3PXP")
	assert.Equal(t, "device-secret", fake.lastCtx["purpose"])

	plain, err := s.Open(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", string(plain))
}

func TestKMSSealer_FreshDataKeyPerSeal(t *testing.T) {
	ctx := context.Background()
	s := WithClient(newFakeKMS(), KMSConfig{KeyID: "k"})

	a, err := s.Seal(ctx, []byte("same"))
	require.NoError(t, err)
	b, err := s.Seal(ctx, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestKMSSealer_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing key id", func(t *testing.T) {
		_, err := WithClient(newFakeKMS(), KMSConfig{}).Seal(ctx, []byte("x"))
		assert.Error(t, err)
	})

	t.Run("kms failure", func(t *testing.T) {
		fake := newFakeKMS()
		fake.failGen = true
		_, err := WithClient(fake, KMSConfig{KeyID: "k"}).Seal(ctx, []byte("x"))
		assert.ErrorContains(t, err, "throttled")
	})

	t.Run("malformed envelope", func(t *testing.T) {
		s := WithClient(newFakeKMS(), KMSConfig{KeyID: "k"})
		for _, bad := range []string{"", "kms1.only-two", "other.a.b", "kms1.!!!.AAAA"} {
			_, err := s.Open(ctx, bad)
			assert.ErrorIs(t, err, ErrMalformedEnvelope, bad)
		}
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		s := WithClient(newFakeKMS(), KMSConfig{KeyID: "k"})
		sealed, err := s.Seal(ctx, []byte("secret"))
		require.NoError(t, err)

		parts := strings.Split(sealed, ".")
		other, err := s.Seal(ctx, []byte("other!"))
		require.NoError(t, err)
		parts[2] = strings.Split(other, ".")[2]

		_, err = s.Open(ctx, strings.Join(parts, "."))
		assert.Error(t, err)
	})
}

func TestKMSSealer_OpensPlainValues(t *testing.T) {
	ctx := context.Background()
	sealed, err := PlainSealer{}.Seal(ctx, []byte("legacy"))
	require.NoError(t, err)

	plain, err := WithClient(newFakeKMS(), KMSConfig{KeyID: "k"}).Open(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, "legacy", string(plain))
}

func TestPlainSealer(t *testing.T) {
	ctx := context.Background()
	sealed, err := PlainSealer{}.Seal(ctx, []byte("abc"))
	require.NoError(t, err)

	plain, err := PlainSealer{}.Open(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(plain))

	_, err = PlainSealer{}.Open(ctx, "kms1.a.b")
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}
