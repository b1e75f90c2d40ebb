package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uplo-tech/fastrand"
)

func TestV2RoundTrip(t *testing.T) {
	params := NewKDFParamsWithSalt(DefaultKDFParams())
	key, err := DeriveKeyV2([]byte("correct horse battery staple"), params)
	require.NoError(t, err)
	defer key.Destroy()

	for i := 0; i < 10; i++ {
		plaintext := fastrand.Bytes(fastrand.Intn(4096))
		ad := fastrand.Bytes(fastrand.Intn(64))

		ciphertext, err := key.Encrypt(plaintext, ad)
		require.NoError(t, err)
		require.Equal(t, len(plaintext)+12+16, len(ciphertext)) // 12-byte nonce + 16-byte Poly1305 tag

		got, err := key.Decrypt(ciphertext, ad)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}

func TestV2TamperFailsClosed(t *testing.T) {
	params := NewKDFParamsWithSalt(DefaultKDFParams())
	key, err := DeriveKeyV2([]byte("hunter2"), params)
	require.NoError(t, err)
	defer key.Destroy()

	plaintext := []byte("the quick brown fox")
	ad := []byte("file:hello.txt")
	ciphertext, err := key.Encrypt(plaintext, ad)
	require.NoError(t, err)

	// Tamper with a ciphertext byte.
	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF
	_, err = key.Decrypt(tampered, ad)
	require.ErrorIs(t, err, ErrAuthFail)

	// Tamper with the associated data.
	_, err = key.Decrypt(ciphertext, append(ad, 'x'))
	require.ErrorIs(t, err, ErrAuthFail)

	// Unmodified blob still opens.
	got, err := key.Decrypt(ciphertext, ad)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDifferentPasswordsDiffer(t *testing.T) {
	params := NewKDFParamsWithSalt(DefaultKDFParams())
	k1, err := DeriveKeyV2([]byte("password-one"), params)
	require.NoError(t, err)
	k2, err := DeriveKeyV2([]byte("password-two"), params)
	require.NoError(t, err)

	plaintext := []byte("secret")
	ct, err := k1.Encrypt(plaintext, nil)
	require.NoError(t, err)
	_, err = k2.Decrypt(ct, nil)
	require.Error(t, err)
}

func TestLegacyV1ReadOnly(t *testing.T) {
	key := DeriveKeyV1([]byte("old-password"))
	_, err := key.Encrypt([]byte("anything"), nil)
	require.ErrorIs(t, err, ErrLegacyWriteUnsupported)
}

func TestLegacyV1RoundTripViaFixture(t *testing.T) {
	password := []byte("old-password")
	key := DeriveKeyV1(password).(*v1Key)

	plaintext := fastrand.Bytes(512)
	blob, err := encryptLegacyV1(key.key, plaintext)
	require.NoError(t, err)

	got, err := key.Decrypt(blob, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestContentHashStability(t *testing.T) {
	data := []byte("block payload")
	h1 := Hash(data)
	h2 := Hash(data)
	require.True(t, h1.Equal(h2))

	other := Hash([]byte("different payload"))
	require.False(t, h1.Equal(other))

	parsed, err := ContentHashFromHex(h1.String())
	require.NoError(t, err)
	require.True(t, h1.Equal(parsed))
}

func TestCipherVersionStringRoundTrip(t *testing.T) {
	for _, v := range []CipherVersion{VersionV1, VersionV2} {
		var parsed CipherVersion
		require.NoError(t, parsed.FromString(v.String()))
		require.Equal(t, v, parsed)
	}
	var bad CipherVersion
	require.ErrorIs(t, bad.FromString("v3"), ErrInvalidCipherVersion)
}
