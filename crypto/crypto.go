// Package crypto implements the backup engine's cryptographic primitives:
// authenticated per-block encryption, memory-hard password-based key
// derivation, and content hashing. Modeled on the CipherType pattern from
// the Uplo renter's crypto package, generalized to the two schemes this
// engine actually needs.
package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
)

// HashSize is the size in bytes of a ContentHash.
const HashSize = 32

// ContentHash is a collision-resistant digest of a block's plaintext. It
// serves as the block store's address and as an integrity verification tag.
type ContentHash [HashSize]byte

// Hash computes the ContentHash of b.
func Hash(b []byte) ContentHash {
	return ContentHash(blake3.Sum256(b))
}

// Equal reports whether two content hashes are identical.
func (h ContentHash) Equal(o ContentHash) bool {
	return subtle.ConstantTimeCompare(h[:], o[:]) == 1
}

// IsZero reports whether h is the zero ContentHash.
func (h ContentHash) IsZero() bool {
	return h == ContentHash{}
}

// String returns the lowercase hex encoding used in the manifest JSON shape.
func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText encodes h as its String form, so JSON carries it as hex.
func (h ContentHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText parses the hex form written by MarshalText.
func (h *ContentHash) UnmarshalText(b []byte) error {
	parsed, err := ContentHashFromHex(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ContentHashFromHex parses a hex-encoded ContentHash.
func ContentHashFromHex(s string) (ContentHash, error) {
	var h ContentHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, errors.AddContext(err, "invalid content hash hex")
	}
	if len(b) != HashSize {
		return h, errors.New("content hash has wrong length")
	}
	copy(h[:], b)
	return h, nil
}

var (
	// ErrInvalidCipherVersion is returned upon encountering an unknown
	// encryption version field.
	ErrInvalidCipherVersion = errors.New("provided cipher version is invalid")

	// ErrAuthFail is returned when AEAD tag verification fails; it must
	// never be masked and decryption must fail closed.
	ErrAuthFail = errors.New("authentication failed: ciphertext or associated data has been tampered with")

	// ErrLegacyWriteUnsupported is returned if a caller attempts to
	// encrypt (as opposed to decrypt) with the legacy v1 scheme. Writers
	// must always emit v2; v1 is read-only compatibility.
	ErrLegacyWriteUnsupported = errors.New("encryption version v1 is read-only; new ciphertext must use v2")

	// ErrCiphertextTooShort is returned when a blob is too small to
	// contain a nonce and tag.
	ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce+tag overhead")
)

// CipherVersion identifies the encryption scheme used to produce a blob. It
// is persisted in the manifest's encryption_version field so that any
// reader holding the password can reconstruct the key.
type CipherVersion [8]byte

var (
	// VersionInvalid is not a usable cipher version.
	VersionInvalid = CipherVersion{}
	// VersionV1 is the legacy scheme: a less-derived key (single SHA-256
	// stretch over a fixed constant) and no associated data or
	// authentication tag. Readers must accept it; writers must never
	// produce it.
	VersionV1 = CipherVersion{0, 0, 0, 0, 0, 0, 0, 1}
	// VersionV2 is the current scheme: Argon2id-derived key,
	// ChaCha20-Poly1305 AEAD with a fresh random 96-bit nonce and
	// associated-data binding.
	VersionV2 = CipherVersion{0, 0, 0, 0, 0, 0, 0, 2}
)

// String returns the manifest-facing string form of a CipherVersion.
func (v CipherVersion) String() string {
	switch v {
	case VersionV1:
		return "v1"
	case VersionV2:
		return "v2"
	default:
		return ""
	}
}

// FromString parses the manifest's encryption_version field.
func (v *CipherVersion) FromString(s string) error {
	switch s {
	case "v1":
		*v = VersionV1
	case "v2":
		*v = VersionV2
	default:
		return ErrInvalidCipherVersion
	}
	return nil
}

// IsValidCipherVersion reports whether v is a known, usable version.
func IsValidCipherVersion(v CipherVersion) bool {
	return v == VersionV1 || v == VersionV2
}

// KDFParams is the canonical set of Argon2id parameters persisted in the
// manifest (kdf_params_v2) so any reader with the password can reconstruct
// the key.
type KDFParams struct {
	MemoryCost  uint32 `json:"memory_cost"`
	TimeCost    uint32 `json:"time_cost"`
	Parallelism uint8  `json:"parallelism"`
	OutputLen   uint32 `json:"output_len"`
	SaltHex     string `json:"salt_hex"`
}

// DefaultKDFParams returns sensible memory-hard defaults for new backups.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		MemoryCost:  64 * 1024, // 64 MiB
		TimeCost:    3,
		Parallelism: 4,
		OutputLen:   32,
	}
}

// NewKDFParamsWithSalt returns defaults seeded with a fresh random salt.
func NewKDFParamsWithSalt(defaults KDFParams) KDFParams {
	p := defaults
	p.SaltHex = hex.EncodeToString(fastrand.Bytes(16))
	return p
}

// CipherKey is a key with encrypt/decrypt methods bound to one cipher
// version. Plaintext key material is zeroed via Destroy.
type CipherKey interface {
	// Version returns the scheme this key was derived for.
	Version() CipherVersion

	// Encrypt seals plaintext under associatedData, returning
	// nonce‖ciphertext‖tag. Only valid for VersionV2 keys.
	Encrypt(plaintext, associatedData []byte) ([]byte, error)

	// Decrypt opens a nonce‖ciphertext‖tag blob, verifying associatedData
	// when the scheme supports it. Fails closed on any tamper it can
	// detect.
	Decrypt(blob, associatedData []byte) ([]byte, error)

	// Destroy zeroes the underlying key material. Safe to call multiple
	// times; the key must not be used afterward.
	Destroy()
}

// DeriveKeyV2 runs the memory-hard KDF (Argon2id) over password and the
// salt embedded in params, returning a VersionV2 CipherKey. Deterministic
// in its inputs.
func DeriveKeyV2(password []byte, params KDFParams) (CipherKey, error) {
	salt, err := hex.DecodeString(params.SaltHex)
	if err != nil {
		return nil, errors.AddContext(err, "invalid kdf salt")
	}
	outLen := params.OutputLen
	if outLen == 0 {
		outLen = 32
	}
	key := argon2.IDKey(password, salt, params.TimeCost, params.MemoryCost, params.Parallelism, outLen)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		wipe(key)
		return nil, errors.AddContext(err, "failed to construct AEAD from derived key")
	}
	return &v2Key{key: key, aead: aead}, nil
}

type v2Key struct {
	key  []byte
	aead cipherAEAD
}

func (k *v2Key) Version() CipherVersion { return VersionV2 }

// Encrypt implements the contract in spec.md §4.1: ciphertext length =
// plaintext length + nonce_len + tag_len, with a fresh random nonce each
// call so nonces never repeat under the same key.
func (k *v2Key) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	nonce := fastrand.Bytes(k.aead.NonceSize())
	return k.aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

func (k *v2Key) Decrypt(blob, associatedData []byte) ([]byte, error) {
	ns := k.aead.NonceSize()
	if len(blob) < ns+k.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := blob[:ns], blob[ns:]
	plaintext, err := k.aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, ErrAuthFail
	}
	return plaintext, nil
}

func (k *v2Key) Destroy() {
	wipe(k.key)
}

// DeriveKeyV1 reconstructs the legacy (read-only) key from password. It
// never consults a per-backup salt: v1 manifests omit kdf_params, so the
// fixed legacy constant is the only way to reproduce the key. This is
// deliberate per the Open Question on v1 compatibility in §9: guessing
// per-backup parameters is unsafe, so the constant lives in code instead.
func DeriveKeyV1(password []byte) CipherKey {
	h1 := sha256.Sum256(append([]byte(legacyV1Constant), password...))
	h2 := sha256.Sum256(h1[:])
	key := make([]byte, 0, 64)
	key = append(key, h1[:]...)
	key = append(key, h2[:]...)
	return &v1Key{key: key}
}

// legacyV1Constant is the fixed salt baked into the v1 scheme so
// DeriveKeyV1 is deterministic in password alone.
const legacyV1Constant = "frostvault-legacy-v1-kdf-constant"

// cipherAEAD is the subset of cipher.AEAD this package relies on, declared
// locally to keep the stdlib type out of v2Key's exported surface.
type cipherAEAD interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
