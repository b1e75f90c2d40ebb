package crypto

import (
	"crypto/cipher"

	"github.com/dchest/threefish"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
)

// v1Key implements the legacy scheme: Threefish-512 in CTR mode with no
// authentication tag and no associated-data binding, matching the "less-
// derived key, no associated data" description of v1 in spec.md §4.1. It
// exists solely so existing v1 backups remain restorable; new ciphertext
// must always use v2.
type v1Key struct {
	key []byte
}

func (k *v1Key) Version() CipherVersion { return VersionV1 }

func (k *v1Key) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	return nil, ErrLegacyWriteUnsupported
}

// Decrypt opens a nonce‖ciphertext blob produced by the legacy scheme.
// Because v1 carries no authentication tag, a tampered ciphertext decrypts
// to garbage rather than returning ErrAuthFail — this is the documented
// weakness that motivated v2, not a bug in this reader.
func (k *v1Key) Decrypt(blob, associatedData []byte) ([]byte, error) {
	block, err := threefish.New512(k.key, [2]uint64{})
	if err != nil {
		return nil, errors.AddContext(err, "failed to construct legacy threefish cipher")
	}
	bs := block.BlockSize()
	if len(blob) < bs {
		return nil, ErrCiphertextTooShort
	}
	iv, ciphertext := blob[:bs], blob[bs:]
	stream := cipher.NewCTR(block, iv)
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

func (k *v1Key) Destroy() {
	wipe(k.key)
}

// encryptLegacyV1 is used only by tests to fabricate v1 fixtures; production
// code never calls it (writers always emit v2).
func encryptLegacyV1(key []byte, plaintext []byte) ([]byte, error) {
	block, err := threefish.New512(key, [2]uint64{})
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	iv := fastrand.Bytes(bs)
	stream := cipher.NewCTR(block, iv)
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)
	return append(iv, ciphertext...), nil
}
