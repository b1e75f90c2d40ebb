// Package compress implements the optional per-file compression step
// in spec.md §4.11 step 3c: files over the configured threshold are
// compressed before encryption. Grounded on
// original_source/skylock-backup/src/direct_upload.rs, which zstd-
// compresses (level 3) files over 10 MiB before sealing them; Go's
// idiomatic equivalent of the Rust `zstd` crate is
// github.com/klauspost/compress/zstd, already present (indirect) in
// the retrieved dependency pack.
package compress

import (
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/uplo-tech/errors"
)

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func getEncoder() (*zstd.Encoder, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder, encoderErr
}

func getDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil)
	})
	return decoder, decoderErr
}

// Compress returns the zstd-compressed form of data.
func Compress(data []byte) ([]byte, error) {
	enc, err := getEncoder()
	if err != nil {
		return nil, errors.AddContext(err, "could not build zstd encoder")
	}
	return enc.EncodeAll(data, nil), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	dec, err := getDecoder()
	if err != nil {
		return nil, errors.AddContext(err, "could not build zstd decoder")
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.AddContext(err, "zstd decompression failed")
	}
	return out, nil
}
