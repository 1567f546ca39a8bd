package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Result payloads can be large (whole tool outputs); anything over
// this threshold is stored zstd-compressed with a small magic prefix
// so reads stay self-describing.
const compressThreshold = 1024

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	zstdEnc, _ = zstd.NewWriter(nil)
	zstdDec, _ = zstd.NewReader(nil)
)

func compressPayload(data []byte) []byte {
	if len(data) < compressThreshold {
		return data
	}
	return zstdEnc.EncodeAll(data, nil)
}

func decompressPayload(data []byte) ([]byte, error) {
	if len(data) < len(zstdMagic) || string(data[:4]) != string(zstdMagic) {
		return data, nil
	}
	out, err := zstdDec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}
