package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

// Chunk blocks are row-major little-endian float64, zstd compressed.
var (
	blockEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	blockDecoder, _ = zstd.NewReader(nil)
)

func encodeBlock(values []float64) []byte {
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
	}
	return blockEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/4))
}

func decodeBlock(b []byte) ([]float64, error) {
	raw, err := blockDecoder.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress chunk: %w", err)
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("chunk length %d is not a multiple of 8", len(raw))
	}
	values := make([]float64, len(raw)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return values, nil
}
