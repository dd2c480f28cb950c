package message

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Payloads below this size are not worth a compression attempt.
const minCompressSize = 512

func compress(data []byte) ([]byte, bool) {
	if len(data) < minCompressSize {
		return nil, false
	}

	var c lz4.Compressor
	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := c.CompressBlock(data, buf)
	if err != nil || n == 0 || n >= len(data) {
		return nil, false
	}

	return buf[:n], true
}

func decompress(src []byte, size int64) ([]byte, error) {
	if size > MaxFrameLength {
		return nil, fmt.Errorf("%w: decompressed size %d", ErrMalformed, size)
	}

	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrMalformed, err)
	}
	if int64(n) != size {
		return nil, fmt.Errorf("%w: decompressed %d bytes, header says %d", ErrMalformed, n, size)
	}

	return dst, nil
}
