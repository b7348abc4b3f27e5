package compression

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"branchdb/pkg/config"
	"branchdb/pkg/dberrors"
)

// Codec identifies how a page is stored on disk.
type Codec uint8

const (
	None Codec = iota
	Zstd
	LZ4
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// FromConfig maps a configured codec name to a Codec.
func FromConfig(c config.Codec) (Codec, error) {
	switch c {
	case config.CodecNone, "":
		return None, nil
	case config.CodecZstd:
		return Zstd, nil
	case config.CodecLZ4:
		return LZ4, nil
	default:
		return None, fmt.Errorf("unknown compression %q: %w", c, dberrors.ErrInvalidArgument)
	}
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error

	lz4Pool = sync.Pool{New: func() any { return new(lz4.Compressor) }}
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1),
		)
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEnc, zstdDec, zstdErr
}

// Compress encodes src with c and appends it to dst. When compression does not
// shrink the page, the raw bytes are appended and None is returned.
func Compress(c Codec, dst, src []byte) ([]byte, Codec, error) {
	switch c {
	case None:
	case Zstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, None, fmt.Errorf("init zstd: %w", err)
		}
		out := enc.EncodeAll(src, dst)
		if len(out)-len(dst) < len(src) {
			return out, Zstd, nil
		}
	case LZ4:
		comp := lz4Pool.Get().(*lz4.Compressor)
		defer lz4Pool.Put(comp)

		start := len(dst)
		dst = grow(dst, lz4.CompressBlockBound(len(src)))
		n, err := comp.CompressBlock(src, dst[start:])
		if err != nil {
			return nil, None, fmt.Errorf("lz4 compress: %w", err)
		}
		if n > 0 && n < len(src) {
			return dst[:start+n], LZ4, nil
		}
		dst = dst[:start]
	default:
		return nil, None, fmt.Errorf("unknown codec %d: %w", c, dberrors.ErrInvalidArgument)
	}

	return append(dst, src...), None, nil
}

// Decompress decodes src, which holds rawLen bytes once decoded, into dst.
func Decompress(c Codec, dst, src []byte, rawLen int) ([]byte, error) {
	switch c {
	case None:
		if len(src) != rawLen {
			return nil, dberrors.Corruption("raw page length %d, want %d", len(src), rawLen)
		}
		return append(dst, src...), nil
	case Zstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		out, err := dec.DecodeAll(src, dst)
		if err != nil {
			return nil, dberrors.Corruption("zstd page: %v", err)
		}
		if len(out)-len(dst) != rawLen {
			return nil, dberrors.Corruption("zstd page length %d, want %d", len(out)-len(dst), rawLen)
		}
		return out, nil
	case LZ4:
		start := len(dst)
		dst = grow(dst, rawLen)
		n, err := lz4.UncompressBlock(src, dst[start:])
		if err != nil {
			return nil, dberrors.Corruption("lz4 page: %v", err)
		}
		if n != rawLen {
			return nil, dberrors.Corruption("lz4 page length %d, want %d", n, rawLen)
		}
		return dst[:start+n], nil
	default:
		return nil, dberrors.Corruption("unknown page codec %d", c)
	}
}

// grow extends dst by n bytes of scratch space.
func grow(dst []byte, n int) []byte {
	if cap(dst)-len(dst) < n {
		next := make([]byte, len(dst), len(dst)+n)
		copy(next, dst)
		dst = next
	}
	return dst[:len(dst)+n]
}
