package compression

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchdb/pkg/config"
	"branchdb/pkg/dberrors"
)

func TestCompress_ShrinksRepetitivePages(t *testing.T) {
	page := bytes.Repeat([]byte("key-000123=value-abcdef;"), 200)

	for _, c := range []Codec{Zstd, LZ4} {
		t.Run(c.String(), func(t *testing.T) {
			out, used, err := Compress(c, nil, page)
			require.NoError(t, err)
			assert.Equal(t, c, used)
			assert.Less(t, len(out), len(page))

			raw, err := Decompress(used, nil, out, len(page))
			require.NoError(t, err)
			assert.Equal(t, page, raw)
		})
	}
}

func TestCompress_FallsBackToRawWhenIncompressible(t *testing.T) {
	page := make([]byte, 4096)
	_, err := io.ReadFull(rand.Reader, page)
	require.NoError(t, err)

	for _, c := range []Codec{None, Zstd, LZ4} {
		t.Run(c.String(), func(t *testing.T) {
			prefix := []byte("hdr")
			out, used, err := Compress(c, prefix, page)
			require.NoError(t, err)
			assert.Equal(t, None, used)
			assert.Equal(t, "hdr", string(out[:3]))
			assert.Equal(t, page, out[3:])
		})
	}
}

func TestDecompress_DetectsCorruption(t *testing.T) {
	page := bytes.Repeat([]byte("abcd"), 512)

	for _, c := range []Codec{Zstd, LZ4} {
		t.Run(c.String(), func(t *testing.T) {
			out, used, err := Compress(c, nil, page)
			require.NoError(t, err)
			require.Equal(t, c, used)

			_, err = Decompress(used, nil, out, len(page)+1)
			assert.ErrorIs(t, err, dberrors.ErrCorruption)
		})
	}

	_, err := Decompress(None, nil, []byte("abc"), 4)
	assert.ErrorIs(t, err, dberrors.ErrCorruption)
	_, err = Decompress(Codec(42), nil, nil, 0)
	assert.ErrorIs(t, err, dberrors.ErrCorruption)
}

func TestFromConfig(t *testing.T) {
	c, err := FromConfig(config.CodecLZ4)
	require.NoError(t, err)
	assert.Equal(t, LZ4, c)

	_, err = FromConfig("brotli")
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestCountingWriter(t *testing.T) {
	var buf bytes.Buffer
	cw := NewCountingWriter(&buf)

	_, err := cw.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = cw.Write([]byte(" world"))
	require.NoError(t, err)

	assert.Equal(t, int64(11), cw.Count())
	assert.Equal(t, "hello world", buf.String())
}
