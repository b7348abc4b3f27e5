package slice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinels(t *testing.T) {
	assert.True(t, Null.IsNull())
	assert.False(t, Null.IsInvalid())
	assert.False(t, Null.IsValid())

	assert.True(t, Invalid.IsInvalid())
	assert.False(t, Invalid.IsNull())
	assert.False(t, Invalid.IsValid())
	assert.Equal(t, uint64(0), Invalid.Len())

	zero := FromBytes(nil)
	assert.True(t, zero.IsValid())
	assert.False(t, zero.IsNull())
	assert.Equal(t, uint64(0), zero.Len())

	assert.False(t, Null.Equal(zero))
	assert.False(t, Invalid.Equal(Null))
	assert.True(t, Null.Equal(Null))
}

func TestCreate(t *testing.T) {
	buf := []byte("hello world")

	s := Create(5, buf)
	require.True(t, s.IsValid())
	assert.Equal(t, "hello", s.String())

	assert.True(t, Create(0, nil).IsNull())
	assert.True(t, Create(3, nil).IsInvalid())
	assert.True(t, Create(100, buf).IsInvalid())
}

func TestFromStringIsZeroCopy(t *testing.T) {
	s := FromString("abc")
	assert.Equal(t, uint64(3), s.Len())
	assert.Equal(t, []byte("abc"), s.Data())

	e := FromString("")
	assert.True(t, e.IsValid())
	assert.Equal(t, "", e.String())
}

func TestCloneOwnsData(t *testing.T) {
	buf := []byte("value")
	s := FromBytes(buf)
	owned := s.Clone()

	buf[0] = 'V'
	assert.Equal(t, "value", string(owned))
	assert.Equal(t, "Value", s.String())
	assert.Nil(t, Null.Clone())
}

func TestCompare(t *testing.T) {
	a, b := FromString("a"), FromString("b")
	assert.Negative(t, a.Compare(b))
	assert.Positive(t, b.Compare(a))
	assert.Zero(t, a.Compare(FromBytes([]byte("a"))))
	assert.True(t, a.Equal(FromString("a")))
}
