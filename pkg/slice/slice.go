// Package slice provides Slice, a non-owning view over a byte region used to
// pass keys and values into the engine without copying.
//
// A Slice is either Null (no reference), Invalid (a reserved sentinel), or a
// valid view, which may be zero-length. The engine never keeps a Slice past the
// call it was handed to; data that must outlive the call is copied with Clone.
package slice

import (
	"bytes"
	"math"
	"unsafe"
)

const invalidLength = math.MaxUint64

// Slice is a length plus borrowed data.
type Slice struct {
	length uint64
	data   []byte
}

var (
	// Null is the "no reference" value.
	Null = Slice{}
	// Invalid is the reserved invalid reference.
	Invalid = Slice{length: invalidLength}

	empty = make([]byte, 0)
)

// Create returns a view over the first length bytes of data.
// A length larger than data yields Invalid.
func Create(length uint64, data []byte) Slice {
	if data == nil {
		if length == 0 {
			return Null
		}
		return Invalid
	}
	if length > uint64(len(data)) {
		return Invalid
	}
	return Slice{length: length, data: data[:length:length]}
}

// FromBytes wraps b. A nil b yields a valid zero-length view, not Null.
func FromBytes(b []byte) Slice {
	if b == nil {
		b = empty
	}
	return Slice{length: uint64(len(b)), data: b}
}

// FromString wraps s without copying. The returned view must not be written to.
func FromString(s string) Slice {
	if len(s) == 0 {
		return Slice{data: empty}
	}
	return Slice{
		length: uint64(len(s)),
		data:   unsafe.Slice(unsafe.StringData(s), len(s)),
	}
}

func (s Slice) Len() uint64 {
	if s.IsInvalid() {
		return 0
	}
	return s.length
}

// Data returns the borrowed bytes. Null and Invalid return nil.
func (s Slice) Data() []byte {
	return s.data
}

func (s Slice) IsNull() bool {
	return s.length == 0 && s.data == nil
}

func (s Slice) IsInvalid() bool {
	return s.length == invalidLength && s.data == nil
}

func (s Slice) IsValid() bool {
	return s.data != nil
}

// Clone copies the referenced bytes into storage owned by the caller.
func (s Slice) Clone() []byte {
	if s.data == nil {
		return nil
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Compare orders views by content. Null and Invalid compare as empty.
func (s Slice) Compare(other Slice) int {
	return bytes.Compare(s.data, other.data)
}

func (s Slice) Equal(other Slice) bool {
	if s.IsNull() || other.IsNull() || s.IsInvalid() || other.IsInvalid() {
		return s.length == other.length && (s.data == nil) == (other.data == nil)
	}
	return bytes.Equal(s.data, other.data)
}

func (s Slice) String() string {
	switch {
	case s.IsNull():
		return "<null>"
	case s.IsInvalid():
		return "<invalid>"
	default:
		return string(s.data)
	}
}
