// Package filter implements the per-branch membership filter.
//
// MayContain never returns false for a key that was added. It may return true
// for a key that was not, at roughly the configured false positive rate.
package filter

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"

	"branchdb/internal/hash"
	"branchdb/pkg/dberrors"
)

const (
	maxHashes   = 16
	metaSize    = 8 // k | count
	trailerSize = 4 // crc
)

// Bloom is a bloom filter using double hashing over one 64-bit FNV-1a hash.
type Bloom struct {
	bits    *bitset.BitSet
	numBits uint64
	k       uint32
	count   uint32
}

// Size returns the optimal bit count and hash count for n keys at fpRate.
func Size(n int, fpRate float64) (numBits uint64, k uint32) {
	if n <= 0 {
		n = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	// m = -n*ln(p) / ln(2)^2, k = m/n * ln(2)
	m := -float64(n) * math.Log(fpRate) / (math.Ln2 * math.Ln2)
	numBits = max(((uint64(m)+63)/64)*64, 64)
	k = uint32(math.Ceil(m / float64(n) * math.Ln2))

	return numBits, min(max(k, 1), maxHashes)
}

// New creates a filter sized for n keys.
func New(n int, fpRate float64) *Bloom {
	numBits, k := Size(n, fpRate)
	return &Bloom{
		bits:    bitset.New(uint(numBits)),
		numBits: numBits,
		k:       k,
	}
}

func (b *Bloom) Add(key []byte) {
	h1, h2 := hashKey(key)
	for i := range uint64(b.k) {
		b.bits.Set(uint((h1 + i*h2) % b.numBits))
	}
	b.count++
}

func (b *Bloom) MayContain(key []byte) bool {
	h1, h2 := hashKey(key)
	for i := range uint64(b.k) {
		if !b.bits.Test(uint((h1 + i*h2) % b.numBits)) {
			return false
		}
	}
	return true
}

// Count is the number of keys added.
func (b *Bloom) Count() uint32 {
	return b.count
}

// MarshalBinary encodes k | count | bits | crc32c.
func (b *Bloom) MarshalBinary() ([]byte, error) {
	bits, err := b.bits.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal bloom bits: %w", err)
	}

	out := make([]byte, metaSize, metaSize+len(bits)+trailerSize)
	binary.LittleEndian.PutUint32(out[0:4], b.k)
	binary.LittleEndian.PutUint32(out[4:8], b.count)
	out = append(out, bits...)
	return binary.LittleEndian.AppendUint32(out, hash.CRC32C(out)), nil
}

// Decode parses a filter written by MarshalBinary.
func Decode(data []byte) (*Bloom, error) {
	if len(data) < metaSize+trailerSize {
		return nil, dberrors.Corruption("bloom filter too short: %d bytes", len(data))
	}
	body, sum := data[:len(data)-trailerSize], binary.LittleEndian.Uint32(data[len(data)-trailerSize:])
	if hash.CRC32C(body) != sum {
		return nil, dberrors.Corruption("bloom filter checksum mismatch")
	}

	b := &Bloom{
		bits:  &bitset.BitSet{},
		k:     binary.LittleEndian.Uint32(body[0:4]),
		count: binary.LittleEndian.Uint32(body[4:8]),
	}
	if b.k == 0 || b.k > maxHashes {
		return nil, dberrors.Corruption("bloom filter hash count %d", b.k)
	}
	if err := b.bits.UnmarshalBinary(body[metaSize:]); err != nil {
		return nil, dberrors.Corruption("bloom filter bits: %v", err)
	}
	b.numBits = uint64(b.bits.Len())
	if b.numBits == 0 {
		return nil, dberrors.Corruption("empty bloom filter")
	}

	return b, nil
}

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// hashKey derives the two double-hashing seeds from a single FNV-1a pass.
func hashKey(key []byte) (h1, h2 uint64) {
	h := uint64(fnvOffset64)
	for _, c := range key {
		h ^= uint64(c)
		h *= fnvPrime64
	}
	h1 = h
	// murmur3 finalizer
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h1, h | 1
}
