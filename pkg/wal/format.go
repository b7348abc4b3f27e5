package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"branchdb/internal/hash"
	"branchdb/pkg/dberrors"
	"branchdb/pkg/types"
)

const (
	segmentMagic   uint32 = 0x4c574442 // "BDWL"
	segmentVersion uint32 = 1

	headerSize       = 12 // magic | version | crc
	recordHeaderSize = 8  // crc | length
	minPayloadSize   = 8 + 1 + 1 + 1
	maxPayloadSize   = 1 << 30
)

// ErrTornRecord marks an incomplete or garbled record at the very end of a segment.
var ErrTornRecord = fmt.Errorf("%w: torn wal record", dberrors.ErrCorruption)

func encodeHeader() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], segmentMagic)
	binary.LittleEndian.PutUint32(buf[4:8], segmentVersion)
	binary.LittleEndian.PutUint32(buf[8:12], hash.CRC32C(buf[0:8]))
	return buf
}

func checkHeader(buf []byte) error {
	if len(buf) < headerSize {
		return ErrTornRecord
	}
	if binary.LittleEndian.Uint32(buf[8:12]) != hash.CRC32C(buf[0:8]) {
		return dberrors.Corruption("wal header checksum mismatch")
	}
	if m := binary.LittleEndian.Uint32(buf[0:4]); m != segmentMagic {
		return dberrors.Corruption("wal header magic %#x", m)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != segmentVersion {
		return dberrors.Corruption("unsupported wal version %d", v)
	}
	return nil
}

// appendRecord frames a record as crc | length | payload onto dst.
// payload is seq | kind | uvarint(len key) key | uvarint(len value) value.
func appendRecord(dst []byte, seq types.SeqN, kind types.Kind, key, value []byte) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, recordHeaderSize)...)

	dst = binary.LittleEndian.AppendUint64(dst, seq)
	dst = append(dst, byte(kind))
	dst = binary.AppendUvarint(dst, uint64(len(key)))
	dst = append(dst, key...)
	dst = binary.AppendUvarint(dst, uint64(len(value)))
	dst = append(dst, value...)

	frame := dst[start:]
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(frame)-recordHeaderSize))
	binary.LittleEndian.PutUint32(frame[0:4], hash.CRC32C(frame[4:]))
	return dst
}

func decodePayload(p []byte) (types.Record, error) {
	var rec types.Record
	if len(p) < minPayloadSize {
		return rec, dberrors.Corruption("wal payload too short: %d", len(p))
	}
	rec.Seq = binary.LittleEndian.Uint64(p[0:8])
	rec.Kind = types.Kind(p[8])
	if !rec.Kind.Valid() {
		return rec, dberrors.Corruption("wal record %d has unknown kind %d", rec.Seq, p[8])
	}
	p = p[9:]

	klen, n := binary.Uvarint(p)
	if n <= 0 || uint64(len(p)-n) < klen {
		return rec, dberrors.Corruption("wal record %d has bad key length", rec.Seq)
	}
	p = p[n:]
	rec.Key = p[:klen:klen]
	p = p[klen:]

	vlen, n := binary.Uvarint(p)
	if n <= 0 || uint64(len(p)-n) != vlen {
		return rec, dberrors.Corruption("wal record %d has bad value length", rec.Seq)
	}
	rec.Value = p[n:]
	return rec, nil
}

// scanner reads framed records from one segment.
type scanner struct {
	src  io.ReaderAt
	r    *bufio.Reader
	off  int64
	size int64
}

func newScanner(r io.ReaderAt, size int64) (*scanner, error) {
	s := &scanner{
		src:  r,
		r:    bufio.NewReaderSize(io.NewSectionReader(r, 0, size), 64<<10),
		size: size,
	}
	if size < headerSize {
		return s, ErrTornRecord
	}
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(s.r, hdr); err != nil {
		return s, dberrors.IOError("read wal header", err)
	}
	if err := checkHeader(hdr); err != nil {
		return s, err
	}
	s.off = headerSize
	return s, nil
}

// next returns io.EOF at a clean end, ErrTornRecord when the segment ends inside
// or on a damaged record, and a corruption error when a valid frame follows the damage.
func (s *scanner) next() (types.Record, error) {
	if s.off == s.size {
		return types.Record{}, io.EOF
	}
	if s.size-s.off < recordHeaderSize {
		return types.Record{}, ErrTornRecord
	}

	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		return types.Record{}, dberrors.IOError("read wal record", err)
	}
	sum := binary.LittleEndian.Uint32(hdr[0:4])
	n := binary.LittleEndian.Uint32(hdr[4:8])
	end := s.off + recordHeaderSize + int64(n)

	if n < minPayloadSize || n > maxPayloadSize || end > s.size {
		return types.Record{}, s.damaged("bad record length %d", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return types.Record{}, dberrors.IOError("read wal record", err)
	}
	if hash.UpdateCRC32C(hash.CRC32C(hdr[4:8]), payload) != sum {
		return types.Record{}, s.damaged("record checksum mismatch")
	}

	rec, err := decodePayload(payload)
	if err != nil {
		return types.Record{}, fmt.Errorf("offset %d: %w", s.off, err)
	}
	s.off = end
	return rec, nil
}

// damaged classifies a bad frame at s.off. A crash can only garble the tail, so
// the damage is torn unless an intact frame starts somewhere after it.
func (s *scanner) damaged(format string, args ...any) error {
	found, err := s.frameAfter(s.off + 1)
	if err != nil {
		return err
	}
	if !found {
		return ErrTornRecord
	}
	return fmt.Errorf("offset %d: %w", s.off, dberrors.Corruption(format, args...))
}

// frameAfter reports whether a checksummed, decodable frame starts in [from, size).
func (s *scanner) frameAfter(from int64) (bool, error) {
	if s.size-from < recordHeaderSize+minPayloadSize {
		return false, nil
	}
	rest := make([]byte, s.size-from)
	if _, err := s.src.ReadAt(rest, from); err != nil && !errors.Is(err, io.EOF) {
		return false, dberrors.IOError("read wal tail", err)
	}

	for i := 0; len(rest)-i >= recordHeaderSize+minPayloadSize; i++ {
		n := binary.LittleEndian.Uint32(rest[i+4 : i+8])
		if n < minPayloadSize || int64(n) > int64(len(rest)-i-recordHeaderSize) {
			continue
		}
		frame := rest[i+4 : i+recordHeaderSize+int(n)]
		if hash.CRC32C(frame) != binary.LittleEndian.Uint32(rest[i:i+4]) {
			continue
		}
		if _, err := decodePayload(frame[4:]); err == nil {
			return true, nil
		}
	}
	return false, nil
}

func isTorn(err error) bool {
	return errors.Is(err, ErrTornRecord)
}
