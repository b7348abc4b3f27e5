package branch

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"branchdb/internal/hash"
	"branchdb/pkg/dberrors"
	"branchdb/pkg/types"
)

// A branch file is laid out as
//
//	page 0 | page 1 | ... | filter | index | footer
//
// Each page holds records in key order:
//
//	uvarint(keyLen) key | seq u64 | kind u8 | uvarint(valueLen) value
//
// and is stored compressed with the codec named in its index handle.
const (
	fileExt       = ".br"
	footerSize    = 80
	formatVersion = 1
	footerMagic   = 0x3148435241524242 // "BBRARCH1"
)

// FileName returns the file name of branch id.
func FileName(id types.BranchID) string {
	return fmt.Sprintf("%06d%s", id, fileExt)
}

// parseFileName reports the branch id encoded in a file name.
func parseFileName(name string) (types.BranchID, bool) {
	base, ok := strings.CutSuffix(filepath.Base(name), fileExt)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return types.BranchID(id), true
}

type footer struct {
	filterOff  uint64
	filterLen  uint64
	indexOff   uint64
	indexLen   uint64
	records    uint64
	tombstones uint64
	minSeq     types.SeqN
	maxSeq     types.SeqN
}

func (f footer) encode() []byte {
	buf := make([]byte, 0, footerSize)
	for _, v := range []uint64{
		f.filterOff, f.filterLen, f.indexOff, f.indexLen,
		f.records, f.tombstones, f.minSeq, f.maxSeq,
	} {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	buf = binary.LittleEndian.AppendUint32(buf, formatVersion)
	buf = binary.LittleEndian.AppendUint32(buf, hash.CRC32C(buf))
	return binary.LittleEndian.AppendUint64(buf, footerMagic)
}

func decodeFooter(buf []byte, fileSize int64) (footer, error) {
	if len(buf) != footerSize {
		return footer{}, dberrors.Corruption("footer is %d bytes", len(buf))
	}
	if binary.LittleEndian.Uint64(buf[72:]) != footerMagic {
		return footer{}, dberrors.Corruption("bad branch magic")
	}
	if hash.CRC32C(buf[:68]) != binary.LittleEndian.Uint32(buf[68:72]) {
		return footer{}, dberrors.Corruption("branch footer checksum mismatch")
	}
	if v := binary.LittleEndian.Uint32(buf[64:68]); v != formatVersion {
		return footer{}, dberrors.Corruption("unsupported branch version %d", v)
	}

	var words [8]uint64
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	f := footer{
		filterOff:  words[0],
		filterLen:  words[1],
		indexOff:   words[2],
		indexLen:   words[3],
		records:    words[4],
		tombstones: words[5],
		minSeq:     words[6],
		maxSeq:     words[7],
	}

	dataEnd := uint64(fileSize) - footerSize
	if f.filterOff+f.filterLen > f.indexOff || f.indexOff+f.indexLen != dataEnd {
		return footer{}, dberrors.Corruption("branch sections out of bounds")
	}
	return f, nil
}

func appendRecord(dst []byte, rec types.Record) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(rec.Key)))
	dst = append(dst, rec.Key...)
	dst = binary.LittleEndian.AppendUint64(dst, rec.Seq)
	dst = append(dst, byte(rec.Kind))
	dst = binary.AppendUvarint(dst, uint64(len(rec.Value)))
	return append(dst, rec.Value...)
}

// decodeRecord parses the record at the start of page and returns the number
// of bytes it used. Key and Value alias page.
func decodeRecord(page []byte) (types.Record, int, error) {
	klen, n := binary.Uvarint(page)
	if n <= 0 || klen > uint64(len(page)-n) {
		return types.Record{}, 0, dberrors.Corruption("page record key length")
	}
	pos := n
	key := page[pos : pos+int(klen) : pos+int(klen)]
	pos += int(klen)

	if len(page)-pos < 9 {
		return types.Record{}, 0, dberrors.Corruption("page record header truncated")
	}
	seq := binary.LittleEndian.Uint64(page[pos:])
	kind := types.Kind(page[pos+8])
	pos += 9
	if !kind.Valid() {
		return types.Record{}, 0, dberrors.Corruption("page record kind %d", kind)
	}

	vlen, n := binary.Uvarint(page[pos:])
	if n <= 0 || vlen > uint64(len(page)-pos-n) {
		return types.Record{}, 0, dberrors.Corruption("page record value length")
	}
	pos += n
	var value []byte
	if kind == types.KindPut {
		value = page[pos : pos+int(vlen) : pos+int(vlen)]
	}
	pos += int(vlen)

	return types.Record{Key: key, Value: value, Seq: seq, Kind: kind}, pos, nil
}
