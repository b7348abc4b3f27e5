package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is the WAL-assigned sequence number. Higher sequence numbers are newer.
type SeqN = uint64

// BranchID identifies an on-disk branch file.
type BranchID uint64

// Kind distinguishes a value write from a tombstone.
type Kind uint8

const (
	KindPut Kind = iota + 1
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func (k Kind) Valid() bool {
	return k == KindPut || k == KindDelete
}

// Record is a single mutation: a put carrying a value or a tombstone.
type Record struct {
	Key   Key
	Value Value
	Seq   SeqN
	Kind  Kind
}

func (r Record) IsTombstone() bool {
	return r.Kind == KindDelete
}

// Size approximates the in-memory footprint of the record.
func (r Record) Size() int {
	const overhead = 8 + 1 + 16
	return len(r.Key) + len(r.Value) + overhead
}
