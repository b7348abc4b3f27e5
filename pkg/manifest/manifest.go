package manifest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/goccy/go-json"

	"branchdb/internal/vfs"
	"branchdb/pkg/dberrors"
	"branchdb/pkg/types"
)

const (
	FileName       = "MANIFEST"
	tmpSuffix      = ".tmp"
	currentVersion = 1
)

// Manifest records the branch list and the flush watermark. Every change is
// written to a temp file, synced and renamed over the previous manifest, so a
// crash leaves either the old or the new state on disk.
type Manifest struct {
	mu       sync.Mutex
	fs       vfs.FileSystem
	dir      string
	filePath string
	metadata Data
}

// Data is the persisted manifest content.
type Data struct {
	Version      int    `json:"version"`
	NextBranchID uint64 `json:"next_branch_id"`
	// Branches, newest first.
	Branches []BranchInfo `json:"branches"`
	// FlushedSeq is the highest sequence whose record lives in a branch.
	FlushedSeq types.SeqN `json:"flushed_seq"`
}

// BranchInfo represents one branch file.
type BranchInfo struct {
	ID      types.BranchID `json:"id"`
	File    string         `json:"file"`
	Size    int64          `json:"size"`
	Records uint64         `json:"records"`
	MinSeq  types.SeqN     `json:"min_seq"`
	MaxSeq  types.SeqN     `json:"max_seq"`
}

// Edit is one atomic change to the manifest.
type Edit struct {
	// Add registers a branch as the newest.
	Add *BranchInfo
	// Replace removes these branches. With, when set, takes the position of the
	// first removed branch.
	Replace []types.BranchID
	With    *BranchInfo
	// FlushedSeq raises the flush watermark.
	FlushedSeq types.SeqN
}

// New creates a manifest rooted at dir. Call Load before use.
func New(fs vfs.FileSystem, dir string) *Manifest {
	if fs == nil {
		fs = vfs.Default
	}
	return &Manifest{
		fs:       fs,
		dir:      dir,
		filePath: filepath.Join(dir, FileName),
		metadata: Data{
			Version:      currentVersion,
			NextBranchID: 1,
		},
	}
}

// Load reads the manifest from disk, creating it when absent.
func (m *Manifest) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok, err := vfs.Exists(m.fs, m.filePath)
	if err != nil {
		return dberrors.IOError("stat manifest", err)
	}
	if !ok {
		return m.save(m.metadata)
	}

	f, err := m.fs.OpenFile(m.filePath, os.O_RDONLY, 0)
	if err != nil {
		return dberrors.IOError("open manifest", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return dberrors.IOError("read manifest", err)
	}

	var md Data
	if err := json.Unmarshal(data, &md); err != nil {
		return dberrors.Corruption("parse manifest: %v", err)
	}
	if md.Version != currentVersion {
		return dberrors.Corruption("unsupported manifest version %d", md.Version)
	}
	for _, b := range md.Branches {
		if b.ID >= types.BranchID(md.NextBranchID) {
			return dberrors.Corruption("branch %d not below next id %d", b.ID, md.NextBranchID)
		}
	}
	m.metadata = md

	return nil
}

// Data returns a copy of the current state.
func (m *Manifest) Data() Data {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.metadata.clone()
}

// NextBranchID allocates a branch id. It becomes durable with the next Commit.
func (m *Manifest) NextBranchID() types.BranchID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.metadata.NextBranchID
	m.metadata.NextBranchID++
	return types.BranchID(id)
}

// Commit applies e and persists the result. On failure the in-memory state is unchanged.
func (m *Manifest) Commit(e Edit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := m.metadata.apply(e)
	if err != nil {
		return err
	}
	if err := m.save(next); err != nil {
		return err
	}
	m.metadata = next

	return nil
}

func (d Data) clone() Data {
	d.Branches = slices.Clone(d.Branches)
	return d
}

func (d Data) apply(e Edit) (Data, error) {
	next := d.clone()

	if len(e.Replace) > 0 {
		pos := -1
		kept := next.Branches[:0]
		for _, b := range next.Branches {
			if slices.Contains(e.Replace, b.ID) {
				if pos < 0 {
					pos = len(kept)
				}
				continue
			}
			kept = append(kept, b)
		}
		if removed := len(next.Branches) - len(kept); removed != len(e.Replace) {
			return d, fmt.Errorf("replace %v: %d of %d branches registered: %w",
				e.Replace, removed, len(e.Replace), dberrors.ErrInvalidArgument)
		}
		next.Branches = kept
		if e.With != nil {
			next.Branches = slices.Insert(next.Branches, pos, *e.With)
		}
	}

	if e.Add != nil {
		next.Branches = slices.Insert(next.Branches, 0, *e.Add)
	}
	next.FlushedSeq = max(next.FlushedSeq, e.FlushedSeq)

	for _, b := range next.Branches {
		if uint64(b.ID) >= next.NextBranchID {
			next.NextBranchID = uint64(b.ID) + 1
		}
	}

	return next, nil
}

func (m *Manifest) save(md Data) error {
	if err := m.fs.MkdirAll(m.dir, 0o750); err != nil {
		return dberrors.IOError("create manifest directory", err)
	}

	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp := m.filePath + tmpSuffix
	f, err := m.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return dberrors.IOError("create manifest", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return dberrors.IOError("write manifest", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return dberrors.IOError("sync manifest", err)
	}
	if err := f.Close(); err != nil {
		return dberrors.IOError("close manifest", err)
	}
	if err := m.fs.Rename(tmp, m.filePath); err != nil {
		return dberrors.IOError("install manifest", err)
	}

	return dberrors.IOError("sync manifest directory", m.fs.SyncDir(m.dir))
}
