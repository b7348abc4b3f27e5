package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchdb/internal/vfs"
	"branchdb/pkg/dberrors"
	"branchdb/pkg/types"
)

func info(id types.BranchID) *BranchInfo {
	return &BranchInfo{ID: id, File: fmt.Sprintf("%06d.branch", id), Records: uint64(id)}
}

func ids(d Data) []types.BranchID {
	out := make([]types.BranchID, 0, len(d.Branches))
	for _, b := range d.Branches {
		out = append(out, b.ID)
	}
	return out
}

func TestManifest_LoadCreatesFile(t *testing.T) {
	dir := t.TempDir()
	m := New(nil, dir)
	require.NoError(t, m.Load())

	_, err := os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, types.BranchID(1), m.NextBranchID())
	assert.Empty(t, m.Data().Branches)
}

func TestManifest_CommitAndReload(t *testing.T) {
	dir := t.TempDir()
	m := New(nil, dir)
	require.NoError(t, m.Load())

	for range 4 {
		id := m.NextBranchID()
		require.NoError(t, m.Commit(Edit{Add: info(id), FlushedSeq: types.SeqN(id * 10)}))
	}
	assert.Equal(t, []types.BranchID{4, 3, 2, 1}, ids(m.Data()))

	// merge the two newest: the output takes their place
	out := m.NextBranchID()
	require.NoError(t, m.Commit(Edit{Replace: []types.BranchID{4, 3}, With: info(out)}))
	assert.Equal(t, []types.BranchID{5, 2, 1}, ids(m.Data()))

	// a run that compacted away entirely
	require.NoError(t, m.Commit(Edit{Replace: []types.BranchID{2, 1}}))
	assert.Equal(t, []types.BranchID{5}, ids(m.Data()))

	reloaded := New(nil, dir)
	require.NoError(t, reloaded.Load())
	d := reloaded.Data()
	assert.Equal(t, []types.BranchID{5}, ids(d))
	assert.Equal(t, types.SeqN(40), d.FlushedSeq)
	assert.Equal(t, types.BranchID(6), reloaded.NextBranchID())
}

func TestManifest_FlushedSeqNeverMovesBack(t *testing.T) {
	m := New(nil, t.TempDir())
	require.NoError(t, m.Load())

	require.NoError(t, m.Commit(Edit{FlushedSeq: 10}))
	require.NoError(t, m.Commit(Edit{FlushedSeq: 5}))
	assert.Equal(t, types.SeqN(10), m.Data().FlushedSeq)
}

func TestManifest_ReplaceUnknownBranchFails(t *testing.T) {
	m := New(nil, t.TempDir())
	require.NoError(t, m.Load())
	require.NoError(t, m.Commit(Edit{Add: info(m.NextBranchID())}))

	err := m.Commit(Edit{Replace: []types.BranchID{1, 9}})
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
	assert.Equal(t, []types.BranchID{1}, ids(m.Data()))
}

func TestManifest_FailedCommitKeepsState(t *testing.T) {
	dir := t.TempDir()
	ffs := vfs.NewFaultyFS(nil)
	m := New(ffs, dir)
	require.NoError(t, m.Load())
	require.NoError(t, m.Commit(Edit{Add: info(m.NextBranchID())}))

	ffs.AddRule(FileName, vfs.Fault{FailAfterBytes: -1, FailOnRename: true})
	err := m.Commit(Edit{Add: info(m.NextBranchID())})
	require.ErrorIs(t, err, dberrors.ErrIO)
	assert.Equal(t, []types.BranchID{1}, ids(m.Data()))

	ffs.ClearRules()
	reloaded := New(nil, dir)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, []types.BranchID{1}, ids(reloaded.Data()))
}

func TestManifest_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o600))

	err := New(nil, dir).Load()
	assert.ErrorIs(t, err, dberrors.ErrCorruption)
}
