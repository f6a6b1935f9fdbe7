package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_LoadMissing(t *testing.T) {
	st := NewStore(t.TempDir())
	snap, err := st.Load(t.TempDir())
	require.NoError(t, err)
	require.Nil(t, snap, "no committed sync means no persisted state")
}

func TestStore_SaveAndLoad(t *testing.T) {
	stateDir := t.TempDir()
	root := t.TempDir()
	st := NewStore(stateDir)

	snap := FromEntries(root, 3, []FileEntry{
		{Path: "a.txt", Kind: KindFile, Size: 5, ModTime: 12345, Mode: 0644, Hash: "aa"},
		{Path: "sub", Kind: KindDir, Mode: 0755},
		{Path: "link", Kind: KindSymlink, LinkTarget: "a.txt"},
	})
	require.NoError(t, st.Save(snap))

	loaded, err := st.Load(root)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, uint64(3), loaded.Generation())
	require.Equal(t, snap.Entries(), loaded.Entries())
}

func TestStore_KeyedByResolvedRoot(t *testing.T) {
	stateDir := t.TempDir()
	root := t.TempDir()
	st := NewStore(stateDir)

	require.NoError(t, st.Save(FromEntries(root, 1, nil)))

	// The same root reached through a relative path maps to one record
	wd, err := os.Getwd()
	require.NoError(t, err)
	rel, err := filepath.Rel(wd, root)
	if err != nil {
		t.Skip("root not reachable relatively from cwd")
	}
	loaded, err := st.Load(rel)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, uint64(1), loaded.Generation())
}

func TestStore_LockExcludesSecondSession(t *testing.T) {
	stateDir := t.TempDir()
	root := t.TempDir()
	st := NewStore(stateDir)

	release, err := st.Lock(root)
	require.NoError(t, err)

	_, err = st.Lock(root)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSyncInProgress))

	release()
	release2, err := st.Lock(root)
	require.NoError(t, err)
	release2()
}

func TestStore_DistinctRootsDistinctRecords(t *testing.T) {
	stateDir := t.TempDir()
	rootA := t.TempDir()
	rootB := t.TempDir()
	st := NewStore(stateDir)

	require.NoError(t, st.Save(FromEntries(rootA, 1, []FileEntry{{Path: "a", Kind: KindFile, Size: 1, Hash: "aa"}})))
	require.NoError(t, st.Save(FromEntries(rootB, 7, nil)))

	a, err := st.Load(rootA)
	require.NoError(t, err)
	b, err := st.Load(rootB)
	require.NoError(t, err)
	require.Equal(t, uint64(1), a.Generation())
	require.Equal(t, uint64(7), b.Generation())
	require.Equal(t, 1, a.Len())
	require.Equal(t, 0, b.Len())
}
