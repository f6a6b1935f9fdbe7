package merge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fync/internal/diff"
	"fync/internal/snapshot"
)

func fileEntry(path, hash string, size int64) *snapshot.FileEntry {
	return &snapshot.FileEntry{Path: path, Kind: snapshot.KindFile, Size: size, Hash: hash, Mode: 0644}
}

func added(path, hash string, size int64) diff.FileChange {
	return diff.FileChange{Op: diff.Added, Path: path, New: fileEntry(path, hash, size)}
}

func modified(path, oldHash, newHash string) diff.FileChange {
	return diff.FileChange{Op: diff.Modified, Path: path, Old: fileEntry(path, oldHash, 5), New: fileEntry(path, newHash, 6)}
}

func deleted(path, hash string) diff.FileChange {
	return diff.FileChange{Op: diff.Deleted, Path: path, Old: fileEntry(path, hash, 5)}
}

func renamed(from, to, hash string) diff.FileChange {
	return diff.FileChange{Op: diff.Renamed, Path: to, From: from, Old: fileEntry(from, hash, 5), New: fileEntry(to, hash, 5)}
}

func cs(changes ...diff.FileChange) *diff.ChangeSet {
	return &diff.ChangeSet{Changes: changes}
}

func TestResolve_OneSidedChangesPropagate(t *testing.T) {
	local := cs(added("mine.txt", "aa", 5))
	remote := cs(added("theirs.txt", "bb", 7))

	plan := Resolve(local, remote, Options{})
	require.Empty(t, plan.Conflicts)

	require.Len(t, plan.ApplyLocal, 1)
	require.Equal(t, OpWrite, plan.ApplyLocal[0].Op)
	require.Equal(t, "theirs.txt", plan.ApplyLocal[0].Path)

	require.Len(t, plan.SendRemote, 1)
	require.Equal(t, "mine.txt", plan.SendRemote[0].Path)
}

func TestResolve_Symmetric(t *testing.T) {
	local := cs(added("a.txt", "aa", 5), modified("b.txt", "b1", "b2"))
	remote := cs(deleted("c.txt", "cc"), modified("b.txt", "b1", "b3"))

	mine := Resolve(local, remote, Options{})
	theirs := Resolve(remote, local, Options{})

	// Each side's sends are the mirror of the other side's applies
	require.Len(t, mine.SendRemote, 1)
	require.Equal(t, "a.txt", mine.SendRemote[0].Path)
	var theirApplyWrites []string
	for _, in := range theirs.ApplyLocal {
		if in.Op == OpWrite {
			theirApplyWrites = append(theirApplyWrites, in.Path)
		}
	}
	require.Equal(t, []string{"a.txt"}, theirApplyWrites)

	// Conflicts are identical from both perspectives
	require.Len(t, mine.Conflicts, 1)
	require.Len(t, theirs.Conflicts, 1)
	require.Equal(t, mine.Conflicts[0].Path, theirs.Conflicts[0].Path)
	require.Equal(t, "b.txt", mine.Conflicts[0].Path)
}

func TestResolve_IdenticalChangesAreNoOps(t *testing.T) {
	local := cs(modified("same.txt", "old", "new"))
	remote := cs(modified("same.txt", "old", "new"))

	plan := Resolve(local, remote, Options{})
	require.Empty(t, plan.Conflicts)
	require.Empty(t, plan.ApplyLocal)
	require.Empty(t, plan.SendRemote)
}

func TestResolve_IdenticalDeletesAgree(t *testing.T) {
	local := cs(deleted("gone.txt", "aa"))
	remote := cs(deleted("gone.txt", "aa"))

	plan := Resolve(local, remote, Options{})
	require.Empty(t, plan.Conflicts)
	require.Empty(t, plan.ApplyLocal)
}

func TestResolve_BothModifiedDifferentlyConflicts(t *testing.T) {
	local := cs(modified("p.txt", "old", "x"))
	remote := cs(modified("p.txt", "old", "y"))

	plan := Resolve(local, remote, Options{})
	require.Len(t, plan.Conflicts, 1)
	require.Equal(t, "p.txt", plan.Conflicts[0].Path)
	require.Equal(t, "x", plan.Conflicts[0].Local.New.Hash)
	require.Equal(t, "y", plan.Conflicts[0].Remote.New.Hash)
	require.Empty(t, plan.ApplyLocal, "conflicted paths are never applied")
	require.Empty(t, plan.SendRemote)
}

func TestResolve_DeleteVsModifyConflicts(t *testing.T) {
	local := cs(deleted("p.txt", "old"))
	remote := cs(modified("p.txt", "old", "new"))

	plan := Resolve(local, remote, Options{})
	require.Len(t, plan.Conflicts, 1)
	require.Empty(t, plan.ApplyLocal)
	require.Empty(t, plan.SendRemote)
}

func TestResolve_RenameBecomesLocalMove(t *testing.T) {
	remote := cs(renamed("old.txt", "new.txt", "aa"))

	plan := Resolve(cs(), remote, Options{})
	require.Empty(t, plan.Conflicts)
	require.Len(t, plan.ApplyLocal, 1)
	require.Equal(t, OpMove, plan.ApplyLocal[0].Op)
	require.Equal(t, "old.txt", plan.ApplyLocal[0].From)
	require.Equal(t, "new.txt", plan.ApplyLocal[0].Path)
}

func TestResolve_RenameOverlappingEditConflicts(t *testing.T) {
	local := cs(renamed("a.txt", "b.txt", "aa"))
	remote := cs(modified("a.txt", "aa", "zz"))

	plan := Resolve(local, remote, Options{})
	require.Len(t, plan.Conflicts, 1)
	require.Equal(t, "a.txt", plan.Conflicts[0].Path)
	// The excluded rename must not leak instructions for either endpoint
	require.Empty(t, plan.ApplyLocal)
	require.Empty(t, plan.SendRemote)
}

func TestResolve_ReadOnlyLocalSkipsApplies(t *testing.T) {
	local := cs(added("mine.txt", "aa", 5))
	remote := cs(added("theirs.txt", "bb", 7))

	plan := Resolve(local, remote, Options{LocalReadOnly: true})
	require.Empty(t, plan.ApplyLocal)
	require.Len(t, plan.SendRemote, 1)
}

func TestResolve_ReadOnlyRemoteSkipsSends(t *testing.T) {
	local := cs(added("mine.txt", "aa", 5))
	remote := cs(added("theirs.txt", "bb", 7))

	plan := Resolve(local, remote, Options{RemoteReadOnly: true})
	require.Len(t, plan.ApplyLocal, 1)
	require.Empty(t, plan.SendRemote)
}

func TestResolve_KindChangeReplacesEntry(t *testing.T) {
	link := &snapshot.FileEntry{Path: "x", Kind: snapshot.KindSymlink, LinkTarget: "a.txt"}
	remote := cs(diff.FileChange{Op: diff.Modified, Path: "x", Old: fileEntry("x", "aa", 5), New: link})

	plan := Resolve(cs(), remote, Options{})
	require.Len(t, plan.ApplyLocal, 2)
	require.Equal(t, OpDelete, plan.ApplyLocal[0].Op)
	require.Equal(t, OpSymlink, plan.ApplyLocal[1].Op)
}

func TestNextSnapshot_FoldsBothSides(t *testing.T) {
	ancestor := snapshot.FromEntries("/r", 1, []snapshot.FileEntry{
		*fileEntry("keep.txt", "kk", 5),
		*fileEntry("gone.txt", "gg", 5),
		*fileEntry("moved.txt", "mm", 5),
	})
	local := cs(deleted("gone.txt", "gg"), added("new.txt", "nn", 3))
	remote := cs(renamed("moved.txt", "dest.txt", "mm"))

	entries := NextSnapshot(ancestor, local, remote, nil, nil, Options{})

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	require.Equal(t, []string{"dest.txt", "keep.txt", "new.txt"}, paths)
}

func TestNextSnapshot_ConflictKeepsAncestorEntry(t *testing.T) {
	ancestor := snapshot.FromEntries("/r", 1, []snapshot.FileEntry{*fileEntry("p.txt", "old", 5)})
	local := cs(modified("p.txt", "old", "x"))
	remote := cs(modified("p.txt", "old", "y"))

	plan := Resolve(local, remote, Options{})
	entries := NextSnapshot(ancestor, local, remote, plan.Conflicts, nil, Options{})

	require.Len(t, entries, 1)
	require.Equal(t, "old", entries[0].Hash, "ancestor entry retained so the conflict resurfaces")
}

func TestNextSnapshot_FailedApplyKeepsAncestorEntry(t *testing.T) {
	ancestor := snapshot.FromEntries("/r", 1, []snapshot.FileEntry{*fileEntry("p.txt", "old", 5)})
	remote := cs(modified("p.txt", "old", "new"))

	entries := NextSnapshot(ancestor, cs(), remote, nil, []string{"p.txt"}, Options{})

	require.Len(t, entries, 1)
	require.Equal(t, "old", entries[0].Hash, "a change that could not be applied stays pending")
}

func TestNextSnapshot_IdenticalOnBothPeers(t *testing.T) {
	ancestor := snapshot.FromEntries("/r", 1, []snapshot.FileEntry{*fileEntry("a.txt", "aa", 5)})
	local := cs(modified("a.txt", "aa", "a2"), added("b.txt", "bb", 3))
	remote := cs(deleted("nonexistent-is-fine.txt", "zz"))

	mine := NextSnapshot(ancestor, local, remote, nil, nil, Options{})
	theirs := NextSnapshot(ancestor, remote, local, nil, nil, Options{})
	require.Equal(t, mine, theirs)
}

func TestNextSnapshot_EquivalentChangesPickOneEntry(t *testing.T) {
	ancestor := snapshot.FromEntries("/r", 1, []snapshot.FileEntry{*fileEntry("a.txt", "aa", 5)})

	// Same content written independently on both sides: identical hash
	// and size, different mtimes.
	mineNew := fileEntry("a.txt", "a2", 6)
	mineNew.ModTime = 200
	theirsNew := fileEntry("a.txt", "a2", 6)
	theirsNew.ModTime = 100
	local := cs(diff.FileChange{Op: diff.Modified, Path: "a.txt", Old: fileEntry("a.txt", "aa", 5), New: mineNew})
	remote := cs(diff.FileChange{Op: diff.Modified, Path: "a.txt", Old: fileEntry("a.txt", "aa", 5), New: theirsNew})

	mine := NextSnapshot(ancestor, local, remote, nil, nil, Options{})
	theirs := NextSnapshot(ancestor, remote, local, nil, nil, Options{})

	require.Equal(t, mine, theirs, "both peers must persist the same entry")
	require.Len(t, mine, 1)
	require.Equal(t, int64(100), mine[0].ModTime)
}

func TestNextSnapshot_ReadOnlyPeerChangesStayPending(t *testing.T) {
	ancestor := snapshot.FromEntries("/r", 1, nil)
	pusher := cs(added("pushed.txt", "pp", 4))
	receiver := cs(added("private.txt", "vv", 4))

	// Local is the read-only pusher: its changes propagate, the
	// receiver's own changes are not folded and resurface next run.
	entries := NextSnapshot(ancestor, pusher, receiver, nil, nil, Options{LocalReadOnly: true})
	require.Len(t, entries, 1)
	require.Equal(t, "pushed.txt", entries[0].Path)
}
