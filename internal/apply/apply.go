// Package apply executes a reconciliation plan against one root. New
// content is staged under temporary names and promoted with an atomic
// rename, so an interrupted session leaves every file either untouched
// or fully written, never mixed.
package apply

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fync/internal/hash"
	"fync/internal/merge"
	"fync/internal/snapshot"
)

type Applier struct {
	root   string
	log    *zap.Logger
	staged map[string]*stagedFile
	failed map[string]struct{}
}

type stagedFile struct {
	tmpPath  string
	f        *os.File
	hw       *hash.Writer
	offset   int64
	finished bool
}

func New(root string, log *zap.Logger) *Applier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Applier{
		root:   root,
		log:    log,
		staged: make(map[string]*stagedFile),
		failed: make(map[string]struct{}),
	}
}

// target maps a wire path onto the root, rejecting anything that would
// escape it.
func (a *Applier) target(rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("invalid path %q", rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes root", rel)
	}
	return filepath.Join(a.root, clean), nil
}

// StageChunk appends incoming content for path to its staging file,
// creating it on the first chunk. Chunks must arrive in order.
func (a *Applier) StageChunk(path string, offset int64, data []byte) error {
	sf, ok := a.staged[path]
	if !ok {
		if offset != 0 {
			return fmt.Errorf("first chunk for %s has offset %d", path, offset)
		}
		target, err := a.target(path)
		if err != nil {
			return err
		}
		// Same directory as the target so the final rename stays on one
		// filesystem. A file may still occupy a parent path that a kind
		// change will clear during commit; stage at the root then.
		dir := filepath.Dir(target)
		if err := os.MkdirAll(dir, 0755); err != nil {
			dir = a.root
		}
		f, err := os.CreateTemp(dir, snapshot.TempPrefix+"*")
		if err != nil {
			return fmt.Errorf("failed to create staging file for %s: %w", path, err)
		}
		sf = &stagedFile{tmpPath: f.Name(), f: f, hw: hash.NewWriter(f)}
		a.staged[path] = sf
	}

	if sf.finished {
		return fmt.Errorf("chunk after final chunk for %s", path)
	}
	if offset != sf.offset {
		return fmt.Errorf("out-of-order chunk for %s: got offset %d, want %d", path, offset, sf.offset)
	}
	if _, err := sf.hw.Write(data); err != nil {
		return fmt.Errorf("failed to write staging file for %s: %w", path, err)
	}
	sf.offset += int64(len(data))
	return nil
}

// FinishStaged closes the staging file and verifies its digest against
// the expected entry. A mismatch discards the staged content.
func (a *Applier) FinishStaged(path string, want snapshot.FileEntry) error {
	sf, ok := a.staged[path]
	if !ok {
		// Zero-length file whose only chunk carried no data yet
		if err := a.StageChunk(path, 0, nil); err != nil {
			return err
		}
		sf = a.staged[path]
	}

	if err := sf.hw.Flush(); err != nil {
		return fmt.Errorf("failed to flush staging file for %s: %w", path, err)
	}
	if err := sf.f.Close(); err != nil {
		return fmt.Errorf("failed to close staging file for %s: %w", path, err)
	}

	if sf.offset != want.Size || sf.hw.Sum() != want.Hash {
		os.Remove(sf.tmpPath)
		delete(a.staged, path)
		return fmt.Errorf("staged content for %s does not match expected digest", path)
	}
	sf.finished = true
	return nil
}

// StagedCount returns the number of files currently staged.
func (a *Applier) StagedCount() int {
	return len(a.staged)
}

// FailedPaths lists the paths whose instructions failed during Commit,
// sorted. Entries for those paths must not be folded into the next
// persisted snapshot or the failure would read as done.
func (a *Applier) FailedPaths() []string {
	paths := make([]string, 0, len(a.failed))
	for p := range a.failed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Commit executes the instructions: deletes that clear the way for a
// create at the same path first (a kind change arrives as delete plus
// create), then directories parent-before-child, moves, staged-file
// promotions, symlinks, and finally the remaining deletes
// child-before-parent. Failures are collected per path; unaffected
// instructions still run, and the failed paths are retrievable via
// FailedPaths.
func (a *Applier) Commit(instrs []merge.Instruction) []error {
	var errs []error
	fail := func(in merge.Instruction, format string, args ...any) {
		err := fmt.Errorf(format, args...)
		a.log.Warn("apply step failed", zap.Error(err))
		errs = append(errs, err)
		a.failed[in.Path] = struct{}{}
		if in.From != "" {
			a.failed[in.From] = struct{}{}
		}
	}

	var mkdirs, moves, writes, symlinks, deletes []merge.Instruction
	for _, in := range instrs {
		switch in.Op {
		case merge.OpMkdir:
			mkdirs = append(mkdirs, in)
		case merge.OpMove:
			moves = append(moves, in)
		case merge.OpWrite:
			writes = append(writes, in)
		case merge.OpSymlink:
			symlinks = append(symlinks, in)
		case merge.OpDelete:
			deletes = append(deletes, in)
		}
	}

	runDeletes := func(list []merge.Instruction) {
		// Files before directories, deepest directories first
		sort.SliceStable(list, func(i, j int) bool {
			di, dj := list[i], list[j]
			if (di.Entry.Kind == snapshot.KindDir) != (dj.Entry.Kind == snapshot.KindDir) {
				return di.Entry.Kind != snapshot.KindDir
			}
			return pathDepth(di.Path) > pathDepth(dj.Path)
		})
		for _, in := range list {
			target, err := a.target(in.Path)
			if err != nil {
				fail(in, "delete %s: %w", in.Path, err)
				continue
			}
			if err := os.Remove(target); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				// A directory still holding excluded or conflicted content
				// stays behind
				if in.Entry.Kind == snapshot.KindDir && isNotEmpty(err) {
					a.log.Debug("leaving non-empty directory", zap.String("path", in.Path))
					continue
				}
				fail(in, "delete %s: %w", in.Path, err)
			}
		}
	}

	// A kind change is a delete plus a create at the same path. Those
	// deletes, and any deletes inside a directory being replaced, must
	// clear the path before the create passes run; everything else is
	// deleted after.
	created := make(map[string]struct{})
	for _, group := range [][]merge.Instruction{mkdirs, moves, writes, symlinks} {
		for _, in := range group {
			created[in.Path] = struct{}{}
		}
	}
	var clearing, rest []merge.Instruction
	var replacedDirs []string
	for _, in := range deletes {
		if _, ok := created[in.Path]; ok {
			clearing = append(clearing, in)
			if in.Entry.Kind == snapshot.KindDir {
				replacedDirs = append(replacedDirs, in.Path+"/")
			}
			continue
		}
		rest = append(rest, in)
	}
	deletes = nil
	for _, in := range rest {
		under := false
		for _, prefix := range replacedDirs {
			if strings.HasPrefix(in.Path, prefix) {
				under = true
				break
			}
		}
		if under {
			clearing = append(clearing, in)
		} else {
			deletes = append(deletes, in)
		}
	}
	runDeletes(clearing)

	sort.Slice(mkdirs, func(i, j int) bool { return pathDepth(mkdirs[i].Path) < pathDepth(mkdirs[j].Path) })
	for _, in := range mkdirs {
		target, err := a.target(in.Path)
		if err != nil {
			fail(in, "mkdir %s: %w", in.Path, err)
			continue
		}
		mode := os.FileMode(in.Entry.Mode)
		if mode == 0 {
			mode = 0755
		}
		if err := os.MkdirAll(target, mode); err != nil {
			fail(in, "mkdir %s: %w", in.Path, err)
			continue
		}
		// MkdirAll leaves an already-existing directory's mode alone
		if err := os.Chmod(target, mode); err != nil {
			fail(in, "mkdir %s: %w", in.Path, err)
		}
	}

	for _, in := range moves {
		from, err := a.target(in.From)
		if err != nil {
			fail(in, "move %s: %w", in.From, err)
			continue
		}
		to, err := a.target(in.Path)
		if err != nil {
			fail(in, "move %s: %w", in.Path, err)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
			fail(in, "move %s: %w", in.Path, err)
			continue
		}
		if err := os.Rename(from, to); err != nil {
			fail(in, "move %s -> %s: %w", in.From, in.Path, err)
		}
	}

	for _, in := range writes {
		sf, ok := a.staged[in.Path]
		if !ok || !sf.finished {
			fail(in, "write %s: content was never staged", in.Path)
			continue
		}
		target, err := a.target(in.Path)
		if err != nil {
			fail(in, "write %s: %w", in.Path, err)
			continue
		}
		if in.Entry.Mode != 0 {
			if err := os.Chmod(sf.tmpPath, os.FileMode(in.Entry.Mode)); err != nil {
				fail(in, "write %s: %w", in.Path, err)
				continue
			}
		}
		if err := os.Rename(sf.tmpPath, target); err != nil {
			fail(in, "write %s: %w", in.Path, err)
			continue
		}
		delete(a.staged, in.Path)
		// Carry the peer's mtime so the next scan reuses the digest
		if in.Entry.ModTime != 0 {
			mt := time.Unix(0, in.Entry.ModTime)
			if err := os.Chtimes(target, mt, mt); err != nil {
				a.log.Debug("could not set mtime", zap.String("path", in.Path), zap.Error(err))
			}
		}
	}

	for _, in := range symlinks {
		target, err := a.target(in.Path)
		if err != nil {
			fail(in, "symlink %s: %w", in.Path, err)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			fail(in, "symlink %s: %w", in.Path, err)
			continue
		}
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			fail(in, "symlink %s: %w", in.Path, err)
			continue
		}
		if err := os.Symlink(in.Entry.LinkTarget, target); err != nil {
			fail(in, "symlink %s: %w", in.Path, err)
		}
	}

	runDeletes(deletes)

	return errs
}

// Discard removes all staged files. Called when a session fails before
// commit; anything it cannot remove is invisible to future scans anyway.
func (a *Applier) Discard() {
	for path, sf := range a.staged {
		if !sf.finished {
			sf.f.Close()
		}
		os.Remove(sf.tmpPath)
		delete(a.staged, path)
	}
}

func pathDepth(p string) int {
	return strings.Count(p, "/")
}

func isNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}
