package diff

import (
	"fmt"
	"sort"

	"fync/internal/snapshot"
)

type Op string

const (
	Added    Op = "ADDED"
	Modified Op = "MODIFIED"
	Deleted  Op = "DELETED"
	Renamed  Op = "RENAMED"
)

// FileChange describes one change relative to the ancestor snapshot.
// For Renamed, Path is the new location and From the old one. Old and
// New carry the ancestor-side and current-side entries as present.
// A FileChange is never mutated after construction.
type FileChange struct {
	Op   Op                  `json:"op"`
	Path string              `json:"path"`
	From string              `json:"from,omitempty"`
	Old  *snapshot.FileEntry `json:"old,omitempty"`
	New  *snapshot.FileEntry `json:"new,omitempty"`
}

// ChangeSet is one side's ordered changes since the ancestor: changes to
// ancestor paths in ancestor order first, then new paths in lexicographic
// order, so downstream processing is deterministic.
type ChangeSet struct {
	Changes []FileChange `json:"changes"`
}

func (cs *ChangeSet) Empty() bool {
	return cs == nil || len(cs.Changes) == 0
}

func (cs *ChangeSet) Len() int {
	if cs == nil {
		return 0
	}
	return len(cs.Changes)
}

// Diff compares the current snapshot against the ancestor and classifies
// every path in their union. An Added and a Deleted entry with identical
// file digest and size coalesce into a single Renamed entry.
func Diff(ancestor, current *snapshot.Snapshot) *ChangeSet {
	deleted := make(map[string]FileChange)  // old path -> change
	modified := make(map[string]FileChange) // path -> change
	var addedPaths []string
	added := make(map[string]FileChange)

	for _, path := range ancestor.Paths() {
		oldEntry, _ := ancestor.Lookup(path)
		newEntry, ok := current.Lookup(path)
		if !ok {
			old := oldEntry
			deleted[path] = FileChange{Op: Deleted, Path: path, Old: &old}
			continue
		}
		if !oldEntry.SameContent(newEntry) {
			old, fresh := oldEntry, newEntry
			modified[path] = FileChange{Op: Modified, Path: path, Old: &old, New: &fresh}
		}
	}

	for _, path := range current.Paths() {
		if _, ok := ancestor.Lookup(path); ok {
			continue
		}
		entry, _ := current.Lookup(path)
		fresh := entry
		added[path] = FileChange{Op: Added, Path: path, New: &fresh}
		addedPaths = append(addedPaths, path)
	}
	sort.Strings(addedPaths)

	renames := detectRenames(added, addedPaths, deleted)

	// Assemble in the documented order: ancestor paths first, then new
	// paths lexicographically. A rename is emitted at its new path.
	var out []FileChange
	for _, path := range ancestor.Paths() {
		if c, ok := modified[path]; ok {
			out = append(out, c)
			continue
		}
		if c, ok := deleted[path]; ok {
			if _, consumed := renames.byOldPath[path]; !consumed {
				out = append(out, c)
			}
		}
	}
	for _, path := range addedPaths {
		if c, ok := renames.byNewPath[path]; ok {
			out = append(out, c)
			continue
		}
		out = append(out, added[path])
	}

	return &ChangeSet{Changes: out}
}

type renameIndex struct {
	byNewPath map[string]FileChange
	byOldPath map[string]struct{}
}

type contentKey struct {
	hash string
	size int64
}

// detectRenames pairs added files with deleted files of identical digest
// and size. When several deleted entries share the content, the one with
// the longest common path prefix wins, ties broken by the smallest old
// path. Best-effort heuristic: it only affects transfer economy, a missed
// pairing degrades to Added plus Deleted.
func detectRenames(added map[string]FileChange, addedPaths []string, deleted map[string]FileChange) renameIndex {
	idx := renameIndex{
		byNewPath: make(map[string]FileChange),
		byOldPath: make(map[string]struct{}),
	}

	candidates := make(map[contentKey][]string)
	for oldPath, c := range deleted {
		if c.Old.Kind != snapshot.KindFile || c.Old.Hash == "" {
			continue
		}
		key := contentKey{hash: c.Old.Hash, size: c.Old.Size}
		candidates[key] = append(candidates[key], oldPath)
	}
	for _, paths := range candidates {
		sort.Strings(paths)
	}

	for _, newPath := range addedPaths {
		c := added[newPath]
		if c.New.Kind != snapshot.KindFile || c.New.Hash == "" {
			continue
		}
		key := contentKey{hash: c.New.Hash, size: c.New.Size}
		best := -1
		bestPrefix := -1
		for i, oldPath := range candidates[key] {
			if oldPath == "" {
				continue // already consumed
			}
			if p := commonPrefixLen(oldPath, newPath); p > bestPrefix {
				best, bestPrefix = i, p
			}
		}
		if best < 0 {
			continue
		}
		oldPath := candidates[key][best]
		candidates[key][best] = ""

		old := deleted[oldPath].Old
		idx.byNewPath[newPath] = FileChange{Op: Renamed, Path: newPath, From: oldPath, Old: old, New: c.New}
		idx.byOldPath[oldPath] = struct{}{}
	}
	return idx
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// FormatReport renders a change set for human consumption.
func FormatReport(cs *ChangeSet) string {
	if cs.Empty() {
		return "No changes detected."
	}

	var addedC, modifiedC, deletedC, renamedC []FileChange
	for _, c := range cs.Changes {
		switch c.Op {
		case Added:
			addedC = append(addedC, c)
		case Modified:
			modifiedC = append(modifiedC, c)
		case Deleted:
			deletedC = append(deletedC, c)
		case Renamed:
			renamedC = append(renamedC, c)
		}
	}

	report := "Changes detected:\n\n"

	if len(addedC) > 0 {
		report += fmt.Sprintf("ADDED (%d):\n", len(addedC))
		for _, c := range addedC {
			if c.New.Kind == snapshot.KindFile {
				report += fmt.Sprintf("  + %s (hash: %s, size: %d bytes)\n", c.Path, c.New.Hash, c.New.Size)
			} else {
				report += fmt.Sprintf("  + %s (%s)\n", c.Path, c.New.Kind)
			}
		}
		report += "\n"
	}

	if len(modifiedC) > 0 {
		report += fmt.Sprintf("MODIFIED (%d):\n", len(modifiedC))
		for _, c := range modifiedC {
			report += fmt.Sprintf("  ~ %s\n", c.Path)
			report += fmt.Sprintf("    Old: hash=%s, size=%d bytes\n", c.Old.Hash, c.Old.Size)
			report += fmt.Sprintf("    New: hash=%s, size=%d bytes\n", c.New.Hash, c.New.Size)
		}
		report += "\n"
	}

	if len(renamedC) > 0 {
		report += fmt.Sprintf("RENAMED (%d):\n", len(renamedC))
		for _, c := range renamedC {
			report += fmt.Sprintf("  > %s -> %s\n", c.From, c.Path)
		}
		report += "\n"
	}

	if len(deletedC) > 0 {
		report += fmt.Sprintf("DELETED (%d):\n", len(deletedC))
		for _, c := range deletedC {
			report += fmt.Sprintf("  - %s\n", c.Path)
		}
		report += "\n"
	}

	report += fmt.Sprintf("Summary: %d added, %d modified, %d renamed, %d deleted\n",
		len(addedC), len(modifiedC), len(renamedC), len(deletedC))

	return report
}
