package snapshot

import (
	"encoding/hex"
	"fmt"
	"sort"

	mt "github.com/txaty/go-merkletree"

	"fync/internal/hash"
)

// Kind distinguishes the entry types recorded in a snapshot.
type Kind uint8

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// FileEntry records one path in a snapshot. Paths are relative to the
// snapshot root and slash-normalized. Hash is only set once computed;
// an empty hash means the content digest is unknown, never "empty file".
type FileEntry struct {
	Path       string `json:"path"`
	Kind       Kind   `json:"kind"`
	Size       int64  `json:"size,omitempty"`
	ModTime    int64  `json:"mtime,omitempty"` // Unix nanoseconds
	Mode       uint32 `json:"mode,omitempty"`
	Hash       string `json:"hash,omitempty"`
	LinkTarget string `json:"link,omitempty"`
}

// SameContent reports whether two entries describe the same content.
// Directories compare equal by existence, symlinks by target string,
// files by size and digest.
func (e FileEntry) SameContent(o FileEntry) bool {
	if e.Kind != o.Kind {
		return false
	}
	switch e.Kind {
	case KindDir:
		return true
	case KindSymlink:
		return e.LinkTarget == o.LinkTarget
	default:
		return e.Size == o.Size && e.Hash != "" && e.Hash == o.Hash
	}
}

// row is the canonical serialization used for the summary root.
func (e FileEntry) row() []byte {
	return []byte(fmt.Sprintf("%s\x00%d\x00%d\x00%s\x00%s", e.Path, e.Kind, e.Size, e.Hash, e.LinkTarget))
}

// Snapshot is an immutable point-in-time record of a tree's metadata.
// A new Snapshot is always built from scratch, never mutated in place.
type Snapshot struct {
	root       string
	generation uint64
	entries    map[string]FileEntry
	paths      []string // sorted
}

// FromEntries builds a snapshot from a list of entries. Later duplicates
// of the same path win, which cannot happen for entries produced by a
// single scan.
func FromEntries(root string, generation uint64, entries []FileEntry) *Snapshot {
	m := make(map[string]FileEntry, len(entries))
	for _, e := range entries {
		m[e.Path] = e
	}
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return &Snapshot{root: root, generation: generation, entries: m, paths: paths}
}

// Empty returns a snapshot with no entries, used as the ancestor for a
// first synchronization.
func Empty(root string) *Snapshot {
	return FromEntries(root, 0, nil)
}

func (s *Snapshot) Root() string       { return s.root }
func (s *Snapshot) Generation() uint64 { return s.generation }
func (s *Snapshot) Len() int           { return len(s.entries) }

// Lookup returns the entry for path if present.
func (s *Snapshot) Lookup(path string) (FileEntry, bool) {
	e, ok := s.entries[path]
	return e, ok
}

// Paths returns all paths in sorted order. Callers must not mutate the
// returned slice.
func (s *Snapshot) Paths() []string {
	return s.paths
}

// Entries returns all entries in path order.
func (s *Snapshot) Entries() []FileEntry {
	out := make([]FileEntry, 0, len(s.paths))
	for _, p := range s.paths {
		out = append(out, s.entries[p])
	}
	return out
}

type entryBlock struct {
	data []byte
}

func (b entryBlock) Serialize() ([]byte, error) {
	return b.data, nil
}

// SummaryRoot computes a merkle root over the sorted entries. Two
// snapshots with identical paths and content digests produce identical
// roots, so peers can cheaply detect already-convergent trees.
func (s *Snapshot) SummaryRoot() (string, error) {
	switch len(s.paths) {
	case 0:
		sum, err := hash.XXHashFunc([]byte("empty-tree"))
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(sum), nil
	case 1:
		sum, err := hash.XXHashFunc(s.entries[s.paths[0]].row())
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(sum), nil
	}

	blocks := make([]mt.DataBlock, 0, len(s.paths))
	for _, p := range s.paths {
		blocks = append(blocks, entryBlock{data: s.entries[p].row()})
	}
	tree, err := mt.New(&mt.Config{
		HashFunc: hash.XXHashFunc,
		Mode:     mt.ModeTreeBuild,
	}, blocks)
	if err != nil {
		return "", fmt.Errorf("failed to build summary tree: %w", err)
	}
	return hex.EncodeToString(tree.Root), nil
}
