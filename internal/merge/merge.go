// Package merge reconciles two change sets against their shared ancestor.
// Both peers run the same pure function over the same pair of change
// sets and must reach byte-identical plans; there is no coordinator and
// no side channel besides the exchanged change sets themselves.
package merge

import (
	"sort"

	"fync/internal/diff"
	"fync/internal/snapshot"
)

type OpKind uint8

const (
	// OpWrite places new file content. The bytes travel as chunks from
	// the peer that owns them.
	OpWrite OpKind = iota
	// OpMove relocates an existing local file. No content travels.
	OpMove
	OpMkdir
	OpSymlink
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpWrite:
		return "write"
	case OpMove:
		return "move"
	case OpMkdir:
		return "mkdir"
	case OpSymlink:
		return "symlink"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Instruction is one step of an apply plan.
type Instruction struct {
	Op    OpKind
	Path  string
	From  string // moves only
	Entry snapshot.FileEntry
}

// Conflict is a path changed incompatibly on both sides. It is reported,
// never auto-applied: both sides' copies stay untouched and the ancestor
// entry is retained so the conflict resurfaces until resolved.
type Conflict struct {
	Path   string
	Local  diff.FileChange
	Remote diff.FileChange
}

// Options mark peers that never apply incoming changes. A read-only
// local drops its apply side; a read-only remote drops our send side.
type Options struct {
	LocalReadOnly  bool
	RemoteReadOnly bool
}

// Plan is the reconciliation outcome from one peer's perspective.
// ApplyLocal holds the remote-originated instructions this peer
// executes; SendRemote holds the write instructions whose content this
// peer owes the other side.
type Plan struct {
	ApplyLocal []Instruction
	SendRemote []Instruction
	Conflicts  []Conflict
}

// Resolve reconciles the two change sets. For every path touched by
// either side: one-sided changes propagate, identical changes are
// accepted as already convergent, incompatible changes become conflicts.
// A delete racing any other change is a conflict, not a destructive
// delete. Swapping local and remote yields the mirrored plan with the
// same conflicts.
func Resolve(local, remote *diff.ChangeSet, opts Options) *Plan {
	plan := &Plan{}

	localIdx := indexByPath(local)
	remoteIdx := indexByPath(remote)

	paths := make([]string, 0, len(localIdx)+len(remoteIdx))
	seen := make(map[string]struct{})
	for p := range localIdx {
		paths = append(paths, p)
		seen[p] = struct{}{}
	}
	for p := range remoteIdx {
		if _, ok := seen[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	// Pass 1: pair up paths both sides touched. A change excluded at one
	// of its paths is excluded entirely, renames included.
	processed := make(map[*diff.FileChange]bool)
	for _, p := range paths {
		lc, lok := localIdx[p]
		rc, rok := remoteIdx[p]
		if !lok || !rok {
			continue
		}
		if processed[lc] && processed[rc] {
			continue
		}
		processed[lc] = true
		processed[rc] = true
		if !equivalent(*lc, *rc) {
			plan.Conflicts = append(plan.Conflicts, Conflict{Path: p, Local: *lc, Remote: *rc})
		}
	}

	// Pass 2: one-sided changes become instructions, in changeset order.
	if remote != nil && !opts.LocalReadOnly {
		for i := range remote.Changes {
			c := &remote.Changes[i]
			if processed[c] {
				continue
			}
			plan.ApplyLocal = append(plan.ApplyLocal, instructionsFor(*c)...)
		}
	}
	if local != nil && !opts.RemoteReadOnly {
		for i := range local.Changes {
			c := &local.Changes[i]
			if processed[c] {
				continue
			}
			for _, instr := range instructionsFor(*c) {
				if instr.Op == OpWrite {
					plan.SendRemote = append(plan.SendRemote, instr)
				}
			}
		}
	}

	return plan
}

// indexByPath maps every path a change touches to the change. A rename
// registers under both its old and new path, so a peer's edit to either
// endpoint is detected as overlapping.
func indexByPath(cs *diff.ChangeSet) map[string]*diff.FileChange {
	idx := make(map[string]*diff.FileChange)
	if cs == nil {
		return idx
	}
	for i := range cs.Changes {
		c := &cs.Changes[i]
		idx[c.Path] = c
		if c.Op == diff.Renamed {
			idx[c.From] = c
		}
	}
	return idx
}

// equivalent reports whether two changes produce the same result, in
// which case neither side needs to do anything.
func equivalent(a, b diff.FileChange) bool {
	if a.Op != b.Op || a.Path != b.Path || a.From != b.From {
		return false
	}
	if a.Op == diff.Deleted {
		return true
	}
	return a.New != nil && b.New != nil && a.New.SameContent(*b.New)
}

// instructionsFor translates one change into apply steps for the side
// that does not have it yet.
func instructionsFor(c diff.FileChange) []Instruction {
	switch c.Op {
	case diff.Deleted:
		return []Instruction{{Op: OpDelete, Path: c.Path, Entry: *c.Old}}
	case diff.Renamed:
		return []Instruction{{Op: OpMove, Path: c.Path, From: c.From, Entry: *c.New}}
	}

	var out []Instruction
	// A kind change replaces the old entry outright
	if c.Op == diff.Modified && c.Old != nil && c.Old.Kind != c.New.Kind {
		out = append(out, Instruction{Op: OpDelete, Path: c.Path, Entry: *c.Old})
	}
	switch c.New.Kind {
	case snapshot.KindFile:
		out = append(out, Instruction{Op: OpWrite, Path: c.Path, Entry: *c.New})
	case snapshot.KindDir:
		out = append(out, Instruction{Op: OpMkdir, Path: c.Path, Entry: *c.New})
	case snapshot.KindSymlink:
		out = append(out, Instruction{Op: OpSymlink, Path: c.Path, Entry: *c.New})
	}
	return out
}

// NextSnapshot computes the post-sync common ancestor: the old ancestor
// with both sides' non-conflicting changes folded in. Conflicted paths,
// and paths whose apply failed, keep their ancestor entry so the next
// run re-detects the pending change instead of recording it as done.
// Changes of a side are folded only when the other side actually applied
// them, which is what keeps both persisted states identical.
func NextSnapshot(ancestor *snapshot.Snapshot, local, remote *diff.ChangeSet, conflicts []Conflict, failed []string, opts Options) []snapshot.FileEntry {
	excluded := make(map[string]struct{})
	for _, c := range conflicts {
		for _, ch := range []diff.FileChange{c.Local, c.Remote} {
			excluded[ch.Path] = struct{}{}
			if ch.From != "" {
				excluded[ch.From] = struct{}{}
			}
		}
	}
	for _, p := range failed {
		excluded[p] = struct{}{}
	}

	next := make(map[string]snapshot.FileEntry, ancestor.Len())
	for _, e := range ancestor.Entries() {
		next[e.Path] = e
	}

	fold := func(cs *diff.ChangeSet) {
		if cs == nil {
			return
		}
		for _, c := range cs.Changes {
			if _, ok := excluded[c.Path]; ok {
				continue
			}
			if c.From != "" {
				if _, ok := excluded[c.From]; ok {
					continue
				}
			}
			switch c.Op {
			case diff.Deleted:
				delete(next, c.Path)
			case diff.Renamed:
				delete(next, c.From)
				next[c.Path] = pick(next, *c.New)
			default:
				next[c.Path] = pick(next, *c.New)
			}
		}
	}

	if !opts.RemoteReadOnly {
		fold(local)
	}
	if !opts.LocalReadOnly {
		fold(remote)
	}

	out := make([]snapshot.FileEntry, 0, len(next))
	for _, e := range next {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// pick folds an incoming entry over whatever next currently holds at its
// path. Equivalent concurrent changes can still differ in metadata, so
// the winner is chosen by a symmetric comparison: both peers persist the
// same entry no matter which side folded first.
func pick(next map[string]snapshot.FileEntry, incoming snapshot.FileEntry) snapshot.FileEntry {
	cur, ok := next[incoming.Path]
	if !ok || cur.Kind != incoming.Kind || !cur.SameContent(incoming) {
		return incoming
	}
	switch {
	case cur.ModTime != incoming.ModTime:
		if cur.ModTime < incoming.ModTime {
			return cur
		}
		return incoming
	case cur.Mode != incoming.Mode:
		if cur.Mode < incoming.Mode {
			return cur
		}
		return incoming
	}
	return cur
}
