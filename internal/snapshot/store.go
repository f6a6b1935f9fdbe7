package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"fync/internal/hash"
)

// ErrSyncInProgress is returned when another session holds the lock for
// the same root.
var ErrSyncInProgress = errors.New("sync already in progress")

// Store persists the last-committed snapshot per synchronized root. One
// record per resolved root path, replaced atomically and only after a
// session fully commits.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (st *Store) Dir() string { return st.dir }

type persistedState struct {
	Generator  string      `json:"generator"`
	Created    time.Time   `json:"created"`
	Root       string      `json:"root"`
	Generation uint64      `json:"generation"`
	Entries    []FileEntry `json:"entries"`
}

// ResolveRoot normalizes a root path so the same tree always maps to the
// same state record, whatever path the user typed.
func ResolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// A root that does not exist yet still gets a stable key
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", fmt.Errorf("failed to resolve root: %w", err)
	}
	return resolved, nil
}

func (st *Store) statePath(resolvedRoot string) string {
	return filepath.Join(st.dir, stateKey(resolvedRoot)+".json")
}

func stateKey(resolvedRoot string) string {
	return hash.Bytes([]byte(resolvedRoot))
}

// Load returns the persisted snapshot for root, or nil if no sync has
// ever committed for it.
func (st *Store) Load(root string) (*Snapshot, error) {
	resolved, err := ResolveRoot(root)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(st.statePath(resolved))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}

	return FromEntries(resolved, state.Generation, state.Entries), nil
}

// Save atomically replaces the state record for the snapshot's root. A
// partially written record is never observable: the write goes to a
// temporary file which is renamed into place.
func (st *Store) Save(snap *Snapshot) error {
	resolved, err := ResolveRoot(snap.Root())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(st.dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	state := persistedState{
		Generator:  "fync",
		Created:    time.Now().UTC(),
		Root:       resolved,
		Generation: snap.Generation(),
		Entries:    snap.Entries(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := atomic.WriteFile(st.statePath(resolved), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// Lock takes the per-root exclusive marker. It fails fast with
// ErrSyncInProgress instead of risking two sessions mutating one tree.
// The returned release func must be called when the session ends.
func (st *Store) Lock(root string) (func(), error) {
	resolved, err := ResolveRoot(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(st.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	fl := flock.New(filepath.Join(st.dir, stateKey(resolved)+".lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (root %s)", ErrSyncInProgress, resolved)
	}
	return func() { fl.Unlock() }, nil
}
