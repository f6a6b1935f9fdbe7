package snapshot

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"

	"fync/internal/hash"
)

// TempPrefix marks staged files written during a transfer. Anything
// carrying it is invisible to the scanner, so an orphaned temp from an
// interrupted session can never surface as a real file.
const TempPrefix = ".fync-tmp-"

// Exclusions are fixed policy: version-control metadata and our own
// staging files never participate in synchronization.
var Exclusions = []string{
	".git/",
	".hg/",
	".svn/",
	TempPrefix + "*",
}

// Scanner walks a root and produces a Snapshot. Hashing is spread over a
// bounded worker pool; entries whose size and mtime match the prior
// snapshot reuse its digest instead of rereading the file.
type Scanner struct {
	Workers  int
	Progress func(path string)
	Log      *zap.Logger
}

// Result carries the snapshot plus per-path errors. Unreadable files are
// excluded from the snapshot rather than aborting the scan.
type Result struct {
	Snapshot *Snapshot
	Errors   []error
}

func (s *Scanner) workers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return runtime.NumCPU()
}

func (s *Scanner) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

// Scan walks root and returns the new snapshot. prior may be nil; when
// given, its entries seed the hash-reuse check and its generation is
// carried over unchanged.
func (s *Scanner) Scan(ctx context.Context, root string, prior *Snapshot) (*Result, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}

	result := &Result{}
	var entries []FileEntry
	var toHash []FileEntry

	walkErr := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			// If error is on the root path, return it (don't continue walking)
			if path == absRoot {
				return err
			}
			result.Errors = append(result.Errors, err)
			return nil
		}

		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			result.Errors = append(result.Errors, err)
			return nil
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if shouldExclude(rel, Exclusions) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				result.Errors = append(result.Errors, err)
				return nil
			}
			entries = append(entries, FileEntry{
				Path: rel,
				Kind: KindDir,
				Mode: uint32(info.Mode().Perm()),
			})
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("%s: %w", rel, err))
				return nil
			}
			entries = append(entries, FileEntry{
				Path:       rel,
				Kind:       KindSymlink,
				LinkTarget: target,
			})
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				result.Errors = append(result.Errors, err)
				return nil
			}
			entry := FileEntry{
				Path:    rel,
				Kind:    KindFile,
				Size:    info.Size(),
				ModTime: info.ModTime().UnixNano(),
				Mode:    uint32(info.Mode().Perm()),
			}
			// Reuse the prior digest when size and mtime are unchanged
			if prior != nil {
				if old, ok := prior.Lookup(rel); ok &&
					old.Kind == KindFile && old.Hash != "" &&
					old.Size == entry.Size && old.ModTime == entry.ModTime {
					entry.Hash = old.Hash
					entries = append(entries, entry)
					return nil
				}
			}
			toHash = append(toHash, entry)
		default:
			// Sockets, devices and the like are not synchronized
			s.log().Debug("skipping special file", zap.String("path", rel))
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", walkErr)
	}

	hashed, hashErrs := s.hashEntries(ctx, absRoot, toHash)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	entries = append(entries, hashed...)
	result.Errors = append(result.Errors, hashErrs...)

	gen := uint64(0)
	if prior != nil {
		gen = prior.Generation()
	}
	result.Snapshot = FromEntries(absRoot, gen, entries)
	return result, nil
}

type hashJobResult struct {
	entry FileEntry
	err   error
}

// hashEntries digests the given file entries on a bounded worker pool.
// Entries whose file vanished or became unreadable mid-scan are dropped
// and reported as per-path errors.
func (s *Scanner) hashEntries(ctx context.Context, root string, files []FileEntry) ([]FileEntry, []error) {
	if len(files) == 0 {
		return nil, nil
	}

	jobs := make(chan FileEntry, len(files))
	results := make(chan hashJobResult, len(files))

	var wg sync.WaitGroup
	for i := 0; i < s.workers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				if ctx.Err() != nil {
					continue
				}
				sum, err := hash.File(filepath.Join(root, filepath.FromSlash(entry.Path)))
				if err != nil {
					results <- hashJobResult{err: fmt.Errorf("%s: %w", entry.Path, err)}
					continue
				}
				entry.Hash = sum
				results <- hashJobResult{entry: entry}
			}
		}()
	}

	go func() {
		for _, entry := range files {
			jobs <- entry
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var entries []FileEntry
	var errs []error
	for res := range results {
		if res.err != nil {
			errs = append(errs, res.err)
			continue
		}
		entries = append(entries, res.entry)
		if s.Progress != nil {
			s.Progress(res.entry.Path)
		}
	}
	return entries, errs
}

// Excluded reports whether a slash-relative path is outside sync scope.
func Excluded(relPath string) bool {
	return shouldExclude(relPath, Exclusions)
}

func shouldExclude(relPath string, exclusions []string) bool {
	for _, pattern := range exclusions {
		// Handle directory exclusions (patterns ending with /)
		if strings.HasSuffix(pattern, "/") {
			dirPattern := strings.TrimSuffix(pattern, "/")
			for _, part := range strings.Split(relPath, "/") {
				if matched, _ := filepath.Match(dirPattern, part); matched {
					return true
				}
				if part == dirPattern {
					return true
				}
			}
		} else {
			matched, err := filepath.Match(pattern, filepath.Base(relPath))
			if err == nil && matched {
				return true
			}
			if strings.Contains(pattern, "/") {
				matched, err := filepath.Match(pattern, relPath)
				if err == nil && matched {
					return true
				}
			}
		}
	}
	return false
}
