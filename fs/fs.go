// Package fs provides content-addressed snapshots of file trees. The engine
// treats a Digest as an opaque immutable value: safe to compare, safe to
// fingerprint, safe to use as part of a cache key. Snapshots also carry the
// per-file input identities the invalidation index tracks, so a rule that
// snapshots a tree can register exactly what it read.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/rulegraph/engine/rule"
)

// Digest is the content address of a file or file tree.
type Digest struct {
	// Algorithm names the hash function, currently always "sha256".
	Algorithm string `json:"algorithm"`

	// Hash is the hex-encoded digest.
	Hash string `json:"hash"`

	// Size is the total content size in bytes.
	Size int64 `json:"size"`
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d.Hash == ""
}

func (d Digest) String() string {
	return d.Algorithm + ":" + d.Hash
}

// FileEntry is one file captured in a snapshot.
type FileEntry struct {
	// Path is the file's path relative to the snapshot root, slash-separated.
	Path string `json:"path"`

	// Digest is the file's content address.
	Digest Digest `json:"digest"`
}

// Snapshot is a captured view of the files under a root matching a set of
// glob patterns. Entries are sorted by path; the tree digest is a pure
// function of the entries, so two captures of identical content are equal.
type Snapshot struct {
	Root   string      `json:"root"`
	Globs  []string    `json:"globs"`
	Digest Digest      `json:"digest"`
	Files  []FileEntry `json:"files"`
}

// InputIDs returns the external-input identity of every file in the
// snapshot, for registration with the invalidation index.
func (s Snapshot) InputIDs() []string {
	ids := make([]string, len(s.Files))
	for i, f := range s.Files {
		ids[i] = "file://" + f.Path
	}
	return ids
}

// Snapshotter captures content-addressed snapshots.
type Snapshotter interface {
	// Snapshot captures the files under root matching the given doublestar
	// globs. Empty globs capture everything.
	Snapshot(ctx context.Context, root string, globs []string) (Snapshot, error)

	// ReadFile returns the content of a file captured in a snapshot,
	// verifying it still matches the captured digest.
	ReadFile(ctx context.Context, snap Snapshot, path string) ([]byte, error)
}

// Local is a Snapshotter over the local filesystem.
type Local struct {
	logger *slog.Logger
}

// NewLocal creates a local snapshotter. A nil logger defaults to
// slog.Default.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{logger: logger}
}

// Snapshot walks root, hashes every matching file, and returns the sorted,
// content-addressed capture.
func (l *Local) Snapshot(ctx context.Context, root string, globs []string) (Snapshot, error) {
	var entries []FileEntry
	var total int64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relSlash := filepath.ToSlash(rel)
		if !matchesAny(relSlash, globs) {
			return nil
		}

		digest, err := hashFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, FileEntry{Path: relSlash, Digest: digest})
		total += digest.Size
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to snapshot %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	l.logger.Debug("snapshot captured",
		slog.String("root", root),
		slog.Int("files", len(entries)),
	)

	return Snapshot{
		Root:   root,
		Globs:  globs,
		Digest: treeDigest(entries, total),
		Files:  entries,
	}, nil
}

// ReadFile returns the content of path as captured in snap. If the file on
// disk no longer matches the snapshot digest, ReadFile fails rather than
// return content the caller did not fingerprint.
func (l *Local) ReadFile(ctx context.Context, snap Snapshot, path string) ([]byte, error) {
	relSlash := filepath.ToSlash(path)
	idx := sort.Search(len(snap.Files), func(i int) bool { return snap.Files[i].Path >= relSlash })
	if idx >= len(snap.Files) || snap.Files[idx].Path != relSlash {
		return nil, fmt.Errorf("file %s is not part of the snapshot", path)
	}

	data, err := os.ReadFile(filepath.Join(snap.Root, filepath.FromSlash(relSlash)))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != snap.Files[idx].Digest.Hash {
		return nil, fmt.Errorf("file %s changed since the snapshot was captured", path)
	}
	return data, nil
}

// ObserveSnapshot records every file in the snapshot as a read input of the
// calling rule. Rule bodies that snapshot a tree call this so invalidation
// reaches them when any captured file changes.
func ObserveSnapshot(call rule.Call, snap Snapshot) {
	for _, id := range snap.InputIDs() {
		call.ObserveInput(id)
	}
}

func matchesAny(relSlash string, globs []string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, relSlash); ok {
			return true
		}
	}
	return false
}

func hashFile(path string) (Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Digest{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return Digest{
		Algorithm: "sha256",
		Hash:      hex.EncodeToString(sum[:]),
		Size:      int64(len(data)),
	}, nil
}

// treeDigest folds the sorted entries into one content address. The
// encoding separates path and hash with NUL so no crafted path can collide
// with another tree.
func treeDigest(entries []FileEntry, total int64) Digest {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Path)
		b.WriteByte(0)
		b.WriteString(e.Digest.Hash)
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return Digest{
		Algorithm: "sha256",
		Hash:      hex.EncodeToString(sum[:]),
		Size:      total,
	}
}
