package invalidation

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is the quiet period after the last filesystem event
// before the coalesced events are emitted. Editors commonly write a temp
// file and rename it; the window folds that burst into one event per path.
const defaultDebounce = 250 * time.Millisecond

// defaultIgnores are path patterns excluded from watching regardless of
// configuration. They cover VCS metadata, dependency caches, and editor
// noise that would otherwise churn the invalidation index.
var defaultIgnores = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/__pycache__/**",
	"**/*.swp",
	"**/*~",
	"**/.DS_Store",
}

// FileConfig holds the parameters for a FileSource.
type FileConfig struct {
	// Root is the directory to watch, recursively. Required.
	Root string

	// Patterns are doublestar-compatible globs (e.g. "**/*.go") selecting
	// which files produce events. Empty watches every non-ignored file.
	Patterns []string

	// Ignore are additional globs for paths that never produce events,
	// merged with the built-in defaults.
	Ignore []string

	// Debounce is the quiet period before coalesced events are emitted.
	// Zero or negative falls back to the default.
	Debounce time.Duration

	// Logger records watch errors and lifecycle transitions. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// FileSource watches a directory tree with fsnotify and emits debounced
// invalidation events with "file://" input identities relative to the root.
// It implements Source.
type FileSource struct {
	cfg     FileConfig
	fsw     *fsnotify.Watcher
	ignores []string

	events    chan Event
	closing   chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// FileInputID returns the input identity for a file path relative to the
// watched root.
func FileInputID(relPath string) string {
	return "file://" + filepath.ToSlash(relPath)
}

// NewFileSource starts watching the configured root and returns the source.
// The returned source must be closed to release the underlying watcher.
func NewFileSource(cfg FileConfig) (*FileSource, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("watch root is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	s := &FileSource{
		cfg:     cfg,
		fsw:     fsw,
		ignores: append(append([]string{}, defaultIgnores...), cfg.Ignore...),
		events:  make(chan Event, 64),
		closing: make(chan struct{}),
	}

	if err := s.watchTree(cfg.Root); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.run()

	s.cfg.Logger.Debug("file watch started",
		slog.String("root", cfg.Root),
		slog.Int("patterns", len(cfg.Patterns)),
	)
	return s, nil
}

// Events returns the channel of debounced invalidation events. The channel
// is closed by Close.
func (s *FileSource) Events() <-chan Event {
	return s.events
}

// Close stops watching and closes the events channel. Safe to call more
// than once.
func (s *FileSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.closeErr = s.fsw.Close()
		s.wg.Wait()
		close(s.events)
	})
	return s.closeErr
}

// watchTree registers the root and every non-ignored subdirectory.
func (s *FileSource) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel != "." && s.ignored(rel) {
			return filepath.SkipDir
		}
		if err := s.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (s *FileSource) run() {
	defer s.wg.Done()

	pending := make(map[string]ChangeKind)
	timer := time.NewTimer(s.cfg.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-s.closing:
			return

		case ev, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			s.handle(ev, pending)
			if len(pending) > 0 {
				timer.Reset(s.cfg.Debounce)
			}

		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			s.cfg.Logger.Warn("file watch error", slog.String("error", err.Error()))

		case <-timer.C:
			for input, kind := range pending {
				select {
				case s.events <- Event{Input: input, Kind: kind}:
				case <-s.closing:
					return
				}
			}
			clear(pending)
		}
	}
}

// handle folds one raw fsnotify event into the pending set.
func (s *FileSource) handle(ev fsnotify.Event, pending map[string]ChangeKind) {
	rel, err := filepath.Rel(s.cfg.Root, ev.Name)
	if err != nil || rel == "." {
		return
	}
	relSlash := filepath.ToSlash(rel)

	// New directories join the watch so files created inside them are seen.
	if ev.Has(fsnotify.Create) {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			if !s.ignored(relSlash) {
				if addErr := s.fsw.Add(ev.Name); addErr != nil {
					s.cfg.Logger.Warn("failed to watch new directory",
						slog.String("path", ev.Name),
						slog.String("error", addErr.Error()),
					)
				}
			}
			return
		}
	}

	if s.ignored(relSlash) || !s.matches(relSlash) {
		return
	}

	kind := Modified
	switch {
	case ev.Has(fsnotify.Create):
		kind = Created
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		kind = Removed
	}
	pending[FileInputID(relSlash)] = kind
}

func (s *FileSource) ignored(relSlash string) bool {
	for _, pattern := range s.ignores {
		if ok, _ := doublestar.Match(pattern, relSlash); ok {
			return true
		}
	}
	return false
}

func (s *FileSource) matches(relSlash string) bool {
	if len(s.cfg.Patterns) == 0 {
		return true
	}
	for _, pattern := range s.cfg.Patterns {
		if ok, _ := doublestar.Match(pattern, relSlash); ok {
			return true
		}
	}
	return false
}
