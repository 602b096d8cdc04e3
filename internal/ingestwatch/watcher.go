package ingestwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/praxisworks/vaultsync/internal/vaultsync"
)

// Logger matches the standard library log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

// WatcherOptions configures a directory watcher that feeds the daemon.
type WatcherOptions struct {
	// Root is the directory tree to watch. Required.
	Root string
	// Client posts ingests to the daemon. Required.
	Client DaemonClient
	// StateFile persists content hashes between runs so restarts do not
	// re-ingest unchanged files. Empty disables persistence.
	StateFile string
	// ClientID and Jurisdiction are stamped onto every ingested document.
	ClientID     string
	Jurisdiction string
	// AutoSync asks the daemon to submit a sync after each ingest.
	AutoSync bool
	// Debounce is how long a path must be quiet before it is ingested.
	// Editors write files in bursts. Defaults to 500ms.
	Debounce time.Duration
	// MaxFileBytes caps ingestable file size. Defaults to 8MB.
	MaxFileBytes int64
	Logger       Logger
}

// Watcher mirrors a directory of legal documents into the sync daemon.
// Document IDs are the slash-separated path relative to Root, and the
// first path segment becomes the practice area.
type Watcher struct {
	root         string
	client       DaemonClient
	stateFile    string
	clientID     string
	jurisdiction string
	autoSync     bool
	debounce     time.Duration
	maxFileBytes int64
	logger       Logger

	state watchState
}

type watchState struct {
	Files map[string]trackedFile `json:"files"`
}

type trackedFile struct {
	Hash         string `json:"hash"`
	LocalVersion string `json:"localVersion,omitempty"`
	IngestedAt   string `json:"ingestedAt,omitempty"`
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, errors.New("watch root is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %q is not a directory", absRoot)
	}
	if opts.Client == nil {
		return nil, errors.New("daemon client is required")
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	maxBytes := opts.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	w := &Watcher{
		root:         absRoot,
		client:       opts.Client,
		stateFile:    strings.TrimSpace(opts.StateFile),
		clientID:     strings.TrimSpace(opts.ClientID),
		jurisdiction: strings.TrimSpace(opts.Jurisdiction),
		autoSync:     opts.AutoSync,
		debounce:     debounce,
		maxFileBytes: maxBytes,
		logger:       opts.Logger,
		state:        watchState{Files: map[string]trackedFile{}},
	}
	if err := w.loadState(); err != nil {
		return nil, err
	}
	return w, nil
}

// ScanOnce walks the whole tree and ingests every new or changed file.
// It returns how many files were ingested.
func (w *Watcher) ScanOnce(ctx context.Context) (int, error) {
	paths, err := w.collectFiles()
	if err != nil {
		return 0, err
	}
	ingested := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return ingested, err
		}
		changed, err := w.ingestPath(ctx, path)
		if err != nil {
			w.logf("ingest failed path=%s err=%v", path, err)
			continue
		}
		if changed {
			ingested++
		}
	}
	w.pruneDeleted(paths)
	if err := w.saveState(); err != nil {
		w.logf("state save failed: %v", err)
	}
	return ingested, nil
}

// Run performs an initial full scan and then follows filesystem events
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := w.ScanOnce(ctx); err != nil {
		return err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsWatcher.Close() }()
	if err := w.watchTree(fsWatcher); err != nil {
		return err
	}

	// Pending paths wait out the debounce window before ingest so a
	// burst of writes to one file produces one ingest.
	pending := map[string]time.Time{}
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return errors.New("filesystem watcher closed")
			}
			w.handleEvent(fsWatcher, event, pending)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return errors.New("filesystem watcher closed")
			}
			w.logf("watch error: %v", err)
		case now := <-ticker.C:
			w.flushPending(ctx, pending, now)
		}
	}
}

func (w *Watcher) handleEvent(fsWatcher *fsnotify.Watcher, event fsnotify.Event, pending map[string]time.Time) {
	path := filepath.Clean(event.Name)
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.watchDir(fsWatcher, path); err != nil {
				w.logf("watch add failed path=%s err=%v", path, err)
			}
			return
		}
	}
	if event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
		// Removals only drop local tracking. The daemon keeps its copy.
		if id := w.documentID(path); id != "" {
			delete(w.state.Files, id)
			if err := w.saveState(); err != nil {
				w.logf("state save failed: %v", err)
			}
		}
		delete(pending, path)
		return
	}
	if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
		if w.documentID(path) == "" {
			return
		}
		pending[path] = time.Now().Add(w.debounce)
	}
}

func (w *Watcher) flushPending(ctx context.Context, pending map[string]time.Time, now time.Time) {
	var due []string
	for path, deadline := range pending {
		if !now.Before(deadline) {
			due = append(due, path)
		}
	}
	sort.Strings(due)
	for _, path := range due {
		delete(pending, path)
		if _, err := w.ingestPath(ctx, path); err != nil {
			w.logf("ingest failed path=%s err=%v", path, err)
			continue
		}
		if err := w.saveState(); err != nil {
			w.logf("state save failed: %v", err)
		}
	}
}

// ingestPath reads one file and posts it to the daemon if its content
// hash moved since the last ingest. Returns whether an ingest happened.
func (w *Watcher) ingestPath(ctx context.Context, path string) (bool, error) {
	id := w.documentID(path)
	if id == "" {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if info.Size() > w.maxFileBytes {
		return false, fmt.Errorf("file exceeds %d bytes", w.maxFileBytes)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	hash := vaultsync.ContentHash(string(content))
	if tracked, ok := w.state.Files[id]; ok && tracked.Hash == hash {
		return false, nil
	}

	resp, err := w.client.IngestFile(ctx, vaultsync.IngestRequest{
		DocumentID: id,
		Content:    string(content),
		Metadata: vaultsync.DocumentMetadata{
			ClientID:     w.clientID,
			PracticeArea: practiceArea(id),
			Jurisdiction: w.jurisdiction,
		},
	}, w.autoSync)
	if err != nil {
		return false, err
	}
	w.state.Files[id] = trackedFile{
		Hash:         hash,
		LocalVersion: resp.LocalVersion,
		IngestedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if resp.Classification != nil {
		w.logf("ingested id=%s strategy=%s score=%.2f", id, resp.Classification.Strategy, resp.Classification.Score)
	} else {
		w.logf("ingested id=%s", id)
	}
	if resp.SyncError != "" {
		w.logf("sync submit failed id=%s err=%s", id, resp.SyncError)
	}
	return true, nil
}

func (w *Watcher) collectFiles() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if isIgnoredName(d.Name()) && path != w.root {
				return filepath.SkipDir
			}
			return nil
		}
		if isIgnoredName(d.Name()) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (w *Watcher) watchTree(fsWatcher *fsnotify.Watcher) error {
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if isIgnoredName(d.Name()) && path != w.root {
			return filepath.SkipDir
		}
		return w.watchDir(fsWatcher, path)
	})
}

func (w *Watcher) watchDir(fsWatcher *fsnotify.Watcher, path string) error {
	return fsWatcher.Add(path)
}

// pruneDeleted drops tracking entries whose files no longer exist.
func (w *Watcher) pruneDeleted(paths []string) {
	present := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		if id := w.documentID(path); id != "" {
			present[id] = struct{}{}
		}
	}
	for id := range w.state.Files {
		if _, ok := present[id]; !ok {
			delete(w.state.Files, id)
		}
	}
}

// documentID maps an absolute path to its slash-separated relative
// form, or "" when the path is outside the root or ignored.
func (w *Watcher) documentID(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return ""
	}
	if rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	id := filepath.ToSlash(rel)
	for _, segment := range strings.Split(id, "/") {
		if isIgnoredName(segment) {
			return ""
		}
	}
	return id
}

func practiceArea(documentID string) string {
	if idx := strings.Index(documentID, "/"); idx > 0 {
		return documentID[:idx]
	}
	return ""
}

func isIgnoredName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	if strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") || strings.HasSuffix(name, ".tmp") {
		return true
	}
	return false
}

func (w *Watcher) loadState() error {
	if w.stateFile == "" {
		return nil
	}
	data, err := os.ReadFile(w.stateFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var state watchState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse state file %s: %w", w.stateFile, err)
	}
	if state.Files == nil {
		state.Files = map[string]trackedFile{}
	}
	w.state = state
	return nil
}

func (w *Watcher) saveState() error {
	if w.stateFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(w.state, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(w.stateFile, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".watchstate-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (w *Watcher) logf(format string, v ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, v...)
}
