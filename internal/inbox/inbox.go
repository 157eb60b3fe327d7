// Package inbox ingests edit-event files dropped into a directory.
//
// A file named <document-id>.jsonl is handed to the Handler once it has
// not changed for the settle interval. Handled files move to processed/,
// rejected ones to failed/, both inside the inbox directory, so a file is
// handled at most once per drop.
package inbox

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"provcert/internal/logging"
)

// Extension marks inbox files.
const Extension = ".jsonl"

// Subdirectories of the inbox.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// DefaultSettle is used when Config.Settle is zero.
const DefaultSettle = 2 * time.Second

// ErrInvalidName is returned for files that do not name a document.
var ErrInvalidName = errors.New("inbox: file name is not <document-id>.jsonl")

// File is a settled inbox file.
type File struct {
	Path       string
	DocumentID string
	Hash       [32]byte
	Size       int64
}

// Handler ingests one file. A nil error moves the file to processed/.
type Handler func(ctx context.Context, f File) error

// Config configures an Inbox.
type Config struct {
	Dir    string
	Settle time.Duration
	// Poll is how often settled files are checked. Defaults to a second.
	Poll   time.Duration
	Logger *logging.Logger
}

// Inbox watches a directory for event files.
type Inbox struct {
	dir     string
	settle  time.Duration
	poll    time.Duration
	handler Handler
	log     *logging.Logger
	fs      *fsnotify.Watcher

	// path -> last observed change
	pending map[string]time.Time
	mu      sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an inbox for cfg.Dir, creating the directory and its
// processed/ and failed/ subdirectories.
func New(cfg Config, handler Handler) (*Inbox, error) {
	if cfg.Dir == "" {
		return nil, errors.New("inbox: directory is required")
	}
	if handler == nil {
		return nil, errors.New("inbox: handler is required")
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{"", ProcessedDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("create inbox: %w", err)
		}
	}

	in := &Inbox{
		dir:     dir,
		settle:  cfg.Settle,
		poll:    cfg.Poll,
		handler: handler,
		log:     cfg.Logger,
		pending: make(map[string]time.Time),
	}
	if in.settle <= 0 {
		in.settle = DefaultSettle
	}
	if in.poll <= 0 {
		in.poll = time.Second
	}
	if in.log == nil {
		in.log = logging.Discard()
	}
	in.log = in.log.WithComponent("inbox")
	return in, nil
}

// Dir returns the absolute inbox directory.
func (in *Inbox) Dir() string { return in.dir }

// Start watches the directory until ctx is done or Stop is called. Files
// already present are picked up as if just written.
func (in *Inbox) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(in.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", in.dir, err)
	}
	in.fs = fsw

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		fsw.Close()
		return err
	}
	now := time.Now()
	for _, e := range entries {
		if !e.IsDir() {
			in.touch(filepath.Join(in.dir, e.Name()), now)
		}
	}

	ctx, in.cancel = context.WithCancel(ctx)
	in.wg.Add(2)
	go in.eventLoop(ctx)
	go in.settleLoop(ctx)

	in.log.Info("inbox watching", "dir", in.dir, "settle", in.settle)
	return nil
}

// Stop ends watching and waits for an in-flight file to finish.
func (in *Inbox) Stop() error {
	if in.cancel == nil {
		return nil
	}
	in.cancel()
	in.wg.Wait()
	return in.fs.Close()
}

// Pending returns how many files are waiting to settle.
func (in *Inbox) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.pending)
}

func (in *Inbox) touch(path string, at time.Time) {
	if filepath.Ext(path) != Extension || strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	in.mu.Lock()
	in.pending[path] = at
	in.mu.Unlock()
}

func (in *Inbox) eventLoop(ctx context.Context) {
	defer in.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if info, err := os.Stat(ev.Name); err != nil || info.IsDir() {
				continue
			}
			in.touch(ev.Name, time.Now())
		case err, ok := <-in.fs.Errors:
			if !ok {
				return
			}
			in.log.Warn("watch error", "error", err)
		}
	}
}

func (in *Inbox) settleLoop(ctx context.Context) {
	defer in.wg.Done()
	ticker := time.NewTicker(in.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			in.processSettled(ctx, now)
		}
	}
}

// processSettled handles files unchanged since now-settle. The lock is not
// held while files are read, so writes seen meanwhile restart the wait.
func (in *Inbox) processSettled(ctx context.Context, now time.Time) {
	threshold := now.Add(-in.settle)

	type candidate struct {
		path string
		seen time.Time
	}
	var ready []candidate
	in.mu.Lock()
	for path, seen := range in.pending {
		if seen.Before(threshold) {
			ready = append(ready, candidate{path, seen})
		}
	}
	in.mu.Unlock()

	for _, c := range ready {
		if ctx.Err() != nil {
			return
		}
		hash, size, err := HashFile(c.path)

		in.mu.Lock()
		current, ok := in.pending[c.path]
		if ok && current.Equal(c.seen) {
			delete(in.pending, c.path)
		}
		in.mu.Unlock()
		if !ok || !current.Equal(c.seen) {
			continue
		}
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		in.process(ctx, c.path, hash, size, err)
	}
}

func (in *Inbox) process(ctx context.Context, path string, hash [32]byte, size int64, hashErr error) {
	name := filepath.Base(path)
	docID, err := DocumentID(name)
	if err == nil {
		err = hashErr
	}
	if err == nil {
		err = in.handler(ctx, File{Path: path, DocumentID: docID, Hash: hash, Size: size})
	}

	dest := ProcessedDir
	if err != nil {
		dest = FailedDir
		in.log.Warn("inbox file rejected", "file", name, "error", err)
	} else {
		in.log.Info("inbox file ingested", "file", name, "document_id", docID, "sha256", fmt.Sprintf("%x", hash[:8]))
	}
	if merr := in.move(path, dest); merr != nil {
		in.log.Error("inbox move failed", "file", name, "to", dest, "error", merr)
	}
}

// move renames path into sub, suffixing a timestamp so repeated drops of
// the same document do not collide.
func (in *Inbox) move(path, sub string) error {
	base := strings.TrimSuffix(filepath.Base(path), Extension)
	target := filepath.Join(in.dir, sub, fmt.Sprintf("%s.%d%s", base, time.Now().UnixNano(), Extension))
	return os.Rename(path, target)
}

// DocumentID returns the document a file name refers to.
func DocumentID(name string) (string, error) {
	if filepath.Ext(name) != Extension {
		return "", ErrInvalidName
	}
	id := strings.TrimSuffix(name, Extension)
	if id == "" || strings.ContainsAny(id, `/\`) || strings.TrimSpace(id) != id {
		return "", ErrInvalidName
	}
	return id, nil
}

// HashFile returns the SHA-256 and size of the file at path.
func HashFile(path string) ([32]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return [32]byte{}, 0, err
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, size, nil
}
