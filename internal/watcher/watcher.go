package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"claude-pulse/internal/transcript"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	defaultDebounce     = 200 * time.Millisecond
	defaultMaxChunk     = 100 << 20 // 100 MiB
	defaultPollInterval = time.Second
	logFileSuffix       = ".jsonl"
)

// ErrOutsideRoot is returned when a path resolves outside the watched root.
var ErrOutsideRoot = errors.New("path resolves outside watch root")

// EventsCallback receives the events parsed from one read of path and
// the offset the file has been consumed up to.
type EventsCallback func(path string, events []transcript.Event, offset int64)

// RemoveCallback is called when a tracked log file disappears.
type RemoveCallback func(path string)

// TruncateCallback is called when a tracked log file shrinks, before its
// content is read again from the start.
type TruncateCallback func(path string)

// Options configures a Tailer.
type Options struct {
	Root string
	// Debounce is how long a file must be quiet before it is read.
	Debounce time.Duration
	// MaxChunk caps a single read. A larger backlog is skipped down to
	// the newest MaxChunk bytes.
	MaxChunk int64
	// RootWait bounds how long Run waits for a missing root to appear.
	RootWait     time.Duration
	PollInterval time.Duration
	// SkipOlderThan leaves files untouched during the initial scan when
	// their modification time is older than this. Zero reads everything.
	SkipOlderThan time.Duration
	OnEvents      EventsCallback
	OnRemove      RemoveCallback
	OnTruncate    TruncateCallback
	Logger        zerolog.Logger
}

// Tailer follows append-only *.jsonl logs under a root directory,
// reading only newly appended bytes of each file.
type Tailer struct {
	opts Options
	root string

	// procMu serializes file processing so each file is folded in order.
	procMu  sync.Mutex
	offsets map[string]int64

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New creates a tailer. Run starts it.
func New(opts Options) *Tailer {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.MaxChunk <= 0 {
		opts.MaxChunk = defaultMaxChunk
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	root := filepath.Clean(opts.Root)
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return &Tailer{
		opts:    opts,
		root:    root,
		offsets: make(map[string]int64),
		timers:  make(map[string]*time.Timer),
	}
}

// Run waits for the root to exist, scans existing logs, then follows
// changes until ctx is cancelled.
func (t *Tailer) Run(ctx context.Context) error {
	if err := t.waitForRoot(ctx); err != nil {
		return err
	}
	resolved, err := filepath.EvalSymlinks(t.opts.Root)
	if err != nil {
		return fmt.Errorf("resolve watch root: %w", err)
	}
	t.procMu.Lock()
	t.root = resolved
	t.procMu.Unlock()

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsW.Close()

	t.scan(fsW, t.opts.Root, true)
	t.opts.Logger.Info().Str("root", t.opts.Root).Int("files", t.trackedCount()).Msg("watching session logs")

	defer t.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsW.Events:
			if !ok {
				return nil
			}
			t.handleEvent(fsW, event)

		case err, ok := <-fsW.Errors:
			if !ok {
				return nil
			}
			t.opts.Logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (t *Tailer) waitForRoot(ctx context.Context) error {
	if _, err := os.Stat(t.opts.Root); err == nil {
		return nil
	}
	t.opts.Logger.Warn().Str("root", t.opts.Root).Dur("wait", t.opts.RootWait).Msg("watch root missing, polling")

	deadline := time.Now().Add(t.opts.RootWait)
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := os.Stat(t.opts.Root); err == nil {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("watch root %s did not appear within %s", t.opts.Root, t.opts.RootWait)
			}
		}
	}
}

// handleEvent debounces file events and extends the watch to new
// directories.
func (t *Tailer) handleEvent(fsW *fsnotify.Watcher, event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			t.scan(fsW, event.Name, false)
			return
		}
	}
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		t.forgetUnder(event.Name)
	}
	if !isLogFile(event.Name) {
		return
	}
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	t.schedule(event.Name)
}

// schedule (re)starts the debounce timer for path.
func (t *Tailer) schedule(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if timer, ok := t.timers[path]; ok {
		timer.Stop()
	}
	t.timers[path] = time.AfterFunc(t.opts.Debounce, func() {
		t.mu.Lock()
		delete(t.timers, path)
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		if err := t.Process(path); err != nil {
			t.opts.Logger.Warn().Err(err).Str("path", path).Msg("skipping log file")
		}
	})
}

func (t *Tailer) stopTimers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for path, timer := range t.timers {
		timer.Stop()
		delete(t.timers, path)
	}
}

// scan adds dir and its subdirectories to the watch and reads the logs
// found in them. During the initial scan stale files are left alone.
func (t *Tailer) scan(fsW *fsnotify.Watcher, dir string, initial bool) {
	cutoff := time.Time{}
	if initial && t.opts.SkipOlderThan > 0 {
		cutoff = time.Now().Add(-t.opts.SkipOlderThan)
	}

	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			t.opts.Logger.Warn().Err(err).Str("path", path).Msg("cannot scan path")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := fsW.Add(path); err != nil {
				t.opts.Logger.Warn().Err(err).Str("dir", path).Msg("cannot watch directory")
			}
			return nil
		}
		if !isLogFile(path) {
			return nil
		}
		if !cutoff.IsZero() {
			if info, err := d.Info(); err == nil && info.ModTime().Before(cutoff) {
				return nil
			}
		}
		if err := t.Process(path); err != nil {
			t.opts.Logger.Warn().Err(err).Str("path", path).Msg("skipping log file")
		}
		return nil
	})
}

// Process reads whatever has been appended to path since the last call
// and hands the parsed events to OnEvents. A missing file is reported to
// OnRemove.
func (t *Tailer) Process(path string) error {
	t.procMu.Lock()
	defer t.procMu.Unlock()

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.removeLocked(path)
			return nil
		}
		return fmt.Errorf("resolve path: %w", err)
	}
	if !within(t.root, resolved) {
		return fmt.Errorf("%w: %s -> %s", ErrOutsideRoot, path, resolved)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.removeLocked(path)
			return nil
		}
		return fmt.Errorf("stat: %w", err)
	}
	if info.IsDir() {
		return nil
	}

	offset := t.offsets[path]
	size := info.Size()
	if size < offset {
		t.opts.Logger.Info().Str("path", path).Int64("offset", offset).Int64("size", size).Msg("log truncated, rereading")
		offset = 0
		t.offsets[path] = 0
		if t.opts.OnTruncate != nil {
			t.opts.OnTruncate(path)
		}
	}
	if size == offset {
		t.offsets[path] = offset
		return nil
	}

	start := offset
	if size-start > t.opts.MaxChunk {
		t.opts.Logger.Warn().Str("path", path).Int64("skipped", size-t.opts.MaxChunk-start).Msg("backlog exceeds chunk cap, skipping oldest bytes")
		start = size - t.opts.MaxChunk
	}

	f, err := os.Open(resolved)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	buf := make([]byte, size-start)
	n, err := f.ReadAt(buf, start)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read: %w", err)
	}
	buf = buf[:n]

	skip := leadingContinuationBytes(buf)
	res := transcript.ParseChunk(buf[skip:])
	newOffset := start + int64(skip) + int64(res.Consumed)

	if res.Discarded > 0 {
		t.opts.Logger.Debug().Str("path", path).Int("lines", res.Discarded).Msg("discarded malformed lines")
	}
	if t.opts.OnEvents != nil && (len(res.Events) > 0 || newOffset != t.offsets[path]) {
		t.opts.OnEvents(path, res.Events, newOffset)
	}
	t.offsets[path] = newOffset
	return nil
}

// Offset returns the consumed offset of path.
func (t *Tailer) Offset(path string) (int64, bool) {
	t.procMu.Lock()
	defer t.procMu.Unlock()
	off, ok := t.offsets[path]
	return off, ok
}

func (t *Tailer) trackedCount() int {
	t.procMu.Lock()
	defer t.procMu.Unlock()
	return len(t.offsets)
}

// forgetUnder drops tracking for a removed file, or for every tracked
// file below a removed directory.
func (t *Tailer) forgetUnder(path string) {
	t.procMu.Lock()
	defer t.procMu.Unlock()

	prefix := path + string(filepath.Separator)
	for tracked := range t.offsets {
		if tracked == path || strings.HasPrefix(tracked, prefix) {
			if _, err := os.Lstat(tracked); err == nil {
				continue
			}
			t.removeLocked(tracked)
		}
	}
}

func (t *Tailer) removeLocked(path string) {
	if _, ok := t.offsets[path]; !ok {
		return
	}
	delete(t.offsets, path)
	if t.opts.OnRemove != nil {
		t.opts.OnRemove(path)
	}
}

// leadingContinuationBytes counts UTF-8 continuation bytes at the start
// of b, left over from a character split by the read window.
func leadingContinuationBytes(b []byte) int {
	n := 0
	for n < len(b) && b[n]&0xC0 == 0x80 {
		n++
	}
	return n
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func isLogFile(name string) bool {
	return strings.HasSuffix(name, logFileSuffix)
}
