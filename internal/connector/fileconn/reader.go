// Package fileconn implements the FILE transport: a polling directory
// reader on the source side and a templated file writer on the destination
// side.
package fileconn

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/meridianhq/meridian/internal/connector"
	"github.com/meridianhq/meridian/internal/events"
	"github.com/meridianhq/meridian/internal/types"
)

func init() {
	connector.RegisterSource(connector.TransportFile, newReader)
	connector.RegisterDestination(connector.TransportFile, newWriter)
}

// After-process actions for consumed files.
const (
	actionDelete = "delete"
	actionMove   = "move"
	actionNone   = "none"
)

const watchDebounce = 250 * time.Millisecond

type readerConfig struct {
	directory    string
	fileFilter   string
	pollInterval time.Duration
	minFileAge   time.Duration
	afterAction  string
	moveTo       string
	errorMoveTo  string
	watch        bool
}

// Reader polls a directory and dispatches each matching file as one raw
// message. The source map of every message carries originalFilename,
// fileDirectory, fileSize, and fileLastModified.
//
// Properties:
//
//	directory             directory to poll (required)
//	fileFilter            glob matched against file names, default *
//	pollIntervalMs        poll period, default 5000
//	fileAgeMs             skip files modified more recently than this
//	afterProcessAction    delete (default), move, or none
//	moveToDirectory       target for the move action
//	errorMoveToDirectory  where files go when the pipeline rejects them;
//	                      unset leaves them in place for the next poll
//	watch                 also react to filesystem notifications
type Reader struct {
	name string
	cfg  readerConfig
	deps connector.Deps

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

func newReader(cfg *types.SourceConnector, deps connector.Deps) (connector.Source, error) {
	props := connector.Props(cfg.Properties)
	rc := readerConfig{
		directory:    props.String("directory", ""),
		fileFilter:   props.String("fileFilter", "*"),
		pollInterval: props.DurationMillis("pollIntervalMs", 5*time.Second),
		minFileAge:   props.DurationMillis("fileAgeMs", 0),
		afterAction:  props.String("afterProcessAction", actionDelete),
		moveTo:       props.String("moveToDirectory", ""),
		errorMoveTo:  props.String("errorMoveToDirectory", ""),
		watch:        props.Bool("watch", false),
	}
	if rc.directory == "" {
		return nil, fmt.Errorf("file source %q: directory is required", cfg.Name)
	}
	switch rc.afterAction {
	case actionDelete, actionNone:
	case actionMove:
		if rc.moveTo == "" {
			return nil, fmt.Errorf("file source %q: move action requires moveToDirectory", cfg.Name)
		}
	default:
		return nil, fmt.Errorf("file source %q: unknown afterProcessAction %q", cfg.Name, rc.afterAction)
	}
	if _, err := filepath.Match(rc.fileFilter, "sample.txt"); err != nil {
		return nil, fmt.Errorf("file source %q: bad fileFilter %q: %w", cfg.Name, rc.fileFilter, err)
	}
	return &Reader{name: cfg.Name, cfg: rc, deps: deps}, nil
}

// Start begins polling. It returns immediately; the loop runs until Stop or
// context cancellation.
func (r *Reader) Start(ctx context.Context, ingest connector.Ingest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("file source %q already started", r.name)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running.Store(true)

	go r.run(loopCtx, ingest)
	return nil
}

// Stop halts the poll loop and waits for the current batch to notice.
func (r *Reader) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	r.running.Store(false)
	cancel()
	<-done
	connector.EmitState(context.Background(), r.deps, 0, r.name, events.StateDisconnected)
	return nil
}

func (r *Reader) run(ctx context.Context, ingest connector.Ingest) {
	defer close(r.done)
	log := r.deps.Log().With("connector", r.name, "directory", r.cfg.directory)

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if r.cfg.watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("filesystem watch unavailable, polling only", "error", err)
		} else if err := watcher.Add(r.cfg.directory); err != nil {
			log.Warn("cannot watch directory, polling only", "error", err)
			_ = watcher.Close()
		} else {
			defer func() { _ = watcher.Close() }()
			watchEvents = watcher.Events
			watchErrors = watcher.Errors
		}
	}

	ticker := time.NewTicker(r.cfg.pollInterval)
	defer ticker.Stop()

	r.poll(ctx, ingest, log)

	// A nil pending channel blocks forever, so the debounce case only
	// fires after a watch event armed it.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx, ingest, log)
		case ev, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				pending = time.After(watchDebounce)
			}
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			log.Warn("watch error", "error", err)
		case <-pending:
			pending = nil
			r.poll(ctx, ingest, log)
		}
	}
}

type polledFile struct {
	name    string
	size    int64
	modTime time.Time
}

func (r *Reader) poll(ctx context.Context, ingest connector.Ingest, log *slog.Logger) {
	if !r.running.Load() {
		return
	}
	connector.EmitState(ctx, r.deps, 0, r.name, events.StateReading)
	defer connector.EmitState(ctx, r.deps, 0, r.name, events.StateIdle)

	files, err := r.scan()
	if err != nil {
		log.Warn("poll failed", "error", err)
		return
	}

	for _, f := range files {
		if ctx.Err() != nil || !r.running.Load() {
			return
		}
		r.processFile(ctx, ingest, f, log)
	}
}

// scan lists matching files sorted by name so dispatch order is stable
// across polls.
func (r *Reader) scan() ([]polledFile, error) {
	entries, err := os.ReadDir(r.cfg.directory)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	cutoff := time.Now().Add(-r.cfg.minFileAge)

	var files []polledFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matched, err := filepath.Match(r.cfg.fileFilter, entry.Name())
		if err != nil || !matched {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if r.cfg.minFileAge > 0 && info.ModTime().After(cutoff) {
			continue
		}
		files = append(files, polledFile{name: entry.Name(), size: info.Size(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

func (r *Reader) processFile(ctx context.Context, ingest connector.Ingest, f polledFile, log *slog.Logger) {
	path := filepath.Join(r.cfg.directory, f.name)
	content, err := os.ReadFile(path)
	if err != nil {
		log.Warn("cannot read file", "file", f.name, "error", err)
		return
	}

	connector.EmitState(ctx, r.deps, 0, r.name, events.StateReceiving)
	raw := &types.RawMessage{
		Raw: string(content),
		SourceMap: map[string]any{
			"originalFilename": f.name,
			"fileDirectory":    r.cfg.directory,
			"fileSize":         f.size,
			"fileLastModified": f.modTime.UnixMilli(),
		},
	}
	if _, err := ingest(ctx, raw); err != nil {
		log.Error("message rejected", "file", f.name, "error", err)
		r.moveAside(path, f.name, r.cfg.errorMoveTo, log)
		return
	}

	switch r.cfg.afterAction {
	case actionDelete:
		if err := os.Remove(path); err != nil {
			log.Warn("cannot delete consumed file", "file", f.name, "error", err)
		}
	case actionMove:
		r.moveAside(path, f.name, r.cfg.moveTo, log)
	}
}

func (r *Reader) moveAside(path, name, dir string, log *slog.Logger) {
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("cannot create directory", "directory", dir, "error", err)
		return
	}
	if err := os.Rename(path, filepath.Join(dir, name)); err != nil {
		log.Warn("cannot move file", "file", name, "directory", dir, "error", err)
	}
}
