package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/polisai/skirmish/pkg/metrics"
)

// DefaultDebounce is how long the provider waits after the last file event
// before reloading.
const DefaultDebounce = 100 * time.Millisecond

// ProviderOptions configures a FileProvider.
type ProviderOptions struct {
	Logger   *slog.Logger
	Recorder metrics.Recorder
	Debounce time.Duration
}

// FileProvider serves definition snapshots parsed from a local file and
// publishes a new snapshot whenever the file changes.
type FileProvider struct {
	path     string
	logger   *slog.Logger
	recorder metrics.Recorder
	debounce time.Duration

	mu          sync.RWMutex
	snapshot    *Snapshot
	generation  int64
	subscribers []chan *Snapshot

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// NewFileProvider loads path and starts watching its directory. A failed
// initial load is logged and leaves Current nil until the file becomes valid.
func NewFileProvider(path string, opts ProviderOptions) (*FileProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	p := &FileProvider{
		path:     absPath,
		logger:   opts.Logger,
		recorder: opts.Recorder,
		debounce: opts.Debounce,
		watcher:  watcher,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.recorder == nil {
		p.recorder = metrics.NoopRecorder{}
	}
	if p.debounce <= 0 {
		p.debounce = DefaultDebounce
	}

	if err := p.Reload(); err != nil {
		p.logger.Warn("initial definitions load failed", "path", absPath, "error", err)
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the latest valid snapshot, or nil if none has loaded.
func (p *FileProvider) Current() *Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe returns a channel that always holds the most recent unread
// snapshot. The current snapshot, if any, is delivered immediately.
func (p *FileProvider) Subscribe() <-chan *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	if p.snapshot != nil {
		ch <- p.snapshot
	}
	return ch
}

// Close stops the watcher.
func (p *FileProvider) Close() error {
	p.cancel()
	return p.watcher.Close()
}

// Reload parses the file now and publishes the result. On error the previous
// snapshot stays current.
func (p *FileProvider) Reload() error {
	defs, err := LoadDefinitions(p.path)
	if err != nil {
		p.recorder.IncConfigReload(false)
		return err
	}

	p.mu.Lock()
	p.generation++
	snapshot := &Snapshot{
		Generation:  p.generation,
		LoadedAt:    time.Now(),
		Path:        p.path,
		Definitions: defs,
	}
	p.snapshot = snapshot
	for _, ch := range p.subscribers {
		publish(ch, snapshot)
	}
	p.mu.Unlock()
	return nil
}

// publish replaces any unread snapshot so slow consumers only see the latest.
func publish(ch chan *Snapshot, snapshot *Snapshot) {
	select {
	case ch <- snapshot:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- snapshot
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if err := p.Reload(); err != nil {
						p.logger.Error("definitions reload failed", "path", p.path, "error", err)
						return
					}
					p.logger.Info("definitions reloaded", "path", p.path)
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("definitions watcher error", "error", err)
		}
	}
}
