package bundle

import (
	"context"
	"time"

	"github.com/baby/sf1r-lite/pkg/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher abstracts filesystem notifications so Watch can be tested
// without a real fsnotify handle.
type Watcher interface {
	Events() <-chan fsnotify.Event
	Errors() <-chan error
	Add(path string) error
	Close() error
}

type fsNotifyWatcher struct {
	*fsnotify.Watcher
}

func (f *fsNotifyWatcher) Events() <-chan fsnotify.Event { return f.Watcher.Events }
func (f *fsNotifyWatcher) Errors() <-chan error           { return f.Watcher.Errors }

func newFsNotifyWatcher() (Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &fsNotifyWatcher{Watcher: w}, nil
}

// debounceWindow coalesces bursts of filesystem events (a bundle
// export often writes several files in quick succession) into a
// single rescan signal.
const debounceWindow = 200 * time.Millisecond

// Watch watches dir for filesystem changes and emits a value on the
// returned channel, debounced, whenever a rescan may be warranted.
// The channel is closed when ctx is done or the watcher errors fatally.
func Watch(ctx context.Context, dir string) (<-chan struct{}, error) {
	w, err := newFsNotifyWatcher()
	if err != nil {
		return nil, err
	}
	return watchWith(ctx, dir, w)
}

func watchWith(ctx context.Context, dir string, w Watcher) (<-chan struct{}, error) {
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	logger := log.WithComponent("bundle-watch")

	go runWatchLoop(ctx, w, out, logger)
	return out, nil
}

func runWatchLoop(ctx context.Context, w Watcher, out chan<- struct{}, logger zerolog.Logger) {
	defer close(out)
	defer w.Close()

	var timer *time.Timer
	var timerCh <-chan time.Time

	signal := func() {
		select {
		case out <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("bundle watcher error")
		case evt, ok := <-w.Events():
			if !ok {
				return
			}
			switch {
			case evt.Op&fsnotify.Create == fsnotify.Create,
				evt.Op&fsnotify.Write == fsnotify.Write,
				evt.Op&fsnotify.Rename == fsnotify.Rename:
				if timer == nil {
					timer = time.NewTimer(debounceWindow)
					timerCh = timer.C
				} else {
					if !timer.Stop() {
						<-timerCh
					}
					timer.Reset(debounceWindow)
				}
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			signal()
		}
	}
}
