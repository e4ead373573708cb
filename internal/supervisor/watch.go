package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultWatchDebounce = 500 * time.Millisecond

// Watch restarts the backend whenever its executable is rewritten, so the next
// request runs the new build. It blocks until ctx ends.
func (s *Supervisor) Watch(ctx context.Context) error {
	exe := s.executablePath()
	if exe == "" {
		return errors.New("no executable to watch")
	}
	target, err := filepath.Abs(exe)
	if err != nil {
		return err
	}
	debounce := s.cfg.WatchDebounce
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}
	s.logger.Info("watching backend executable", "path", target, "debounce", debounce)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() {
				s.logger.Info("backend executable changed", "path", target)
				restartCtx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.ShutdownGrace)
				defer cancel()
				if err := s.Restart(restartCtx); err != nil && !errors.Is(err, ErrClosed) {
					s.logger.Warn("restart after executable change", "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			s.logger.Warn("watcher error", "error", err)
		}
	}
}
