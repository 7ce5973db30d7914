package session

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

var (
	watchDebounce = 100 * time.Millisecond
	pollInterval  = 5 * time.Second
)

// Watch calls fn whenever another writer changes the session file. It
// blocks until ctx is done. When fsnotify is unavailable it polls the
// file's modification time instead.
func (b *FileBackend) Watch(ctx context.Context, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("Falling back to polling for session changes")
		b.poll(ctx, fn)
		return nil
	}
	defer watcher.Close()

	if err := watcher.Add(b.dir); err != nil {
		log.Warn().Err(err).Str("path", b.dir).Msg("Failed to watch session directory; polling instead")
		b.poll(ctx, fn)
		return nil
	}

	log.Debug().Str("path", b.path).Msg("Watching session file for changes")

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != SessionFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Atomic replace produces several events; collapse them.
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			log.Info().Msg("Detected session change")
			fn()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Session watcher error")
		}
	}
}

func (b *FileBackend) poll(ctx context.Context, fn func()) {
	last := b.modTime()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := b.modTime()
			if !current.Equal(last) {
				last = current
				log.Info().Msg("Detected session change via polling")
				fn()
			}
		}
	}
}

func (b *FileBackend) modTime() time.Time {
	info, err := os.Stat(b.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
