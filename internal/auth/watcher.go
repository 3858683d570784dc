package auth

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const defaultDebounce = 100 * time.Millisecond

// FileWatcher calls onChange whenever the watched token file is written,
// created, renamed or removed.
type FileWatcher struct {
	path     string
	onChange func()
	debounce time.Duration
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// WatchFile starts watching path. The parent directory is watched so that
// atomic replacements are seen.
func WatchFile(path string, onChange func()) (*FileWatcher, error) {
	if onChange == nil {
		return nil, errors.New("auth: onChange is required")
	}
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	fw := &FileWatcher{
		path:     path,
		onChange: onChange,
		debounce: defaultDebounce,
		watcher:  watcher,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go fw.watchForChanges()
	log.Info().Str("path", path).Msg("Started watching token file for changes")
	return fw, nil
}

// Stop ends the watch and waits for the event loop to exit.
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		close(fw.stopChan)
		if err := fw.watcher.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close token file watcher")
		}
	})
	<-fw.done
}

func (fw *FileWatcher) watchForChanges() {
	defer close(fw.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	fire := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			log.Debug().Str("event", event.Op.String()).Msg("Detected token file change")
			// Coalesce bursts of events from a single write.
			if timer == nil {
				timer = time.AfterFunc(fw.debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(fw.debounce)
			}

		case <-fire:
			fw.onChange()

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Token file watcher error")

		case <-fw.stopChan:
			return
		}
	}
}
