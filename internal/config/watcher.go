package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mikeyg42/streamplayer/internal/logging"
	"github.com/mikeyg42/streamplayer/internal/quality"
)

const reloadDebounce = 500 * time.Millisecond

// Change describes a successful reload. Buffer and Quality flag settings the
// running player can apply in place; Restart lists sections that only take
// effect after a restart.
type Change struct {
	Config  *Config
	Buffer  bool
	Quality bool
	Restart []string
}

// Watcher reloads the config file when it changes on disk. A reload that
// fails to parse or validate keeps the previous configuration.
type Watcher struct {
	path     string
	envFiles []string
	onChange func(Change)
	log      logging.Logger
	debounce time.Duration

	mu      sync.RWMutex
	current *Config
}

func NewWatcher(path string, current *Config, onChange func(Change), log logging.Logger, envFiles ...string) *Watcher {
	return &Watcher{
		path:     path,
		envFiles: envFiles,
		onChange: onChange,
		log:      logging.OrGlobal(log).Named("config"),
		debounce: reloadDebounce,
		current:  current,
	}
}

// Current returns the last valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reload reads the file now. onChange is invoked only when something changed.
func (w *Watcher) Reload() (Change, error) {
	next, err := Load(w.path, w.envFiles...)
	if err != nil {
		w.log.Error("config reload failed, keeping previous configuration", logging.Error(err))
		return Change{}, err
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	change := diff(prev, next)
	if !change.Buffer && !change.Quality && len(change.Restart) == 0 {
		w.log.Debug("config file touched without changes")
		return change, nil
	}
	w.log.Info("configuration reloaded",
		logging.Bool("buffer", change.Buffer),
		logging.Bool("quality", change.Quality),
		logging.Any("restart_required", change.Restart))
	if w.onChange != nil {
		w.onChange(change)
	}
	return change, nil
}

// Run watches the file until ctx is done. An empty path disables watching.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		w.log.Info("config watcher disabled, no config file")
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, which drops a watch on the file itself.
	dir, name := filepath.Split(filepath.Clean(w.path))
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	w.log.Info("watching config file for changes", logging.String("path", w.path))

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			_, _ = w.Reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", logging.Error(err))
		}
	}
}

func diff(prev, next *Config) Change {
	c := Change{
		Config:  next,
		Buffer:  prev.Buffer.Thresholds != next.Buffer.Thresholds,
		Quality: prev.Quality.Mode != next.Quality.Mode || prev.Quality.Thresholds != next.Quality.Thresholds,
	}
	sections := []struct {
		name       string
		prev, next interface{}
	}{
		{"servers", prev.Servers, next.Servers},
		{"stream", prev.Stream, next.Stream},
		{"session", prev.Session, next.Session},
		{"video", prev.Video, next.Video},
		{"buffer", []bool{prev.Buffer.Mobile, prev.Buffer.RateControl}, []bool{next.Buffer.Mobile, next.Buffer.RateControl}},
		{"quality", qualityStatic(prev.Quality), qualityStatic(next.Quality)},
		{"surface", prev.Surface, next.Surface},
		{"storage", prev.Storage, next.Storage},
		{"archive", prev.Archive, next.Archive},
		{"api", prev.API, next.API},
		{"log", prev.Log, next.Log},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.prev, s.next) {
			c.Restart = append(c.Restart, s.name)
		}
	}
	return c
}

// qualityStatic blanks the fields that are applied in place.
func qualityStatic(q QualityConfig) QualityConfig {
	q.Mode = ""
	q.Thresholds = quality.Thresholds{}
	return q
}
