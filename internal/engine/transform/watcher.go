package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// LoadRegistry compiles every rule file in dir and installs the result as
// the file source of reg. If any file fails to parse or compile, nothing is
// installed and the previous file rule sets stay active.
func (e *Engine) LoadRegistry(reg *Registry, dir string) ([]*Compiled, error) {
	sets, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	compiled := make([]*Compiled, 0, len(sets))
	seen := make(map[string]string, len(sets))
	var problems []error
	for _, rs := range sets {
		c, err := e.Compile(rs)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", rs.Name, err))
			continue
		}
		if prev, dup := seen[c.Key()]; dup {
			problems = append(problems, fmt.Errorf("%s: duplicates rule set %s for %s", rs.Name, prev, c.Key()))
			continue
		}
		seen[c.Key()] = rs.Name
		compiled = append(compiled, c)
	}
	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	reg.ReplaceSource(SourceFile, compiled)
	return compiled, nil
}

// Watcher reloads file rule sets when the rules directory changes.
type Watcher struct {
	engine   *Engine
	registry *Registry
	dir      string
	logger   zerolog.Logger

	// Debounce coalesces bursts of file events, as editors emit several
	// writes per save.
	Debounce time.Duration
	// OnReload, if set, is called after every reload attempt.
	OnReload func(loaded int, err error)
}

// NewWatcher creates a watcher for dir.
func NewWatcher(engine *Engine, registry *Registry, dir string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		engine:   engine,
		registry: registry,
		dir:      dir,
		logger:   logger,
		Debounce: 250 * time.Millisecond,
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch rules dir %s: %w", w.dir, err)
	}
	w.logger.Info().Str("dir", w.dir).Msg("watching rule sets")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isRuleFile(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				timer.Reset(w.Debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("rules watcher error")
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	compiled, err := w.engine.LoadRegistry(w.registry, w.dir)
	if err != nil {
		w.logger.Error().Err(err).Str("dir", w.dir).Msg("rule set reload rejected; keeping previous rule sets")
	} else {
		w.logger.Info().Int("rule_sets", len(compiled)).Msg("rule sets reloaded")
	}
	if w.OnReload != nil {
		w.OnReload(len(compiled), err)
	}
}
