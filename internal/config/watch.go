package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "courier/pkg/logx"
)

const (
	// settleDelay lets an editor finish a multi-step save before the reload.
	settleDelay = 250 * time.Millisecond
	gateTimeout = 5 * time.Second

	rewatchMin = 250 * time.Millisecond
	rewatchMax = 5 * time.Second
)

// Watch reloads the config file on change until ctx ends. The parent directory
// is watched so atomic-rename saves are seen. A broken watcher is recreated
// with exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	wait := rewatchMin
	for {
		started := time.Now()
		err := m.watch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			wait = rewatchMin
		}
		m.log.Warn("config watcher restarting", logx.String("path", m.path), logx.Duration("in", wait), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = min(wait*2, rewatchMax)
	}
}

// watch runs one fsnotify watcher. It returns nil when ctx ends and an error
// when the watcher can no longer be trusted.
func (m *Manager) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher events closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				settle.Reset(settleDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher errors closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; one reload catches up.
				m.log.Warn("config watch overflow", logx.Err(err))
				settle.Reset(settleDelay)
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		case <-settle.C:
			m.reload(ctx)
		}
	}
}
