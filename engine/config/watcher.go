package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/framekit/engine/core"
)

// Watcher re-reads a config file whenever it changes on disk and delivers the
// parsed result on Updates. Files that fail to parse are reported on Errors and
// the previous config stays in effect.
type Watcher struct {
	path string

	fsnotify *fsnotify.Watcher
	updates  chan Config
	errors   chan error
	done     chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWatcher watches the directory holding path so editors that replace the file
// instead of writing it in place are still seen.
func NewWatcher(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatch.Add(filepath.Dir(abs)); err != nil {
		fsWatch.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	w := &Watcher{
		path:     abs,
		fsnotify: fsWatch,
		updates:  make(chan Config, 1),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.start()
	return w, nil
}

func (w *Watcher) Updates() <-chan Config { return w.updates }
func (w *Watcher) Errors() <-chan error   { return w.errors }

func (w *Watcher) start() {
	defer w.wg.Done()
	defer close(w.updates)
	defer close(w.errors)
	for {
		select {
		case e, ok := <-w.fsnotify.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != w.path || e.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				core.LogWarn("config reload failed: %s", err)
				w.sendError(err)
				continue
			}
			core.LogDebug("config %s reloaded", w.path)
			select {
			case w.updates <- cfg:
			case <-w.done:
				return
			}

		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError(err.Error())
			w.sendError(err)

		case <-w.done:
			return
		}
	}
}

// sendError drops the error if nobody is reading.
func (w *Watcher) sendError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

func (w *Watcher) Close() error {
	err := errors.New("config watcher already closed")
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsnotify.Close()
		w.wg.Wait()
	})
	return err
}
