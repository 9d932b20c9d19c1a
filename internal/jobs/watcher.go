package jobs

import (
	"fmt"
	"path/filepath"
	stdsync "sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/sync"
)

// Watcher keeps the jobs of a file current. A change that fails to load leaves the previous
// jobs in place.
type Watcher struct {
	path     string
	defaults Defaults

	mu   stdsync.RWMutex
	jobs []sync.Job

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      stdsync.WaitGroup
}

var _ sync.JobSource = (*Watcher)(nil)

// NewWatcher loads path and starts watching it. The initial load must succeed.
func NewWatcher(path string, defaults Defaults) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve jobs file path: %w", err)
	}
	jobs, err := Load(abs, defaults)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// editors often replace the file, so watch the directory
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		defaults: defaults,
		jobs:     jobs,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

// Jobs implements sync.JobSource.
func (w *Watcher) Jobs() []sync.Job {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.jobs
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("Jobs file watcher error")
		}
	}
}

func (w *Watcher) reload() {
	logger := logrus.WithField("file", w.path)
	jobs, err := Load(w.path, w.defaults)
	if err != nil {
		logger.WithError(err).Warn("Keeping previous jobs, reload failed")
		return
	}
	w.mu.Lock()
	w.jobs = jobs
	w.mu.Unlock()
	logger.WithField("jobs", len(jobs)).Info("Reloaded jobs file")
}
