// Package watch submits jobs for session references dropped into a
// directory. Each *.txt or *.url file is read for a recording link on
// its first line, submitted with the configured actions, and renamed
// with a .done or .failed suffix so it is not picked up twice.
package watch

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"voxpipe/internal/app"
	"voxpipe/internal/domain"
	"voxpipe/internal/logger"
)

// Submitter is the slice of the app runtime the watcher needs.
type Submitter interface {
	SubmitJob(ctx context.Context, opts app.SubmitOptions) (domain.Job, error)
}

type Config struct {
	Dir     string
	Actions []string
}

type Watcher struct {
	cfg     Config
	submit  Submitter
	log     logger.Logger
	handled chan string
}

func New(cfg Config, submit Submitter, log logger.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if len(cfg.Actions) == 0 {
		cfg.Actions = []string{"download"}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Watcher{cfg: cfg, submit: submit, log: log}, nil
}

// Run watches the drop directory until ctx is cancelled. Files already
// present at startup are processed first.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.Dir, err)
	}
	w.log.Info("watching %s for session drops", w.cfg.Dir)

	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() && dropFile(e.Name()) {
			w.handle(ctx, filepath.Join(w.cfg.Dir, e.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if dropFile(filepath.Base(ev.Name)) {
				w.handle(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch: %v", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	input, err := firstLine(path)
	if err != nil {
		w.log.Warn("watch: read %s: %v", path, err)
		return
	}
	if input == "" {
		// Probably still being written; a later Write event retries.
		return
	}
	job, err := w.submit.SubmitJob(ctx, app.SubmitOptions{
		Input:   input,
		Actions: w.cfg.Actions,
	})
	if err != nil {
		w.log.Warn("watch: submit %s: %v", path, err)
		w.markProcessed(path, ".failed")
		return
	}
	w.log.Info("watch: submitted job %s for %s", job.ID, filepath.Base(path))
	w.markProcessed(path, ".done")
	if w.handled != nil {
		select {
		case w.handled <- path:
		default:
		}
	}
}

func (w *Watcher) markProcessed(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		w.log.Warn("watch: rename %s: %v", path, err)
	}
}

func dropFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".url":
		return true
	}
	return false
}

func firstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			return line, nil
		}
	}
	return "", scanner.Err()
}
