// Package watch observes the collection root for newly scanned images and
// reports fresh back scans so the operator knows a rescan is worthwhile. It
// never mutates collection state.
package watch

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"backsync/internal/config"
	"backsync/internal/discover"
	"backsync/internal/report"
)

// Watcher monitors a directory tree for created or renamed image files.
type Watcher struct {
	cfg  config.Config
	disc *discover.Discovery
	bus  *report.Bus
	exts map[string]struct{}
}

func New(cfg config.Config, bus *report.Bus) *Watcher {
	exts := make(map[string]struct{}, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	return &Watcher{cfg: cfg, disc: discover.New(cfg), bus: bus, exts: exts}
}

// Start watches root and every existing subdirectory until ctx ends.
func (w *Watcher) Start(ctx context.Context, root string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := addTree(watcher, root); err != nil {
		watcher.Close()
		return err
	}
	log.Printf("watch: observing %s", root)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
					_ = addTree(watcher, evt.Name)
					continue
				}
				w.classify(evt.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("watch: %v", err)
			}
		}
	}()
	return nil
}

// classify reports a new image file, noting whether it looks like a back scan.
func (w *Watcher) classify(path string) {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := w.exts[ext]; !ok {
		return
	}
	if w.disc.IsBackScan(path) {
		log.Printf("watch: new back scan %s", path)
		w.bus.Publish(report.Event{Kind: report.KindDiscovered, Path: path, At: config.Now()})
		return
	}
	log.Printf("watch: new image %s", path)
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if entry.Name() == "processed" && path != root {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
}
