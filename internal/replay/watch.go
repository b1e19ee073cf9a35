// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package replay

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/antimetal/vmtrace/pkg/tracer"
)

// Watch replays the trace at path once, then re-replays it whenever the file
// is rewritten, calling fn with each finalized report. It blocks until ctx is
// done. The parent directory is watched rather than the file itself so that
// editors and tools that replace the file atomically still trigger a reload.
func Watch(ctx context.Context, path string, logger logr.Logger, cfg tracer.Config, fn func(*tracer.Report)) error {
	log := logger.WithName("replay.watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			log.Error(err, "failed to close fs watcher")
		}
	}()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve trace path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch trace directory: %w", err)
	}

	run := func() {
		report, err := Run(abs, logger, cfg)
		if err != nil {
			log.Error(err, "replay failed", "path", abs)
			return
		}
		fn(report)
	}
	run()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != abs {
				continue
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				log.V(1).Info("trace changed, replaying", "op", event.Op.String())
				run()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error(err, "fs watcher error")
		}
	}
}
