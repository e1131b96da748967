package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/whysosaket/intercom-agent/internal/heartbeat"
)

const componentName = "watcher"

var defaultExtensions = []string{".md", ".markdown", ".mdx"}

// Service watches documentation roots and reports changed documents.
type Service struct {
	roots      []string
	extensions map[string]struct{}
	logger     *slog.Logger
	onChange   func(context.Context, string)
	watcher    *fsnotify.Watcher
	events     atomic.Int64
	reporter   heartbeat.Reporter
}

func New(roots []string, extensions []string, logger *slog.Logger, onChange func(context.Context, string)) (*Service, error) {
	if onChange == nil {
		return nil, fmt.Errorf("watcher change handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(extensions) == 0 {
		extensions = defaultExtensions
	}
	allowed := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}
	fileWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Service{
		roots:      roots,
		extensions: allowed,
		logger:     logger.With("component", componentName),
		onChange:   onChange,
		watcher:    fileWatcher,
	}, nil
}

func (s *Service) SetHeartbeatReporter(reporter heartbeat.Reporter) {
	s.reporter = reporter
}

// Events returns how many relevant changes have been reported.
func (s *Service) Events() int64 {
	return s.events.Load()
}

// Start blocks until ctx is done. Missing roots are created so a fresh
// deployment can be populated later.
func (s *Service) Start(ctx context.Context) error {
	defer s.watcher.Close()

	for _, root := range s.roots {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("create docs root %s: %w", root, err)
		}
		if err := s.addRecursive(root); err != nil {
			if s.reporter != nil {
				s.reporter.Degrade(componentName, "watch docs root failed", err)
			}
			return err
		}
	}
	s.logger.Info("docs watcher started", "roots", strings.Join(s.roots, ","))
	if s.reporter != nil {
		s.reporter.Beat(componentName, "watching "+strings.Join(s.roots, ","))
	}

	for {
		select {
		case <-ctx.Done():
			if s.reporter != nil {
				s.reporter.Stopped(componentName, "stopped")
			}
			s.logger.Info("docs watcher stopped")
			return nil
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				s.logger.Error("file watcher error", "error", err)
				if s.reporter != nil {
					s.reporter.Degrade(componentName, "file watcher error", err)
				}
			}
		}
	}
}

func (s *Service) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !entry.IsDir() {
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		if err := s.watcher.Add(path); err != nil {
			return fmt.Errorf("watch path %s: %w", path, err)
		}
		return nil
	})
}

func (s *Service) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := s.addRecursive(event.Name); err != nil {
				s.logger.Error("failed to watch new directory", "path", event.Name, "error", err)
				return
			}
			// Files copied in with the directory produce no events of their own.
			s.report(ctx, event)
			return
		}
	}
	if _, ok := s.extensions[strings.ToLower(filepath.Ext(event.Name))]; !ok {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	s.report(ctx, event)
}

func (s *Service) report(ctx context.Context, event fsnotify.Event) {
	s.events.Add(1)
	s.logger.Info("docs changed", "path", event.Name, "op", event.Op.String())
	s.onChange(ctx, event.Name)
	if s.reporter != nil {
		s.reporter.Beat(componentName, "reindex queued for "+filepath.Base(event.Name))
	}
}
