package server

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/chromeflow/chromeflow/internal/engine"
	"github.com/chromeflow/chromeflow/internal/logger"
	"github.com/chromeflow/chromeflow/internal/script"
)

// Scheduler registers automations carrying a cron schedule and triggers
// them as fresh runs. Sync replaces the registered set, so a reloaded
// script directory drops removed schedules and picks up new ones.
type Scheduler struct {
	cron    *cron.Cron
	engine  *engine.Engine
	scripts *script.Store
	baseCtx context.Context

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a Scheduler; Start must be called before Sync'd
// entries fire.
func NewScheduler(eng *engine.Engine, scripts *script.Store, baseCtx context.Context) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		engine:  eng,
		scripts: scripts,
		baseCtx: baseCtx,
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins the cron loop.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron loop without interrupting a triggered run.
func (s *Scheduler) Stop() { s.cron.Stop() }

// Sync reconciles cron entries against the currently loaded automations.
func (s *Scheduler) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, automation := range s.scripts.List() {
		if automation.Schedule == "" {
			continue
		}
		seen[automation.Name] = true
		if id, ok := s.entries[automation.Name]; ok {
			s.cron.Remove(id)
		}

		name := automation.Name
		id, err := s.cron.AddFunc(automation.Schedule, func() {
			// Scheduled triggers always start a fresh run.
			result, err := s.engine.StartRun(s.baseCtx, name, "")
			if err != nil {
				logger.WithFields(map[string]interface{}{
					"automation": name,
					"error":      err,
				}).Error("scheduled run was refused")
				return
			}
			logger.WithFields(map[string]interface{}{
				"automation": name,
				"run_id":     result.RunID,
				"status":     result.Status,
			}).Info("scheduled run finished")
		})
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"automation": name,
				"schedule":   automation.Schedule,
				"error":      err,
			}).Error("invalid schedule, skipping")
			continue
		}
		s.entries[name] = id
	}

	for name, id := range s.entries {
		if !seen[name] {
			s.cron.Remove(id)
			delete(s.entries, name)
		}
	}
	return nil
}

// watchScripts reloads the script store when automation files change and
// resyncs the schedule set. Events are debounced because editors emit
// bursts of writes for a single save.
func (s *Server) watchScripts() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithField("error", err).Error("failed to create script watcher")
		return
	}
	defer watcher.Close()

	if err := watcher.Add(s.scripts.Dir()); err != nil {
		logger.WithFields(map[string]interface{}{
			"dir":   s.scripts.Dir(),
			"error": err,
		}).Warn("script directory not watchable")
		return
	}

	var reload <-chan time.Time
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isScriptEvent(event) {
				continue
			}
			reload = time.After(300 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithField("error", err).Warn("script watcher error")
		case <-reload:
			reload = nil
			if err := s.scripts.Load(); err != nil {
				logger.WithField("error", err).Error("script reload failed, keeping previous set")
				continue
			}
			if err := s.scheduler.Sync(); err != nil {
				logger.WithField("error", err).Error("schedule resync failed")
				continue
			}
			logger.Info("scripts reloaded")
		}
	}
}

func isScriptEvent(event fsnotify.Event) bool {
	ext := strings.ToLower(filepath.Ext(event.Name))
	if ext != ".yaml" && ext != ".yml" {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}
