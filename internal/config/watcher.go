package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

func (m *Manager) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("failed to create file watcher, falling back to polling")
		m.startPollingWatcher()
		return
	}

	if err := watcher.Add(m.configPath); err != nil {
		log.WithError(err).WithField("path", m.configPath).Warn("failed to watch config file, falling back to polling")
		watcher.Close()
		m.startPollingWatcher()
		return
	}

	// Also watch the directory to catch atomic writes (rename operations)
	configDir := filepath.Dir(m.configPath)
	if err := watcher.Add(configDir); err != nil {
		log.WithError(err).WithField("dir", configDir).Warn("failed to watch config directory")
	}

	log.WithField("path", m.configPath).Info("file watcher started using fsnotify")

	go func() {
		defer watcher.Close()

		// Debounce to avoid multiple reloads on rapid successive writes
		var debounceTimer *time.Timer
		debounceDuration := 100 * time.Millisecond

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name == m.configPath && (event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create) {
					if debounceTimer != nil {
						debounceTimer.Stop()
					}
					debounceTimer = time.AfterFunc(debounceDuration, func() {
						m.checkAndReload()
					})
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("file watcher error")

			case <-m.stopCh:
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			}
		}
	}()
}

// startPollingWatcher is a fallback when fsnotify is not available
func (m *Manager) startPollingWatcher() {
	ticker := time.NewTicker(5 * time.Second)
	log.WithField("interval", "5s").Info("file watcher started using polling")

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.checkAndReload()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) checkAndReload() {
	if m.configPath == "" {
		return
	}

	info, err := os.Stat(m.configPath)
	if err != nil {
		return
	}

	m.mu.Lock()
	stale := info.ModTime().After(m.lastMod)
	if !stale {
		m.mu.Unlock()
		return
	}

	var oldCopy *Config
	if m.config != nil {
		c := *m.config
		oldCopy = &c
	}

	if err := m.load(); err != nil {
		m.mu.Unlock()
		log.WithError(err).WithField("path", m.configPath).Warn("failed to reload config")
		return
	}
	mergeEnvVars(m.config)
	newCopy := *m.config
	m.mu.Unlock()

	m.emitChange(oldCopy, &newCopy)
	m.logChanges(oldCopy, &newCopy)
}

func (m *Manager) logChanges(old, new *Config) {
	if old == nil {
		return
	}
	if old.Port != new.Port {
		log.WithFields(log.Fields{"field": "port", "old": old.Port, "new": new.Port}).Info("config changed")
	}
	if old.SelectionStrategy != new.SelectionStrategy {
		log.WithFields(log.Fields{"field": "selection_strategy", "old": old.SelectionStrategy, "new": new.SelectionStrategy}).Info("config changed")
	}
	if old.LogLevel != new.LogLevel {
		log.WithFields(log.Fields{"field": "log_level", "old": old.LogLevel, "new": new.LogLevel}).Info("config changed")
	}
	if old.RequestLog != new.RequestLog {
		log.WithFields(log.Fields{"field": "request_log", "old": old.RequestLog, "new": new.RequestLog}).Info("config changed")
	}
	if old.RetryMax != new.RetryMax {
		log.WithFields(log.Fields{"field": "retry_max", "old": old.RetryMax, "new": new.RetryMax}).Info("config changed")
	}
}
