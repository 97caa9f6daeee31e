package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"sync"
	"time"

	"chatsync/internal/models"

	"github.com/sirupsen/logrus"
)

const defaultWatchInterval = 5 * time.Second

// ConfigWatcher polls the configuration file and hands every successfully
// reloaded configuration to the registered callbacks.
type ConfigWatcher struct {
	configPath string
	logger     *logrus.Logger
	interval   time.Duration

	mu        sync.RWMutex
	config    *models.Config
	digest    []byte
	callbacks []func(*models.Config)
}

func NewConfigWatcher(configPath string, logger *logrus.Logger) *ConfigWatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConfigWatcher{
		configPath: configPath,
		logger:     logger,
		interval:   defaultWatchInterval,
	}
}

// Start loads the file once and then polls it until ctx ends. A change is
// detected by content, so touching the file without editing it is a no-op.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	config, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}
	digest, err := fileDigest(cw.configPath)
	if err != nil {
		return err
	}

	cw.mu.Lock()
	cw.config = config
	cw.digest = digest
	cw.mu.Unlock()

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil
		case <-ticker.C:
			cw.poll()
		}
	}
}

func (cw *ConfigWatcher) poll() {
	digest, err := fileDigest(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to read configuration file")
		return
	}

	cw.mu.RLock()
	unchanged := bytes.Equal(digest, cw.digest)
	cw.mu.RUnlock()
	if unchanged {
		return
	}

	cw.logger.Debug("Configuration file changed")
	cw.reload(digest)
}

func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback. Callbacks run in registration order
// on the watcher goroutine.
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// reload keeps the previous configuration when the new file does not load,
// but remembers its digest so a broken edit is reported once.
func (cw *ConfigWatcher) reload(digest []byte) {
	newConfig, err := LoadConfig(cw.configPath)

	cw.mu.Lock()
	cw.digest = digest
	if err != nil {
		cw.mu.Unlock()
		cw.logger.WithError(err).Error("Failed to reload configuration, keeping the previous one")
		return
	}
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := append(([]func(*models.Config))(nil), cw.callbacks...)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded")
	cw.logConfigChanges(oldConfig, newConfig)

	for _, callback := range callbacks {
		cw.notify(callback, newConfig)
	}
}

func (cw *ConfigWatcher) notify(callback func(*models.Config), cfg *models.Config) {
	defer func() {
		if r := recover(); r != nil {
			cw.logger.WithField("panic", r).Error("Config change callback panicked")
		}
	}()
	callback(cfg)
}

// logConfigChanges reports settings applied live and those needing a restart.
func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	if old.LogLevel != new.LogLevel {
		cw.logger.WithFields(logrus.Fields{
			"old": old.LogLevel,
			"new": new.LogLevel,
		}).Info("Log level changed")
	}

	var restart []string
	if old.Account.Address != new.Account.Address {
		restart = append(restart, "account.address")
	}
	if old.Database.Path != new.Database.Path {
		restart = append(restart, "database.path")
	}
	if old.Gateway != new.Gateway {
		restart = append(restart, "gateway")
	}
	if old.Sync != new.Sync {
		restart = append(restart, "sync")
	}
	if old.Server != new.Server {
		restart = append(restart, "server")
	}
	if len(restart) > 0 {
		cw.logger.WithField("settings", restart).Warn("Configuration changes require a restart to take effect")
	}
}

func fileDigest(path string) ([]byte, error) {
	content, err := os.ReadFile(path) // #nosec G304 - operator supplied config path
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(content)
	return sum[:], nil
}
