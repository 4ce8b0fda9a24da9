package config

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"

	logx "groupkeeper/pkg/logx"
)

// envOverrides lets deployments keep secrets out of the config file.
// Non-empty values win over the file.
type envOverrides struct {
	Token        string `env:"GROUPKEEPER_TELEGRAM_TOKEN"`
	LogChat      string `env:"GROUPKEEPER_LOG_CHAT"`
	LogLevel     string `env:"GROUPKEEPER_LOG_LEVEL"`
	StoragePath  string `env:"GROUPKEEPER_STORAGE_PATH"`
	MetricsToken string `env:"GROUPKEEPER_METRICS_TOKEN"`
}

func applyEnv(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	if ov.Token != "" {
		cfg.Telegram.Token = ov.Token
	}
	if ov.LogChat != "" {
		cfg.Telegram.LogChat = ov.LogChat
	}
	if ov.LogLevel != "" {
		cfg.Logging.Level = ov.LogLevel
	}
	if ov.StoragePath != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "sqlite"}
		}
		cfg.Storage.Path = ov.StoragePath
	}
	if ov.MetricsToken != "" {
		cfg.Metrics.Token = ov.MetricsToken
	}
	return nil
}

// reloadDebounce lets an editor finish writing before the file is read.
const reloadDebounce = 250 * time.Millisecond

// ErrUnchanged is returned by Reload when the file holds the committed config.
var ErrUnchanged = errors.New("config unchanged")

// Manager holds the committed config and reloads it when the file changes.
// Subscribers receive each newly committed config.
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	digest   [sha256.Size]byte
	validate func(ctx context.Context, cfg *Config) error

	subsMu sync.Mutex
	subs   []chan *Config
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs the check a reloaded config must pass before it is
// committed. Without one, any config that parses is accepted.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validate = fn
	m.mu.Unlock()
}

// Parse reads and decodes the file and applies environment overrides. It does
// not commit.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeConfig(m.path, b)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses and commits the file without validation or publishing; it is
// the startup path.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, digestOf(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config, d [sha256.Size]byte) {
	m.mu.Lock()
	m.cfg, m.digest = cfg, d
	m.mu.Unlock()
}

// digestOf hashes the decoded config, so whitespace and comment edits do not
// count as changes.
func digestOf(cfg *Config) [sha256.Size]byte {
	b, _ := json.Marshal(cfg)
	return sha256.Sum256(b)
}

// Reload parses the file, validates it and, if it differs from the committed
// config, commits and publishes it. A config that fails to parse or validate
// leaves the committed one in place.
func (m *Manager) Reload(ctx context.Context) (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", m.path, err)
	}
	d := digestOf(cfg)
	m.mu.RLock()
	unchanged := d == m.digest
	validate := m.validate
	m.mu.RUnlock()
	if unchanged {
		return nil, ErrUnchanged
	}
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("rejected %s: %w", m.path, err)
		}
	}
	m.commit(cfg, d)
	m.publish(cfg)
	return cfg, nil
}

// Subscribe returns a channel that holds the latest committed config not yet
// received. A slow reader skips intermediate versions.
func (m *Manager) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes a channel returned by Subscribe.
func (m *Manager) Unsubscribe(sub <-chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	i := slices.IndexFunc(m.subs, func(ch chan *Config) bool { return ch == sub })
	if i < 0 {
		return
	}
	close(m.subs[i])
	m.subs = slices.Delete(m.subs, i, i+1)
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// Replace a pending config nobody read yet.
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
}

// Watch reloads the config whenever its file is written, created or renamed
// into place. It watches the directory so editors that replace the file keep
// working. Watch returns an error when the watcher breaks; the caller is
// expected to restart it.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watcher %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("path", m.path))

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watcher events closed")
			}
			if filepath.Base(ev.Name) == file && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watcher errors closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				m.log.Warn("config watcher overflow", logx.Err(err))
				debounce.Reset(reloadDebounce)
				continue
			}
			return fmt.Errorf("config watcher: %w", err)
		case <-debounce.C:
			m.reloadLogged(ctx)
		}
	}
}

func (m *Manager) reloadLogged(ctx context.Context) {
	_, err := m.Reload(ctx)
	switch {
	case err == nil:
		m.log.Info("config reloaded", logx.String("path", m.path))
	case errors.Is(err, ErrUnchanged):
		m.log.Debug("config file touched without changes", logx.String("path", m.path))
	default:
		m.log.Warn("config reload failed; keeping previous", logx.Err(err))
	}
}
