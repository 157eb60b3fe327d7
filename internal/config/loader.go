package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// reloadDebounce collapses bursts of writes from editors into one reload.
const reloadDebounce = 100 * time.Millisecond

type decodeFunc func(data []byte, into *Config) error

func decodeTOML(data []byte, into *Config) error {
	_, err := toml.Decode(string(data), into)
	return err
}

func decodeJSON(data []byte, into *Config) error { return json.Unmarshal(data, into) }

func decodeYAML(data []byte, into *Config) error { return yaml.Unmarshal(data, into) }

// decoders maps file extensions to formats. Other extensions are sniffed in
// the order of sniffOrder.
var decoders = map[string]decodeFunc{
	".toml": decodeTOML,
	".json": decodeJSON,
	".yaml": decodeYAML,
	".yml":  decodeYAML,
}

var sniffOrder = []struct {
	name   string
	decode decodeFunc
}{
	{"TOML", decodeTOML},
	{"JSON", decodeJSON},
	{"YAML", decodeYAML},
}

// readFile decodes the file at path over the defaults. A missing file
// yields the defaults unchanged.
func readFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if decode, ok := decoders[filepath.Ext(path)]; ok {
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		return cfg, nil
	}

	// Each attempt decodes into a fresh copy so a failed format cannot
	// leave partial values behind.
	for _, f := range sniffOrder {
		cp := cfg.Clone()
		if f.decode(data, cp) == nil {
			return cp, nil
		}
	}
	return nil, fmt.Errorf("parse config %s: not TOML, JSON or YAML", filepath.Base(path))
}

// Loader owns the live configuration of a long-running server and reloads
// it when the file changes.
type Loader struct {
	path string

	mu       sync.RWMutex
	current  *Config
	onChange []func(prev, next *Config)

	watcher *fsnotify.Watcher
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

// NewLoader creates a loader for path, or for ConfigPath when path is empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	return &Loader{
		path: path,
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
}

// Path returns the configuration file.
func (l *Loader) Path() string { return l.path }

// Load reads the file, applies environment overrides and validates.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers cb for every reload that changes the configuration.
func (l *Loader) OnChange(cb func(prev, next *Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, cb)
	l.mu.Unlock()
}

// Errors reports rejected reloads and watch failures. Errors are dropped
// while one is pending.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Watch reloads the configuration whenever its file is written. The
// directory is watched because editors replace files by rename. An invalid
// file is reported on Errors and the current configuration kept.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}
	l.watcher = w
	go l.watch()
	return nil
}

func (l *Loader) watch() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	name := filepath.Base(l.path)
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, l.reload)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

func (l *Loader) reload() {
	select {
	case <-l.done:
		return
	default:
	}

	next, err := Load(l.path)
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	prev := l.current
	if prev != nil && *prev == *next {
		l.mu.Unlock()
		return
	}
	l.current = next
	callbacks := append([]func(prev, next *Config){}, l.onChange...)
	l.mu.Unlock()

	if prev == nil {
		prev = next
	}
	for _, cb := range callbacks {
		cb(prev, next)
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	l.once.Do(func() { close(l.done) })
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
