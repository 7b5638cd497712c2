// Package store persists broker connection profiles to a JSON file.
//
// The on-disk format is a versioned envelope so the schema can evolve:
//
//	{"version": 1, "items": [ ...connection configs... ]}
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/mqdeck-io/mqdeck/internal/session"
	"github.com/mqdeck-io/mqdeck/pkg/log"
)

// FormatVersion is the envelope version this build reads and writes.
const FormatVersion = 1

// ErrNotFound is returned when no persisted config carries the requested id.
var ErrNotFound = errors.New("connection config not found")

type envelope struct {
	Version int              `json:"version"`
	Items   []session.Config `json:"items"`
}

// Store reads and writes a single connections file. Methods are not
// goroutine-safe; callers needing concurrent access serialize externally
// (the connection registry does).
type Store struct {
	path string
	log  log.Logger
}

// New binds a store to path. The file does not need to exist yet; a
// missing file loads as an empty list.
func New(path string, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{path: path, log: logger.WithName("store")}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads every persisted config. A missing file is an empty store, not
// an error. Unknown envelope versions are rejected rather than guessed at.
func (s *Store) Load() ([]session.Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if env.Version != FormatVersion {
		return nil, fmt.Errorf("%s: unsupported format version %d", s.path, env.Version)
	}

	for i := range env.Items {
		env.Items[i].SetDefaults()
	}
	return env.Items, nil
}

// Save writes the full config list, replacing the file atomically so a
// crash mid-write never leaves a truncated store behind.
func (s *Store) Save(cfgs []session.Config) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(envelope{Version: FormatVersion, Items: cfgs}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode connections: %w", err)
	}
	data = append(data, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	s.log.Debug("connections saved", "path", s.path, "count", len(cfgs))
	return nil
}

// Add assigns an id if the config has none, applies defaults, validates,
// and persists. It returns the stored config and rejects duplicate ids.
func (s *Store) Add(cfg session.Config) (session.Config, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return session.Config{}, err
	}

	cfgs, err := s.Load()
	if err != nil {
		return session.Config{}, err
	}
	for _, existing := range cfgs {
		if existing.ID == cfg.ID {
			return session.Config{}, fmt.Errorf("connection %q already exists", cfg.ID)
		}
	}

	cfgs = append(cfgs, cfg)
	if err := s.Save(cfgs); err != nil {
		return session.Config{}, err
	}
	return cfg, nil
}

// Get returns the persisted config for id, or ErrNotFound.
func (s *Store) Get(id string) (session.Config, error) {
	cfgs, err := s.Load()
	if err != nil {
		return session.Config{}, err
	}
	for _, cfg := range cfgs {
		if cfg.ID == id {
			return cfg, nil
		}
	}
	return session.Config{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// RemoveByID deletes one config and persists the remainder.
func (s *Store) RemoveByID(id string) error {
	cfgs, err := s.Load()
	if err != nil {
		return err
	}

	kept := cfgs[:0]
	found := false
	for _, cfg := range cfgs {
		if cfg.ID == id {
			found = true
			continue
		}
		kept = append(kept, cfg)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Save(kept)
}

// SortByName orders configs for stable presentation.
func SortByName(cfgs []session.Config) {
	sort.Slice(cfgs, func(i, j int) bool {
		if cfgs[i].Name != cfgs[j].Name {
			return cfgs[i].Name < cfgs[j].Name
		}
		return cfgs[i].ID < cfgs[j].ID
	})
}

// watchDebounce coalesces the bursts of filesystem events editors and
// atomic renames produce into a single onChange call.
const watchDebounce = 100 * time.Millisecond

// Watch reports external modifications of the connections file by calling
// onChange until ctx is done. The parent directory is watched, not the
// file, so atomic replaces (rename over) keep being observed.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-fire:
			s.log.Info("connections file changed externally", "path", s.path)
			onChange()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watch error", "error", err)
		}
	}
}
