// Package settingsstore manages the mutable settings.json document
// (spec.md §6.5): maxConcurrentDownloads, downloadsDir, presets,
// savedServers and defaultRetentionDays. It is loaded by Open,
// written atomically on every mutation, and, once Watch has been called,
// hot-reloaded when the file is edited externally.
package settingsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/jellyvod/jellydown/internal/engine/model"
	"github.com/jellyvod/jellydown/internal/jlog"
)

// Settings is the document persisted at settingsDir/settings.json.
type Settings struct {
	MaxConcurrentDownloads int             `json:"maxConcurrentDownloads"` // [1, 20]
	DownloadsDir           string          `json:"downloadsDir"`
	Presets                []model.Preset  `json:"presets"`
	SavedServers           []SavedServer   `json:"savedServers"`
	DefaultRetentionDays   *int            `json:"defaultRetentionDays"` // nil | [1, 365]
}

// SavedServer is a remembered upstream connection the CLI/caller can pick from.
type SavedServer struct {
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
}

func defaultSettings() Settings {
	return Settings{
		MaxConcurrentDownloads: 5,
		DownloadsDir:           "downloads",
		Presets:                nil,
		SavedServers:           nil,
		DefaultRetentionDays:   nil,
	}
}

// Validate enforces the bounds spec.md §6.5 places on the document.
func Validate(s Settings) error {
	if s.MaxConcurrentDownloads < 1 || s.MaxConcurrentDownloads > 20 {
		return fmt.Errorf("maxConcurrentDownloads out of range [1,20]: %d", s.MaxConcurrentDownloads)
	}
	if s.DefaultRetentionDays != nil {
		d := *s.DefaultRetentionDays
		if d < 1 || d > 365 {
			return fmt.Errorf("defaultRetentionDays out of range [1,365]: %d", d)
		}
	}
	return nil
}

// Store holds the current settings snapshot with atomic swap-on-reload,
// mirroring the ConfigHolder pattern the ambient config layer reloads
// with, scoped down to one watched file instead of a whole directory.
type Store struct {
	path string

	reloadOpMu sync.Mutex
	epoch      atomic.Uint64
	snapshot   atomic.Pointer[Settings]

	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	listenMu  sync.RWMutex
	listeners []chan<- Settings
}

// Open loads settings.json from dir, creating it with defaults if absent,
// and returns a Store ready for Get/Update and (optionally) Watch.
func Open(dir string) (*Store, error) {
	path := filepath.Join(dir, "settings.json")
	s := &Store{path: path, logger: jlog.WithComponent("settingsstore")}

	settings, err := loadOrInit(path)
	if err != nil {
		return nil, err
	}
	s.snapshot.Store(&settings)
	return s, nil
}

func loadOrInit(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		settings := defaultSettings()
		if writeErr := writeAtomic(path, settings); writeErr != nil {
			return Settings{}, fmt.Errorf("initialize settings: %w", writeErr)
		}
		return settings, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	if err := Validate(settings); err != nil {
		return Settings{}, fmt.Errorf("invalid settings on disk: %w", err)
	}
	return settings, nil
}

func writeAtomic(path string, s Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending settings file: %w", err)
	}
	defer func() { _ = pendingFile.Cleanup() }()

	enc := json.NewEncoder(pendingFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace settings file: %w", err)
	}
	return nil
}

// Get returns the current settings snapshot.
func (s *Store) Get() Settings {
	if snap := s.snapshot.Load(); snap != nil {
		return *snap
	}
	return defaultSettings()
}

// Update validates and persists next, then swaps it in and notifies listeners.
func (s *Store) Update(next Settings) error {
	s.reloadOpMu.Lock()
	defer s.reloadOpMu.Unlock()

	if err := Validate(next); err != nil {
		return err
	}
	if err := writeAtomic(s.path, next); err != nil {
		return err
	}
	s.epoch.Add(1)
	s.snapshot.Store(&next)
	s.notify(next)
	return nil
}

// RegisterListener registers a channel to receive the new settings whenever
// they change, by Update or by external-file hot-reload. Sends are
// non-blocking: a full channel skips that notification.
func (s *Store) RegisterListener(ch chan<- Settings) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.listeners = append(s.listeners, ch)
}

func (s *Store) notify(next Settings) {
	s.listenMu.RLock()
	defer s.listenMu.RUnlock()
	for _, ch := range s.listeners {
		select {
		case ch <- next:
		default:
			s.logger.Warn().Msg("skipped settings listener notification (channel full)")
		}
	}
}

// Watch starts watching settings.json for external edits and reloads on
// change, debounced to absorb editors that truncate-then-write. It returns
// once the watcher is armed; call the returned stop function (or cancel ctx)
// to tear it down.
func (s *Store) Watch(ctx context.Context) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create settings watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch settings dir: %w", err)
	}
	s.watcher = watcher
	go s.watchLoop(ctx)
	return func() { _ = watcher.Close() }, nil
}

func (s *Store) watchLoop(ctx context.Context) {
	base := filepath.Base(s.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(400*time.Millisecond, func() {
				settings, err := loadOrInit(s.path)
				if err != nil {
					s.logger.Error().Err(err).Msg("settings hot-reload failed, keeping previous snapshot")
					return
				}
				s.epoch.Add(1)
				s.snapshot.Store(&settings)
				s.notify(settings)
				s.logger.Info().Msg("settings reloaded from disk")
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("settings watcher error")
		}
	}
}
