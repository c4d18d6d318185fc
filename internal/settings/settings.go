// Package settings holds the admin-editable publisher settings: the
// publishing endpoint, its API key and which platforms are offered.
package settings

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/ncol/publisher-service/internal/config"
	"github.com/ncol/publisher-service/internal/models"
)

var validate = validator.New()

// Settings is an immutable snapshot
type Settings struct {
	APIURL  string
	APIKey  string
	Enabled models.PlatformSet
}

// Configured reports whether both the endpoint and the key are set
func (s Settings) Configured() bool {
	return s.ConfiguredFor(true)
}

// ConfiguredFor is Configured for transports that may not need the endpoint URL
func (s Settings) ConfiguredFor(requireURL bool) bool {
	if strings.TrimSpace(s.APIKey) == "" {
		return false
	}
	return !requireURL || strings.TrimSpace(s.APIURL) != ""
}

// Provider is read at render and dispatch time
type Provider interface {
	Snapshot() Settings
}

// Update is a partial change submitted from the admin screen. Nil fields are left alone.
type Update struct {
	APIURL  *string   `json:"api_url" validate:"omitempty,url"`
	APIKey  *string   `json:"api_key"`
	Enabled *[]string `json:"enabled_platforms"`
}

// Store is a concurrency-safe Provider
type Store struct {
	mu      sync.RWMutex
	current Settings
}

// NewStore seeds the settings from configuration
func NewStore(cfg config.SettingsConfig) *Store {
	return &Store{
		current: Settings{
			APIURL:  cfg.APIURL,
			APIKey:  cfg.APIKey,
			Enabled: models.ParsePlatformSet(cfg.Enabled),
		},
	}
}

// Snapshot returns a copy of the current settings
func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.current
	out.Enabled = s.current.Enabled.Union(nil)
	return out
}

// Apply validates and merges an update, returning the new snapshot
func (s *Store) Apply(u Update) (Settings, error) {
	if err := validate.Struct(u); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}

	var enabled models.PlatformSet
	if u.Enabled != nil {
		for _, raw := range *u.Enabled {
			if _, ok := models.ParsePlatform(raw); !ok {
				return Settings{}, fmt.Errorf("invalid settings: unknown platform %q", raw)
			}
		}
		enabled = models.ParsePlatformSet(*u.Enabled)
	}

	s.mu.Lock()
	if u.APIURL != nil {
		s.current.APIURL = strings.TrimSpace(*u.APIURL)
	}
	if u.APIKey != nil {
		s.current.APIKey = strings.TrimSpace(*u.APIKey)
	}
	if enabled != nil {
		s.current.Enabled = enabled
	}
	s.mu.Unlock()

	return s.Snapshot(), nil
}
