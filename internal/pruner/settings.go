package pruner

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/meridianhq/meridian/internal/archive"
	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Settings is persisted as a JSON blob in the configuration table.
const (
	ConfigCategory = "Data Pruner"
	ConfigName     = "pruner.config"
)

// IDRetrieveLimit caps how many candidate message IDs one task fetches per
// attempt.
const IDRetrieveLimit = 100_000

// Settings is the process-wide pruner configuration. Per-channel thresholds
// live on the channel itself.
type Settings struct {
	Enabled              bool `json:"enabled"`
	PollingIntervalHours int  `json:"polling_interval_hours"`

	PruningBlockSize   int `json:"pruning_block_size"`
	ArchivingBlockSize int `json:"archiving_block_size"`

	ArchiveEnabled bool            `json:"archive_enabled"`
	Archiver       archive.Options `json:"archiver_options"`

	PruneEvents     bool `json:"prune_events"`
	MaxEventAgeDays int  `json:"max_event_age_days"`

	SkipStatuses   []types.Status `json:"skip_statuses"`
	SkipIncomplete bool           `json:"skip_incomplete"`
	RetryCount     int            `json:"retry_count"`
}

// DefaultSettings returns the configuration used until an operator saves one.
// The pruner ships disabled.
func DefaultSettings() Settings {
	return Settings{
		Enabled:              false,
		PollingIntervalHours: 1,
		PruningBlockSize:     1000,
		ArchivingBlockSize:   50,
		SkipStatuses: []types.Status{
			types.StatusError, types.StatusQueued, types.StatusPending,
		},
		SkipIncomplete: true,
		RetryCount:     3,
	}
}

// Validate normalizes zero values back to defaults and rejects nonsense.
func (s *Settings) Validate() error {
	if s.PollingIntervalHours <= 0 {
		s.PollingIntervalHours = 1
	}
	if s.PruningBlockSize <= 0 {
		s.PruningBlockSize = 1000
	}
	if s.ArchivingBlockSize <= 0 {
		s.ArchivingBlockSize = 50
	}
	if s.RetryCount < 0 {
		s.RetryCount = 0
	}
	for _, st := range s.SkipStatuses {
		if !st.IsValid() {
			return fmt.Errorf("invalid skip status: %q", st)
		}
	}
	if s.ArchiveEnabled {
		if s.Archiver.MessagesPerFile <= 0 {
			s.Archiver.MessagesPerFile = s.ArchivingBlockSize
		}
		if err := s.Archiver.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadSettings reads the persisted configuration, falling back to defaults
// when none has been saved yet.
func LoadSettings(ctx context.Context, store storage.Store) (Settings, error) {
	raw, err := store.GetConfig(ctx, ConfigCategory, ConfigName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return DefaultSettings(), nil
		}
		return Settings{}, fmt.Errorf("load pruner config: %w", err)
	}
	s := DefaultSettings()
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Settings{}, fmt.Errorf("parse pruner config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// SaveSettings validates and persists the configuration.
func SaveSettings(ctx context.Context, store storage.Store, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode pruner config: %w", err)
	}
	if err := store.SetConfig(ctx, ConfigCategory, ConfigName, string(raw)); err != nil {
		return fmt.Errorf("save pruner config: %w", err)
	}
	return nil
}
