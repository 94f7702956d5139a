// Package vars holds the shared variable maps scripts read and write: the
// engine-wide global map, one global map per channel, and the read-mostly
// configuration map backed by the CONFIGURATION table.
package vars

import (
	"context"
	"sync"

	"github.com/meridianhq/meridian/internal/storage"
)

// ConfigurationCategory is the CONFIGURATION table category backing the
// configuration map.
const ConfigurationCategory = "configuration"

// Map is a concurrency-safe string-keyed map. Scripts on different channels
// share the global map, so every access goes through the lock.
type Map struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMap creates an empty Map.
func NewMap() *Map {
	return &Map{values: make(map[string]any)}
}

// Get returns the value for key and whether it was present.
func (m *Map) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Put sets key to value.
func (m *Map) Put(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// Remove deletes key and returns the previous value, if any.
func (m *Map) Remove(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	delete(m.values, key)
	return v, ok
}

// Snapshot returns a copy of the current contents.
func (m *Map) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// Replace swaps the entire contents for values.
func (m *Map) Replace(values map[string]any) {
	next := make(map[string]any, len(values))
	for k, v := range values {
		next[k] = v
	}
	m.mu.Lock()
	m.values = next
	m.mu.Unlock()
}

// Clear removes all entries.
func (m *Map) Clear() {
	m.mu.Lock()
	m.values = make(map[string]any)
	m.mu.Unlock()
}

// Len returns the number of entries.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// Service owns the three map tiers. Channel maps are created on first use
// and survive redeploys; RemoveChannel drops one when a channel is removed
// for good.
type Service struct {
	global        *Map
	configuration *Map

	mu       sync.Mutex
	channels map[string]*Map
}

// NewService creates a Service with empty maps.
func NewService() *Service {
	return &Service{
		global:        NewMap(),
		configuration: NewMap(),
		channels:      make(map[string]*Map),
	}
}

// Global returns the engine-wide global map.
func (s *Service) Global() *Map {
	return s.global
}

// Configuration returns the configuration map. Scripts treat it as
// read-only; LoadConfiguration refreshes it from the store.
func (s *Service) Configuration() *Map {
	return s.configuration
}

// Channel returns the global map for channelID, creating it if needed.
func (s *Service) Channel(channelID string) *Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.channels[channelID]
	if !ok {
		m = NewMap()
		s.channels[channelID] = m
	}
	return m
}

// RemoveChannel drops the global map for channelID.
func (s *Service) RemoveChannel(channelID string) {
	s.mu.Lock()
	delete(s.channels, channelID)
	s.mu.Unlock()
}

// LoadConfiguration replaces the configuration map with the configuration
// category rows from the store.
func (s *Service) LoadConfiguration(ctx context.Context, store storage.Store) error {
	rows, err := store.GetConfigCategory(ctx, ConfigurationCategory)
	if err != nil {
		return err
	}
	values := make(map[string]any, len(rows))
	for k, v := range rows {
		values[k] = v
	}
	s.configuration.Replace(values)
	return nil
}
