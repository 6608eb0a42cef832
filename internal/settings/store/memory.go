// Package store persists application settings.
package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	"actnexus/internal/settings/models"
	"actnexus/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu       sync.RWMutex
	settings map[string]models.Setting
	reads    int
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{settings: make(map[string]models.Setting)}
}

func (s *InMemoryStore) Find(_ context.Context, key string) (*models.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	setting, ok := s.settings[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	setting.Value = slices.Clone(setting.Value)
	return &setting, nil
}

func (s *InMemoryStore) Upsert(_ context.Context, setting *models.Setting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *setting
	stored.Value = slices.Clone(setting.Value)
	s.settings[setting.Key] = stored
	return nil
}

func (s *InMemoryStore) List(_ context.Context) ([]*models.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Setting, 0, len(s.settings))
	for _, setting := range s.settings {
		setting := setting
		setting.Value = slices.Clone(setting.Value)
		out = append(out, &setting)
	}
	slices.SortFunc(out, func(a, b *models.Setting) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

// Reads reports how many lookups reached the store.
func (s *InMemoryStore) Reads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads
}
