// Package store persists usage ledger entries.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"actnexus/internal/ledger/models"
	id "actnexus/pkg/domain"
	"actnexus/pkg/platform/sentinel"
)

// InMemoryStore keeps entries in a map. Used by tests and the store-less dev mode.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[id.UsageEntryID]*models.Entry
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{entries: make(map[id.UsageEntryID]*models.Entry)}
}

func clone(e *models.Entry) *models.Entry {
	c := *e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (s *InMemoryStore) Insert(_ context.Context, entry *models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; ok {
		return sentinel.ErrConflict
	}
	s.entries[entry.ID] = clone(entry)
	return nil
}

func (s *InMemoryStore) Complete(_ context.Context, entryID id.UsageEntryID, c models.Completion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok || e.Status != models.StatusPending {
		return false, nil
	}
	e.Status = c.Status
	e.Response = c.Response
	e.Model = c.Model
	e.TokensIn = c.TokensIn
	e.TokensOut = c.TokensOut
	e.TokensTotal = c.TokensIn + c.TokensOut
	e.Cost = c.Cost
	e.LatencyMS = c.LatencyMS
	e.ErrorMessage = c.ErrorMessage
	completed := c.CompletedAt
	e.CompletedAt = &completed
	return true, nil
}

func (s *InMemoryStore) FindByID(_ context.Context, entryID id.UsageEntryID) (*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(e), nil
}

func (s *InMemoryStore) ListByOperation(_ context.Context, operationID string, limit int) ([]*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Entry
	for _, e := range s.entries {
		if e.OperationID == operationID {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListRange(_ context.Context, w models.Window) ([]*models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.inWindow(w)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) inWindow(w models.Window) []*models.Entry {
	var out []*models.Entry
	for _, e := range s.entries {
		if !e.CreatedAt.Before(w.Start) && e.CreatedAt.Before(w.End) {
			out = append(out, clone(e))
		}
	}
	return out
}

func (s *InMemoryStore) Summarize(_ context.Context, w models.Window) (models.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		sum      models.Summary
		latency  int64
		finished int64
	)
	for _, e := range s.inWindow(w) {
		sum.TotalOperations++
		switch e.Status {
		case models.StatusSuccess:
			sum.Success++
		case models.StatusError:
			sum.Errors++
		case models.StatusPending:
			sum.Pending++
		}
		sum.TokensIn += int64(e.TokensIn)
		sum.TokensOut += int64(e.TokensOut)
		sum.TokensTotal += int64(e.TokensTotal)
		sum.TotalCost += e.Cost
		if e.Status != models.StatusPending {
			latency += e.LatencyMS
			finished++
		}
	}
	if finished > 0 {
		sum.AvgLatencyMS = float64(latency) / float64(finished)
	}
	return sum, nil
}

func dimensionKey(e *models.Entry, dim models.Dimension) string {
	switch dim {
	case models.DimensionModel:
		return e.Model
	case models.DimensionStatus:
		return string(e.Status)
	default:
		return e.OperationType
	}
}

func (s *InMemoryStore) Breakdown(_ context.Context, w models.Window, dim models.Dimension) ([]models.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := map[string]*models.Bucket{}
	for _, e := range s.inWindow(w) {
		key := dimensionKey(e, dim)
		b, ok := groups[key]
		if !ok {
			b = &models.Bucket{Key: key}
			groups[key] = b
		}
		b.Operations++
		b.Tokens += int64(e.TokensTotal)
		b.Cost += e.Cost
	}
	out := make([]models.Bucket, 0, len(groups))
	for _, b := range groups {
		b.AvgCost = b.Cost / float64(b.Operations)
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost > out[j].Cost
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (s *InMemoryStore) Daily(_ context.Context, w models.Window, limit int) ([]models.DailyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	days := map[time.Time]*models.DailyUsage{}
	for _, e := range s.inWindow(w) {
		day := e.CreatedAt.UTC().Truncate(24 * time.Hour)
		d, ok := days[day]
		if !ok {
			d = &models.DailyUsage{Day: day}
			days[day] = d
		}
		d.Operations++
		d.Tokens += int64(e.TokensTotal)
		d.Cost += e.Cost
	}
	out := make([]models.DailyUsage, 0, len(days))
	for _, d := range days {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.After(out[j].Day) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) TopCostly(_ context.Context, w models.Window, limit int) ([]models.CostlyCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CostlyCall
	for _, e := range s.inWindow(w) {
		if e.Status == models.StatusPending {
			continue
		}
		out = append(out, models.CostlyCall{
			ID:            e.ID,
			OperationType: e.OperationType,
			OperationID:   e.OperationID,
			Model:         e.Model,
			Cost:          e.Cost,
			Tokens:        e.TokensTotal,
			CreatedAt:     e.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost > out[j].Cost
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []models.CostlyCall{}
	}
	return out, nil
}

func (s *InMemoryStore) HealthCounts(_ context.Context, w models.Window, staleBefore time.Time) (models.HealthCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c models.HealthCounts
	for _, e := range s.entries {
		if !e.CreatedAt.Before(w.End) {
			continue
		}
		if !e.CreatedAt.Before(w.Start) {
			c.Operations++
			c.Cost += e.Cost
			if e.Status == models.StatusError {
				c.Errors++
			}
		}
		if e.Status == models.StatusPending {
			if e.CreatedAt.Before(staleBefore) {
				c.PendingStale++
			} else {
				c.PendingYoung++
			}
		}
	}
	return c, nil
}

func (s *InMemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) FailStalePending(_ context.Context, cutoff time.Time, message string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.Status == models.StatusPending && e.CreatedAt.Before(cutoff) {
			e.Status = models.StatusError
			e.ErrorMessage = message
			completed := now
			e.CompletedAt = &completed
			n++
		}
	}
	return n, nil
}
