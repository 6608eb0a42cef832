// Package cache holds the read-through caches used by the settings service.
// Every cache can be switched off at runtime; a disabled cache misses on every
// read and drops writes.
package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
)

// Cache stores raw setting values by key.
type Cache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Invalidate(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Enable()
	Disable()
	Enabled() bool
}

// toggle is the enable switch shared by the implementations. Caches start enabled.
type toggle struct {
	disabled atomic.Bool
}

func (t *toggle) Enable()       { t.disabled.Store(false) }
func (t *toggle) Disable()      { t.disabled.Store(true) }
func (t *toggle) Enabled() bool { return !t.disabled.Load() }
