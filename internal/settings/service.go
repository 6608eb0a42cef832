// Package settings serves runtime-editable settings through an injected cache.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"

	"actnexus/internal/platform/config"
	"actnexus/internal/settings/cache"
	"actnexus/internal/settings/models"
	dErrors "actnexus/pkg/domain-errors"
	"actnexus/pkg/platform/sentinel"
	"actnexus/pkg/requestcontext"
)

type Store interface {
	Find(ctx context.Context, key string) (*models.Setting, error)
	Upsert(ctx context.Context, setting *models.Setting) error
	List(ctx context.Context) ([]*models.Setting, error)
}

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

const maxValueBytes = 64 << 10

type Service struct {
	store    Store
	cache    cache.Cache
	logger   *slog.Logger
	defaults models.NotaryOffice
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNotaryDefaults sets the office context used when no setting overrides it.
func WithNotaryDefaults(cfg config.NotaryConfig) Option {
	return func(s *Service) {
		s.defaults = models.NotaryOffice{Name: cfg.Name, City: cfg.City, State: cfg.State}
	}
}

func New(store Store, c cache.Cache, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cache:  c,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cache exposes the injected cache for operator toggles.
func (s *Service) Cache() cache.Cache {
	return s.cache
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return dErrors.New(dErrors.CodeValidation, "setting key must be 1-64 lowercase letters, digits, '.', '_' or '-'")
	}
	return nil
}

// Get returns the raw value of key. Cache failures fall through to the store.
func (s *Service) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if value, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "settings cache read failed", "key", key, "error", err)
	} else if ok {
		return value, nil
	}

	setting, err := s.store.Find(ctx, key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "setting not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load setting")
	}
	if err := s.cache.Set(ctx, key, setting.Value); err != nil {
		s.logger.WarnContext(ctx, "settings cache write failed", "key", key, "error", err)
	}
	return setting.Value, nil
}

// Put stores value under key and invalidates the cached copy.
func (s *Service) Put(ctx context.Context, key string, value json.RawMessage) (*models.Setting, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if len(value) == 0 || len(value) > maxValueBytes || !json.Valid(value) {
		return nil, dErrors.New(dErrors.CodeValidation, "setting value must be valid JSON up to 64KiB")
	}
	setting := &models.Setting{Key: key, Value: value, UpdatedAt: requestcontext.Now(ctx)}
	if err := s.store.Upsert(ctx, setting); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save setting")
	}
	if err := s.cache.Invalidate(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "settings cache invalidation failed", "key", key, "error", err)
	}
	s.logger.InfoContext(ctx, "setting updated",
		"key", key,
		"actor", requestcontext.Actor(ctx),
	)
	return setting, nil
}

func (s *Service) List(ctx context.Context) ([]*models.Setting, error) {
	list, err := s.store.List(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list settings")
	}
	return list, nil
}

// NotaryOffice resolves the office context. Missing or unreadable settings
// fall back to the configured defaults.
func (s *Service) NotaryOffice(ctx context.Context) models.NotaryOffice {
	office := s.defaults
	for key, dst := range map[string]*string{
		models.KeyNotaryName:  &office.Name,
		models.KeyNotaryCity:  &office.City,
		models.KeyNotaryState: &office.State,
	} {
		raw, err := s.Get(ctx, key)
		if err != nil {
			if !dErrors.HasCode(err, dErrors.CodeNotFound) {
				s.logger.WarnContext(ctx, "notary setting unavailable", "key", key, "error", err)
			}
			continue
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil || v == "" {
			continue
		}
		*dst = v
	}
	return office
}

// SetCacheEnabled toggles the cache. Disabling also clears it.
func (s *Service) SetCacheEnabled(ctx context.Context, enabled bool) error {
	if enabled {
		s.cache.Enable()
	} else {
		s.cache.Disable()
		if err := s.cache.Clear(ctx); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to clear settings cache")
		}
	}
	s.logger.InfoContext(ctx, "settings cache toggled",
		"enabled", enabled,
		"actor", requestcontext.Actor(ctx),
	)
	return nil
}

func (s *Service) ClearCache(ctx context.Context) error {
	if err := s.cache.Clear(ctx); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to clear settings cache")
	}
	return nil
}

func (s *Service) CacheEnabled() bool {
	return s.cache.Enabled()
}
