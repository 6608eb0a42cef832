package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"

	"actnexus/internal/platform/redis"
)

// ErrSweepLocked is returned by a Locker when another process holds the sweep.
var ErrSweepLocked = errors.New("retention sweep locked")

// Locker guards a sweep across processes. Acquire returns a release func.
type Locker interface {
	Acquire(ctx context.Context) (func(context.Context) error, error)
}

// RedisLocker coordinates sweeps between replicas sharing a Redis.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, key: key, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context) (func(context.Context) error, error) {
	release, err := l.client.TryLock(ctx, l.key, l.ttl)
	if errors.Is(err, redis.ErrLockHeld) {
		return nil, ErrSweepLocked
	}
	return release, err
}

// FileLocker coordinates sweeps between processes on one host, including the CLI.
type FileLocker struct {
	lock *flock.Flock
}

func NewFileLocker(path string) *FileLocker {
	return &FileLocker{lock: flock.New(path)}
}

func (l *FileLocker) Acquire(_ context.Context) (func(context.Context) error, error) {
	ok, err := l.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", l.lock.Path(), err)
	}
	if !ok {
		return nil, ErrSweepLocked
	}
	return func(context.Context) error {
		return l.lock.Unlock()
	}, nil
}

// Sweeper periodically deletes expired entries and finalizes abandoned ones.
type Sweeper struct {
	service   *Service
	locker    Locker
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

func NewSweeper(service *Service, locker Locker, retention, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		service:   service,
		locker:    locker,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

// Run sweeps once immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.SweepAt(ctx, time.Now()); err != nil {
			s.logger.ErrorContext(ctx, "usage retention sweep failed", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SweepAt runs one sweep as of now. A held lock skips the sweep without error.
func (s *Sweeper) SweepAt(ctx context.Context, now time.Time) error {
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx)
		if errors.Is(err, ErrSweepLocked) {
			s.logger.DebugContext(ctx, "usage retention sweep skipped, lock held")
			return nil
		}
		if err != nil {
			return err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.WarnContext(ctx, "failed to release sweep lock", "error", err)
			}
		}()
	}

	if _, err := s.service.FailStalePending(ctx, now.Add(-s.service.StaleAfter())); err != nil {
		return err
	}
	if s.retention <= 0 {
		return nil
	}
	_, err := s.service.CleanupOlderThan(ctx, now.Add(-s.retention))
	return err
}
