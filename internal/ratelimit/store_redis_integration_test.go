//go:build integration

package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"actnexus/internal/platform/redis"
	"actnexus/internal/ratelimit"
	"actnexus/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *ratelimit.RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
	s.store = ratelimit.NewRedisStore(redis.Wrap(s.redis.Client))
}

func (s *RedisStoreSuite) TestConcurrentCallersShareTheBudget() {
	ctx := context.Background()
	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.store.Allow(ctx, "actor:a:ai", 5, time.Minute)
			if !s.NoError(err) {
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(5, allowed)

	res, err := s.store.Allow(ctx, "actor:a:ai", 5, time.Minute)
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Positive(res.RetryAfter)

	s.Require().NoError(s.store.Reset(ctx, "actor:a:ai"))
	res, err = s.store.Allow(ctx, "actor:a:ai", 5, time.Minute)
	s.Require().NoError(err)
	s.True(res.Allowed)
	s.Equal(4, res.Remaining)
}
