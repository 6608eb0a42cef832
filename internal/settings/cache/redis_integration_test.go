//go:build integration

package cache_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"actnexus/internal/platform/redis"
	"actnexus/internal/settings/cache"
	"actnexus/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *cache.Redis
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
	s.cache = cache.NewRedis(redis.Wrap(s.redis.Client), time.Minute)
}

func (s *RedisCacheSuite) TestRoundTripAndInvalidate() {
	ctx := context.Background()
	s.Require().NoError(s.cache.Set(ctx, "notary.city", json.RawMessage(`"Campinas"`)))

	v, ok, err := s.cache.Get(ctx, "notary.city")
	s.Require().NoError(err)
	s.True(ok)
	s.JSONEq(`"Campinas"`, string(v))

	s.Require().NoError(s.cache.Invalidate(ctx, "notary.city"))
	_, ok, err = s.cache.Get(ctx, "notary.city")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *RedisCacheSuite) TestClearOnlyTouchesPrefix() {
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		s.Require().NoError(s.cache.Set(ctx, k, json.RawMessage(`true`)))
	}
	s.Require().NoError(s.redis.Client.Set(ctx, "unrelated", "1", 0).Err())

	s.Require().NoError(s.cache.Clear(ctx))
	_, ok, err := s.cache.Get(ctx, "a")
	s.Require().NoError(err)
	s.False(ok)

	n, err := s.redis.Client.Exists(ctx, "unrelated").Result()
	s.Require().NoError(err)
	s.EqualValues(1, n)
}

func (s *RedisCacheSuite) TestDisabledMisses() {
	ctx := context.Background()
	s.Require().NoError(s.cache.Set(ctx, "k", json.RawMessage(`1`)))
	s.cache.Disable()
	_, ok, err := s.cache.Get(ctx, "k")
	s.Require().NoError(err)
	s.False(ok)
}
