//go:build integration

package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"actnexus/internal/platform/redis"
	"actnexus/pkg/testutil/containers"
)

type LockSuite struct {
	suite.Suite
	redis  *containers.RedisContainer
	client *redis.Client
}

func TestLockSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(LockSuite))
}

func (s *LockSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.client = redis.Wrap(s.redis.Client)
}

func (s *LockSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *LockSuite) TestSecondHolderIsRejectedUntilRelease() {
	ctx := context.Background()

	release, err := s.client.TryLock(ctx, "lock:sweep", time.Minute)
	s.Require().NoError(err)

	_, err = s.client.TryLock(ctx, "lock:sweep", time.Minute)
	s.ErrorIs(err, redis.ErrLockHeld)

	s.Require().NoError(release(ctx))

	release2, err := s.client.TryLock(ctx, "lock:sweep", time.Minute)
	s.Require().NoError(err)
	s.NoError(release2(ctx))
}

func (s *LockSuite) TestStaleReleaseDoesNotDropNewOwner() {
	ctx := context.Background()

	release, err := s.client.TryLock(ctx, "lock:expiring", 50*time.Millisecond)
	s.Require().NoError(err)
	time.Sleep(100 * time.Millisecond)

	_, err = s.client.TryLock(ctx, "lock:expiring", time.Minute)
	s.Require().NoError(err)

	s.Require().NoError(release(ctx))
	_, err = s.client.TryLock(ctx, "lock:expiring", time.Minute)
	s.ErrorIs(err, redis.ErrLockHeld)
}
