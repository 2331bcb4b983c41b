package health

import (
	"context"
	"errors"
	"testing"

	"chiffrage-backend/internal/application/events"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping() error { return f.err }

func TestCollectHealth_NothingConfigured(t *testing.T) {
	result := CollectHealth(context.Background(), Probes{})
	assert.Equal(t, "issue", result.Status)
	assert.Equal(t, "disconnected", result.Dependencies["database"].Status)
	assert.Equal(t, "disconnected", result.Dependencies["redis"].Status)
	assert.Nil(t, result.Events.Backlog)
	assert.Equal(t, 0, result.Traffic.TotalRequests)
	assert.NotEmpty(t, result.Runtime.GoVersion)
}

func TestCollectHealth_DatabaseOnlyIsDegraded(t *testing.T) {
	result := CollectHealth(context.Background(), Probes{DB: fakePinger{}})
	assert.Equal(t, "degraded", result.Status)
	assert.Equal(t, "connected", result.Dependencies["database"].Status)

	result = CollectHealth(context.Background(), Probes{DB: fakePinger{err: errors.New("down")}})
	assert.Equal(t, "issue", result.Status)
	assert.Equal(t, "error", result.Dependencies["database"].Status)
}

func TestCollectHealth_WithMiniredis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	queue := &events.RedisQueue{Rdb: rdb, Key: "test:events"}
	probes := Probes{Redis: rdb, DB: fakePinger{}, Events: queue}

	result := CollectHealth(ctx, probes)
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, "connected", result.Dependencies["redis"].Status)
	assert.Equal(t, "100", result.Traffic.SuccessRate)
	require.NotNil(t, result.Events.Backlog)
	assert.Equal(t, int64(0), *result.Events.Backlog)

	require.NoError(t, rdb.Set(ctx, "health:global:req_total", "10", 0).Err())
	require.NoError(t, rdb.Set(ctx, "health:global:req_errors", "2", 0).Err())
	require.NoError(t, rdb.Set(ctx, "health:global:res_time_total", "150.5", 0).Err())
	require.NoError(t, rdb.Set(ctx, "health:global:res_count", "10", 0).Err())
	require.NoError(t, rdb.Set(ctx, "health:global:start_time", "1000000", 0).Err())
	require.NoError(t, queue.Publish(ctx, events.New(events.ArticleAdded, 1, "article", 1, nil)))

	result = CollectHealth(ctx, probes)
	assert.Equal(t, 10, result.Traffic.TotalRequests)
	assert.Equal(t, 2, result.Traffic.FailedCount)
	assert.Equal(t, 8, result.Traffic.SuccessCount)
	assert.Equal(t, "80.0", result.Traffic.SuccessRate)
	assert.Equal(t, "15.05", result.Traffic.AvgResponseTime)
	assert.Equal(t, int64(1), *result.Events.Backlog)
	assert.Greater(t, result.Runtime.UptimeSeconds, int64(0))
}
