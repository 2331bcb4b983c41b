package events

import (
	"context"
	"testing"
	"time"

	"chiffrage-backend/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupQueue(t *testing.T) (*RedisQueue, *gorm.DB) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.StructureEvent{}))
	return &RedisQueue{Rdb: rdb, Key: "test:events"}, db
}

func TestRedisQueue_FIFO(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	first := New(OuvrageCreated, 1, "ouvrage", 10, map[string]interface{}{"name": "Fondations"})
	second := New(ArticleAdded, 1, "article", 3, nil)
	require.NoError(t, q.Publish(ctx, first))
	require.NoError(t, q.Publish(ctx, second))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "Fondations", got.Payload["name"])

	got, err = q.TryPop(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)

	got, err = q.TryPop(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWorker_DrainStoresEvents(t *testing.T) {
	q, db := setupQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, New(BlocCreated, 5, "bloc", 11, map[string]interface{}{"quantity": 4})))
	require.NoError(t, q.Publish(ctx, New(BlocDeleted, 5, "bloc", 11, nil)))

	w := &Worker{Queue: q, DB: db}
	n, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var rows []domain.StructureEvent
	require.NoError(t, db.Order("created_at ASC").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, BlocCreated, rows[0].Type)
	assert.Equal(t, int64(11), rows[0].NodeID)
	assert.JSONEq(t, `{"quantity":4}`, string(rows[0].Payload))
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	q, db := setupQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{Queue: q, DB: db, PollTimeout: 50 * time.Millisecond}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, q.Publish(context.Background(), New(LotDeleted, 9, "lot", 2, nil)))
	assert.Eventually(t, func() bool {
		var count int64
		db.Model(&domain.StructureEvent{}).Count(&count)
		return count == 1
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
