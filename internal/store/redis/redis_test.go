package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/lockbox/internal/domain"
	"github.com/haukened/lockbox/internal/store/storetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestRedisConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestRedisDial(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Dial(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, s.Close())

	_, err = Dial(context.Background(), "127.0.0.1:1", "", 0)
	assert.Error(t, err)
}

func TestRedisDeadlineKeyTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	rec := storetest.NewRecord(t, 8, domain.Text(), domain.Deadline(storetest.Epoch.Add(time.Hour)), storetest.Epoch)
	require.NoError(t, s.Put(ctx, rec))
	assert.Equal(t, time.Hour+retention, mr.TTL(secretKey(rec.ID.String())))

	require.NoError(t, s.Transact(ctx, rec.ID, func(r *domain.SecretRecord) error { return r.RecordRead() }))
	assert.Greater(t, mr.TTL(secretKey(rec.ID.String())), time.Duration(0), "ttl survives updates")

	budget := storetest.NewRecord(t, 8, domain.Text(), domain.ReadBudget(1), storetest.Epoch)
	require.NoError(t, s.Put(ctx, budget))
	assert.Equal(t, time.Duration(0), mr.TTL(secretKey(budget.ID.String())))
}

func TestRedisListPrunesExpiredKeys(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	rec := storetest.NewRecord(t, 8, domain.Text(), domain.Deadline(storetest.Epoch.Add(time.Minute)), storetest.Epoch)
	require.NoError(t, s.Put(ctx, rec))

	mr.FastForward(time.Minute + retention + time.Second)
	list, err := s.List(ctx, storetest.Epoch)
	require.NoError(t, err)
	assert.Empty(t, list)

	members, err := mr.ZMembers(indexKey)
	if err == nil {
		assert.Empty(t, members)
	}
	_, err = s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisDuplicatePut(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	rec := storetest.NewRecord(t, 8, domain.Text(), domain.ReadBudget(1), storetest.Epoch)
	require.NoError(t, s.Put(ctx, rec))
	assert.Error(t, s.Put(ctx, rec))
}

func TestRedisCorruptDocument(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	id := domain.SecretID("0123456789abcdef0123456789abcdef")
	require.NoError(t, mr.Set(secretKey(id.String()), "{not json"))
	_, err := s.Get(ctx, id)
	assert.Error(t, err)
}

func TestRedisPutRemovesRecordWhenIndexFails(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set(indexKey, "not a sorted set"))

	rec := storetest.NewRecord(t, 8, domain.Text(), domain.ReadBudget(1), storetest.Epoch)
	err := s.Put(ctx, rec)
	require.Error(t, err)
	assert.False(t, mr.Exists(secretKey(rec.ID.String())), "record key is removed")

	_, err = s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
