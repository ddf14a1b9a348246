package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"chain-voting-backend/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newRedisStore(t *testing.T) *RedisStore {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func newSQLStore(t *testing.T) *SQLStore {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// SQLite 单连接，事务串行执行
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.DocumentRow{}, &models.CounterRow{}))
	return NewSQLStore(db)
}

// backends runs fn against every DocumentStore implementation
func backends(t *testing.T, fn func(t *testing.T, s DocumentStore)) {
	t.Run("redis", func(t *testing.T) { fn(t, newRedisStore(t)) })
	t.Run("sql", func(t *testing.T) { fn(t, newSQLStore(t)) })
}

func TestGet_NotFound(t *testing.T) {
	backends(t, func(t *testing.T, s DocumentStore) {
		var doc models.VoteManager
		err := s.Get(context.Background(), CollectionVoteManagers, "0xabc", &doc)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSetAndGet(t *testing.T) {
	backends(t, func(t *testing.T, s DocumentStore) {
		ctx := context.Background()
		manager := models.VoteManager{
			ContractAddress: "0x1111111111111111111111111111111111111111",
			Groups:          map[string][]string{"1": {"0xa", "0xb"}},
		}
		require.NoError(t, s.Set(ctx, CollectionVoteManagers, "0xabc", manager))

		var got models.VoteManager
		require.NoError(t, s.Get(ctx, CollectionVoteManagers, "0xabc", &got))
		assert.Equal(t, manager, got)

		manager.ContractAddress = "0x2222222222222222222222222222222222222222"
		require.NoError(t, s.Set(ctx, CollectionVoteManagers, "0xabc", manager))
		require.NoError(t, s.Get(ctx, CollectionVoteManagers, "0xabc", &got))
		assert.Equal(t, manager.ContractAddress, got.ContractAddress)
	})
}

func TestMerge_DeepMergesMaps(t *testing.T) {
	backends(t, func(t *testing.T, s DocumentStore) {
		ctx := context.Background()
		require.NoError(t, s.Merge(ctx, CollectionVoteManagers, "0xabc", map[string]interface{}{
			"contractAddress": "0x1",
			"groups":          map[string][]string{"1": {"0xa"}},
		}))
		require.NoError(t, s.Merge(ctx, CollectionVoteManagers, "0xabc", map[string]interface{}{
			"groups": map[string]interface{}{"2": []string{"0xb"}},
		}))

		var got models.VoteManager
		require.NoError(t, s.Get(ctx, CollectionVoteManagers, "0xabc", &got))
		assert.Equal(t, "0x1", got.ContractAddress)
		assert.Equal(t, []string{"0xa"}, got.Members(1))
		assert.Equal(t, []string{"0xb"}, got.Members(2))
	})
}

func TestUpdate_ReportsExistence(t *testing.T) {
	backends(t, func(t *testing.T, s DocumentStore) {
		ctx := context.Background()
		var doc models.UsersVotes
		var seen []bool
		appendVote := func(id int64) error {
			return s.Update(ctx, CollectionUsersVotes, "0xabc", &doc, func(exists bool) error {
				seen = append(seen, exists)
				doc.Votes = append(doc.Votes, models.UsersVoteEntry{VoteID: id, VoteName: fmt.Sprintf("v%d", id)})
				return nil
			})
		}

		require.NoError(t, appendVote(1))
		require.NoError(t, appendVote(2))

		var got models.UsersVotes
		require.NoError(t, s.Get(ctx, CollectionUsersVotes, "0xabc", &got))
		assert.Equal(t, []bool{false, true}, seen)
		assert.Equal(t, []models.UsersVoteEntry{{VoteID: 1, VoteName: "v1"}, {VoteID: 2, VoteName: "v2"}}, got.Votes)
	})
}

func TestUpdate_CallbackErrorAborts(t *testing.T) {
	backends(t, func(t *testing.T, s DocumentStore) {
		ctx := context.Background()
		boom := fmt.Errorf("boom")
		var doc models.UsersVotes
		err := s.Update(ctx, CollectionUsersVotes, "0xabc", &doc, func(bool) error { return boom })
		assert.ErrorIs(t, err, boom)

		err = s.Get(ctx, CollectionUsersVotes, "0xabc", &doc)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdate_ConcurrentAppends(t *testing.T) {
	backends(t, func(t *testing.T, s DocumentStore) {
		ctx := context.Background()
		const workers = 8

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				var doc models.UsersVotes
				errs <- s.Update(ctx, CollectionUsersVotes, "0xabc", &doc, func(bool) error {
					doc.Votes = append(doc.Votes, models.UsersVoteEntry{VoteID: id})
					return nil
				})
			}(int64(i))
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		var got models.UsersVotes
		require.NoError(t, s.Get(ctx, CollectionUsersVotes, "0xabc", &got))
		assert.Len(t, got.Votes, workers)
	})
}

func TestIncrementAndCounter(t *testing.T) {
	backends(t, func(t *testing.T, s DocumentStore) {
		ctx := context.Background()

		value, err := s.Counter(ctx, CollectionCounters, "voteId", "value")
		require.NoError(t, err)
		assert.Equal(t, int64(0), value)

		for want := int64(1); want <= 3; want++ {
			got, err := s.Increment(ctx, CollectionCounters, "voteId", "value", 1)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}

		got, err := s.Increment(ctx, CollectionCounters, "voteId", "value", 5)
		require.NoError(t, err)
		assert.Equal(t, int64(8), got)

		value, err = s.Counter(ctx, CollectionCounters, "voteId", "value")
		require.NoError(t, err)
		assert.Equal(t, int64(8), value)
	})
}

func TestDelete(t *testing.T) {
	backends(t, func(t *testing.T, s DocumentStore) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, CollectionUsers, "0xabc", models.UserRecord{Manager: "0x1"}))
		_, err := s.Increment(ctx, CollectionUsers, "0xabc", "logins", 1)
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, CollectionUsers, "0xabc"))

		var doc models.UserRecord
		assert.ErrorIs(t, s.Get(ctx, CollectionUsers, "0xabc", &doc), ErrNotFound)
		value, err := s.Counter(ctx, CollectionUsers, "0xabc", "logins")
		require.NoError(t, err)
		assert.Equal(t, int64(0), value)
	})
}

func TestMergeInto(t *testing.T) {
	dst := map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0, "y": 2.0},
		"b": "keep",
		"c": []interface{}{"old"},
	}
	mergeInto(dst, map[string]interface{}{
		"a": map[string]interface{}{"y": 3.0, "z": 4.0},
		"c": []interface{}{"new"},
	})

	assert.Equal(t, map[string]interface{}{"x": 1.0, "y": 3.0, "z": 4.0}, dst["a"])
	assert.Equal(t, "keep", dst["b"])
	assert.Equal(t, []interface{}{"new"}, dst["c"])
}
