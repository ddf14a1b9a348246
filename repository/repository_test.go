package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"chain-voting-backend/cache"
	"chain-voting-backend/models"
	"chain-voting-backend/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	managerAddr = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	memberAddr  = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

func setupRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func setupDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.VoteRecord{}))
	return db
}

func TestManager_KeyIsLowercased(t *testing.T) {
	client := setupRedis(t)
	repo := NewDocumentRepository(store.NewRedisStore(client))
	ctx := context.Background()

	manager := &models.VoteManager{ContractAddress: "0x1", Groups: map[string][]string{"1": {memberAddr}}}
	require.NoError(t, repo.SaveManager(ctx, managerAddr, manager))

	exists, err := client.Exists(ctx, "doc:voteManagers:0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	got, err := repo.GetManager(ctx, "0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED")
	require.NoError(t, err)
	assert.Equal(t, manager, got)
}

func TestAddMembership_DeduplicatesGroups(t *testing.T) {
	repo := NewDocumentRepository(store.NewRedisStore(setupRedis(t)))
	ctx := context.Background()

	require.NoError(t, repo.AddMembership(ctx, memberAddr, "0xc1", managerAddr, 1))
	require.NoError(t, repo.AddMembership(ctx, memberAddr, "0xc1", managerAddr, 2))
	require.NoError(t, repo.AddMembership(ctx, memberAddr, "0xc1", managerAddr, 1))

	user, err := repo.GetUser(ctx, memberAddr)
	require.NoError(t, err)
	assert.Equal(t, "0xc1", user.ContractAddress)
	assert.Equal(t, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", user.Manager)
	assert.Equal(t, []int64{1, 2}, user.Groups)
}

func TestUsersVotes_AppendOnly(t *testing.T) {
	repo := NewDocumentRepository(store.NewRedisStore(setupRedis(t)))
	ctx := context.Background()

	empty, err := repo.GetUsersVotes(ctx, managerAddr)
	require.NoError(t, err)
	assert.Empty(t, empty.Votes)

	require.NoError(t, repo.AppendVote(ctx, managerAddr, models.UsersVoteEntry{VoteID: 1, VoteName: "a"}))
	require.NoError(t, repo.AppendVote(ctx, managerAddr, models.UsersVoteEntry{VoteID: 2, VoteName: "b"}))
	require.NoError(t, repo.AppendVote(ctx, managerAddr, models.UsersVoteEntry{VoteID: 1, VoteName: "a"}))

	got, err := repo.GetUsersVotes(ctx, managerAddr)
	require.NoError(t, err)
	assert.Equal(t, []models.UsersVoteEntry{{VoteID: 1, VoteName: "a"}, {VoteID: 2, VoteName: "b"}}, got.Votes)
}

type countingManagers struct {
	ManagerRepository
	gets int
}

func (c *countingManagers) GetManager(ctx context.Context, account string) (*models.VoteManager, error) {
	c.gets++
	return c.ManagerRepository.GetManager(ctx, account)
}

func TestCachedManager_MissStillReadsStore(t *testing.T) {
	client := setupRedis(t)
	inner := &countingManagers{ManagerRepository: NewDocumentRepository(store.NewRedisStore(client))}
	repo := NewCachedManagerRepository(inner, cache.NewManagerFilter(client))
	ctx := context.Background()

	_, err := repo.GetManager(ctx, memberAddr)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, inner.gets)

	require.NoError(t, repo.SaveManager(ctx, managerAddr, &models.VoteManager{ContractAddress: "0x1"}))
	got, err := repo.GetManager(ctx, managerAddr)
	require.NoError(t, err)
	assert.Equal(t, "0x1", got.ContractAddress)
	assert.Equal(t, 2, inner.gets)
}

func TestCachedManager_FindsRecordWrittenOutOfBand(t *testing.T) {
	client := setupRedis(t)
	docs := store.NewRedisStore(client)
	filter := cache.NewManagerFilter(client)
	repo := NewCachedManagerRepository(NewDocumentRepository(docs), filter)
	ctx := context.Background()
	key := "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"

	// written by the admin process, the filter never saw it
	require.NoError(t, docs.Set(ctx, store.CollectionVoteManagers, key, &models.VoteManager{
		ContractAddress: "0xc1",
		Groups:          map[string][]string{"1": {memberAddr}},
	}))

	got, err := repo.GetManager(ctx, managerAddr)
	require.NoError(t, err)
	assert.Equal(t, "0xc1", got.ContractAddress)

	ok, err := filter.Contains(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCachedManager_SurvivesRedisFlush(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db := setupDB(t)
	require.NoError(t, db.AutoMigrate(&models.DocumentRow{}, &models.CounterRow{}))
	filter := cache.NewManagerFilter(client)
	repo := NewCachedManagerRepository(NewDocumentRepository(store.NewSQLStore(db)), filter)
	ctx := context.Background()

	require.NoError(t, repo.SaveManager(ctx, managerAddr, &models.VoteManager{ContractAddress: "0xc1"}))
	mr.FlushAll()

	got, err := repo.GetManager(ctx, managerAddr)
	require.NoError(t, err)
	assert.Equal(t, "0xc1", got.ContractAddress)

	ok, err := filter.Contains(ctx, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = repo.GetManager(ctx, memberAddr)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMergeManager_KeepsExistingGroups(t *testing.T) {
	client := setupRedis(t)
	filter := cache.NewManagerFilter(client)
	repo := NewCachedManagerRepository(NewDocumentRepository(store.NewRedisStore(client)), filter)
	ctx := context.Background()

	require.NoError(t, repo.SaveManager(ctx, managerAddr, &models.VoteManager{
		ContractAddress: "0xc1",
		ABI:             "[]",
		Groups:          map[string][]string{"1": {memberAddr}, "2": {}},
	}))
	require.NoError(t, repo.MergeManager(ctx, managerAddr, &models.VoteManager{
		ContractAddress: "0xc2",
		Groups:          map[string][]string{"2": {memberAddr}, "3": {}},
	}))

	got, err := repo.GetManager(ctx, managerAddr)
	require.NoError(t, err)
	assert.Equal(t, "0xc2", got.ContractAddress)
	assert.Equal(t, "[]", got.ABI)
	assert.Equal(t, map[string][]string{"1": {memberAddr}, "2": {memberAddr}, "3": {}}, got.Groups)

	require.NoError(t, repo.MergeManager(ctx, memberAddr, &models.VoteManager{ContractAddress: "0xc9"}))
	ok, err := filter.Contains(ctx, "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMergeManager_UnsupportedBackend(t *testing.T) {
	repo := NewCachedManagerRepository(&countingManagers{}, brokenBloom{})
	assert.Error(t, repo.MergeManager(context.Background(), managerAddr, &models.VoteManager{ContractAddress: "0x1"}))
}

type brokenBloom struct{}

func (brokenBloom) Add(context.Context, string) error { return errors.New("down") }
func (brokenBloom) Contains(context.Context, string) (bool, error) {
	return false, errors.New("down")
}

func TestCachedManager_BloomErrorFallsThrough(t *testing.T) {
	docs := NewDocumentRepository(store.NewRedisStore(setupRedis(t)))
	require.NoError(t, docs.SaveManager(context.Background(), managerAddr, &models.VoteManager{ContractAddress: "0x1"}))

	repo := NewCachedManagerRepository(docs, brokenBloom{})
	got, err := repo.GetManager(context.Background(), managerAddr)
	require.NoError(t, err)
	assert.Equal(t, "0x1", got.ContractAddress)
}

func TestVoteRecord_SaveIsIdempotent(t *testing.T) {
	repo := NewVoteRecordRepository(setupDB(t))
	ctx := context.Background()

	first := &models.VoteRecord{VoteID: 1, Contract: "0xc1", Name: "a", GroupID: 1, Manager: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", CreateTx: "0x01"}
	require.NoError(t, repo.Save(ctx, first))

	again := &models.VoteRecord{VoteID: 1, Contract: "0xc1", Name: "a", GroupID: 1, Manager: first.Manager, CreateTx: "0x02", VoterCount: 3}
	require.NoError(t, repo.Save(ctx, again))
	require.NoError(t, repo.Save(ctx, &models.VoteRecord{VoteID: 2, Contract: "0xc1", Name: "b", GroupID: 1, Manager: first.Manager}))

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	records, err := repo.ListByManager(ctx, managerAddr, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(2), records[0].VoteID)
	assert.Equal(t, "0x02", records[1].CreateTx)
	assert.Equal(t, 3, records[1].VoterCount)
}
