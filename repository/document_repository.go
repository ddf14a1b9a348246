package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chain-voting-backend/address"
	"chain-voting-backend/cache"
	"chain-voting-backend/models"
	"chain-voting-backend/store"

	"github.com/rs/zerolog/log"
)

// ErrNotFound 记录不存在
var ErrNotFound = store.ErrNotFound

// ManagerRepository 定义管理员记录访问接口，账户地址不区分大小写
type ManagerRepository interface {
	GetManager(ctx context.Context, account string) (*models.VoteManager, error)
	SaveManager(ctx context.Context, account string, manager *models.VoteManager) error
}

// ManagerMerger 按字段合并管理员记录，已有分组按分组号保留
type ManagerMerger interface {
	MergeManager(ctx context.Context, account string, manager *models.VoteManager) error
}

// UserRepository 定义普通投票人记录访问接口
type UserRepository interface {
	GetUser(ctx context.Context, account string) (*models.UserRecord, error)
	AddMembership(ctx context.Context, account, contract, manager string, groupID int64) error
}

// UsersVotesRepository 定义账户投票历史访问接口
type UsersVotesRepository interface {
	GetUsersVotes(ctx context.Context, account string) (*models.UsersVotes, error)
	AppendVote(ctx context.Context, account string, entry models.UsersVoteEntry) error
}

// BloomFilterRepository 定义布隆过滤器接口
type BloomFilterRepository interface {
	Add(ctx context.Context, item string) error
	Contains(ctx context.Context, item string) (bool, error)
}

// accountKey 文档键为小写地址，非法地址原样小写
func accountKey(account string) string {
	if a, err := address.Parse(account); err == nil {
		return address.Key(a)
	}
	return strings.ToLower(account)
}

// DocumentRepository 基于文档存储实现三类记录的访问
type DocumentRepository struct {
	store store.DocumentStore
}

// NewDocumentRepository 创建文档仓库
func NewDocumentRepository(s store.DocumentStore) *DocumentRepository {
	return &DocumentRepository{store: s}
}

// GetManager 读取 voteManagers/{account}
func (r *DocumentRepository) GetManager(ctx context.Context, account string) (*models.VoteManager, error) {
	var manager models.VoteManager
	if err := r.store.Get(ctx, store.CollectionVoteManagers, accountKey(account), &manager); err != nil {
		return nil, err
	}
	return &manager, nil
}

// SaveManager 覆盖写入 voteManagers/{account}
func (r *DocumentRepository) SaveManager(ctx context.Context, account string, manager *models.VoteManager) error {
	return r.store.Set(ctx, store.CollectionVoteManagers, accountKey(account), manager)
}

// MergeManager 合并写入 voteManagers/{account}，空字段不覆盖已有值
func (r *DocumentRepository) MergeManager(ctx context.Context, account string, manager *models.VoteManager) error {
	fields := make(map[string]interface{}, 3)
	if manager.ContractAddress != "" {
		fields["contractAddress"] = manager.ContractAddress
	}
	if manager.ABI != "" {
		fields["abi"] = manager.ABI
	}
	if len(manager.Groups) > 0 {
		groups := make(map[string]interface{}, len(manager.Groups))
		for id, members := range manager.Groups {
			groups[id] = members
		}
		fields["groups"] = groups
	}
	if len(fields) == 0 {
		return nil
	}
	return r.store.Merge(ctx, store.CollectionVoteManagers, accountKey(account), fields)
}

// GetUser 读取 users/{account}
func (r *DocumentRepository) GetUser(ctx context.Context, account string) (*models.UserRecord, error) {
	var user models.UserRecord
	if err := r.store.Get(ctx, store.CollectionUsers, accountKey(account), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// AddMembership 合并 users/{account}：记录合约和管理员，组号去重追加
func (r *DocumentRepository) AddMembership(ctx context.Context, account, contract, manager string, groupID int64) error {
	var user models.UserRecord
	return r.store.Update(ctx, store.CollectionUsers, accountKey(account), &user, func(bool) error {
		user.ContractAddress = contract
		user.Manager = accountKey(manager)
		for _, g := range user.Groups {
			if g == groupID {
				return nil
			}
		}
		user.Groups = append(user.Groups, groupID)
		return nil
	})
}

// GetUsersVotes 读取 usersVotes/{account}，不存在时返回空记录
func (r *DocumentRepository) GetUsersVotes(ctx context.Context, account string) (*models.UsersVotes, error) {
	var votes models.UsersVotes
	err := r.store.Get(ctx, store.CollectionUsersVotes, accountKey(account), &votes)
	if errors.Is(err, store.ErrNotFound) {
		return &models.UsersVotes{Votes: []models.UsersVoteEntry{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &votes, nil
}

// AppendVote 向 usersVotes/{account} 追加一条记录，同一投票ID只记一次
func (r *DocumentRepository) AppendVote(ctx context.Context, account string, entry models.UsersVoteEntry) error {
	var votes models.UsersVotes
	return r.store.Update(ctx, store.CollectionUsersVotes, accountKey(account), &votes, func(bool) error {
		for _, v := range votes.Votes {
			if v.VoteID == entry.VoteID {
				return nil
			}
		}
		votes.Votes = append(votes.Votes, entry)
		return nil
	})
}

// CachedManagerRepository 带布隆过滤器的管理员仓库。
// 过滤器只是提示，判定不存在时仍回源查询，命中后补写过滤器，
// 覆盖绕过本仓库写入的记录以及Redis被清空的情况
type CachedManagerRepository struct {
	db          ManagerRepository
	bloomFilter BloomFilterRepository
}

// NewCachedManagerRepository 创建带布隆过滤器的管理员仓库
func NewCachedManagerRepository(db ManagerRepository, bloom BloomFilterRepository) *CachedManagerRepository {
	return &CachedManagerRepository{db: db, bloomFilter: bloom}
}

// GetManager 始终读取存储，过滤器未记录而存储中存在时补写过滤器
func (r *CachedManagerRepository) GetManager(ctx context.Context, account string) (*models.VoteManager, error) {
	key := accountKey(account)
	exists, err := r.bloomFilter.Contains(ctx, key)
	if err != nil {
		log.Printf("检查布隆过滤器失败: %v", err)
		return r.db.GetManager(ctx, account)
	}

	manager, err := r.db.GetManager(ctx, account)
	if err != nil || exists {
		return manager, err
	}
	if err := r.bloomFilter.Add(ctx, key); err != nil {
		log.Printf("补写布隆过滤器失败: %v", err)
	} else {
		log.Printf("管理员 %s 不在布隆过滤器中，已回源并补写", key)
	}
	return manager, nil
}

// SaveManager 写入记录并更新布隆过滤器
func (r *CachedManagerRepository) SaveManager(ctx context.Context, account string, manager *models.VoteManager) error {
	if err := r.db.SaveManager(ctx, account, manager); err != nil {
		return err
	}
	return r.remember(ctx, account)
}

// MergeManager 合并写入记录并更新布隆过滤器，底层仓库不支持合并时返回错误
func (r *CachedManagerRepository) MergeManager(ctx context.Context, account string, manager *models.VoteManager) error {
	merger, ok := r.db.(ManagerMerger)
	if !ok {
		return errors.New("管理员仓库不支持合并写入")
	}
	if err := merger.MergeManager(ctx, account, manager); err != nil {
		return err
	}
	return r.remember(ctx, account)
}

func (r *CachedManagerRepository) remember(ctx context.Context, account string) error {
	if err := r.bloomFilter.Add(ctx, accountKey(account)); err != nil {
		return fmt.Errorf("更新布隆过滤器失败: %w", err)
	}
	return nil
}

var (
	_ ManagerRepository     = (*DocumentRepository)(nil)
	_ UserRepository        = (*DocumentRepository)(nil)
	_ UsersVotesRepository  = (*DocumentRepository)(nil)
	_ ManagerMerger         = (*DocumentRepository)(nil)
	_ ManagerRepository     = (*CachedManagerRepository)(nil)
	_ ManagerMerger         = (*CachedManagerRepository)(nil)
	_ BloomFilterRepository = (*cache.BloomFilter)(nil)
)
