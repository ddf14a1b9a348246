// Package allocator hands out vote identifiers and resolves group members.
package allocator

import (
	"context"
	"fmt"

	"chain-voting-backend/repository"
	"chain-voting-backend/store"
)

const (
	counterID    = "voteId"
	counterField = "value"
)

// Allocator 投票ID分配器，计数器保存在 counters/voteId.value
type Allocator struct {
	store    store.DocumentStore
	managers repository.ManagerRepository
}

// New 创建分配器
func New(s store.DocumentStore, managers repository.ManagerRepository) *Allocator {
	return &Allocator{store: s, managers: managers}
}

// GetCurrentVoteID 返回当前计数值，从未分配过时为0
func (a *Allocator) GetCurrentVoteID(ctx context.Context) (int64, error) {
	id, err := a.store.Counter(ctx, store.CollectionCounters, counterID, counterField)
	if err != nil {
		return 0, fmt.Errorf("读取投票ID失败: %w", err)
	}
	return id, nil
}

// FetchAndUpdateVoteID 原子递增计数器并返回新值，并发调用拿到的值互不相同
func (a *Allocator) FetchAndUpdateVoteID(ctx context.Context) (int64, error) {
	id, err := a.store.Increment(ctx, store.CollectionCounters, counterID, counterField, 1)
	if err != nil {
		return 0, fmt.Errorf("分配投票ID失败: %w", err)
	}
	return id, nil
}

// GetUsersByGroupID 返回管理员某个组的成员地址，组不存在时返回空列表
func (a *Allocator) GetUsersByGroupID(ctx context.Context, managerAccount string, groupID int64) ([]string, error) {
	manager, err := a.managers.GetManager(ctx, managerAccount)
	if err != nil {
		return nil, fmt.Errorf("读取管理员 %s 失败: %w", managerAccount, err)
	}
	members := manager.Members(groupID)
	if members == nil {
		return []string{}, nil
	}
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}
