package session

import (
	"context"
	"errors"
	"fmt"

	"chain-voting-backend/models"
	"chain-voting-backend/repository"
	"chain-voting-backend/store"
)

// Role 账户类型
type Role string

const (
	RoleManager Role = "manager"
	RoleMember  Role = "member"
)

// Account 已解析的账户，只有 ManagerAccount 和 MemberAccount 两种
type Account interface {
	// Key 小写地址
	Key() string
	Role() Role
	// Contract 账户对应的投票合约地址
	Contract() string
	// ABI 合约ABI，空串表示使用内置ABI
	ABI() string
	// Groups 账户可见的组号
	Groups() []int64

	sealed()
}

// ManagerAccount 在 voteManagers 中登记的管理员
type ManagerAccount struct {
	Address string
	Record  models.VoteManager
}

func (a ManagerAccount) Key() string      { return a.Address }
func (a ManagerAccount) Role() Role       { return RoleManager }
func (a ManagerAccount) Contract() string { return a.Record.ContractAddress }
func (a ManagerAccount) ABI() string      { return a.Record.ABI }
func (a ManagerAccount) Groups() []int64  { return a.Record.GroupIDs() }
func (ManagerAccount) sealed()            {}

// MemberAccount 在 users 中登记的普通投票人
type MemberAccount struct {
	Address string
	Record  models.UserRecord
	// ManagerABI 所属管理员记录中的ABI
	ManagerABI string
}

func (a MemberAccount) Key() string      { return a.Address }
func (a MemberAccount) Role() Role       { return RoleMember }
func (a MemberAccount) Contract() string { return a.Record.ContractAddress }
func (a MemberAccount) ABI() string      { return a.ManagerABI }
func (a MemberAccount) Groups() []int64  { return append([]int64(nil), a.Record.Groups...) }
func (MemberAccount) sealed()            {}

// Resolver 判定账户类型：先查 voteManagers，再查 users
type Resolver struct {
	managers repository.ManagerRepository
	users    repository.UserRepository
}

// NewResolver 创建账户解析器
func NewResolver(managers repository.ManagerRepository, users repository.UserRepository) *Resolver {
	return &Resolver{managers: managers, users: users}
}

// Resolve 解析账户，两类记录都不存在时返回 ErrUnregistered
func (r *Resolver) Resolve(ctx context.Context, account string) (Account, error) {
	key, err := accountKey(account)
	if err != nil {
		return nil, err
	}

	acct, err := r.manager(ctx, key)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrUnregistered) {
		return nil, err
	}
	return r.member(ctx, key)
}

// Load 按登录时确定的类型重新读取账户记录，记录被删除时返回 ErrUnregistered
func (r *Resolver) Load(ctx context.Context, role Role, key string) (Account, error) {
	switch role {
	case RoleManager:
		return r.manager(ctx, key)
	case RoleMember:
		return r.member(ctx, key)
	default:
		return nil, fmt.Errorf("未知的账户类型: %q", role)
	}
}

func (r *Resolver) manager(ctx context.Context, key string) (Account, error) {
	manager, err := r.managers.GetManager(ctx, key)
	switch {
	case err == nil:
		return ManagerAccount{Address: key, Record: *manager}, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrUnregistered, key)
	default:
		return nil, fmt.Errorf("读取管理员记录失败: %w", err)
	}
}

func (r *Resolver) member(ctx context.Context, key string) (Account, error) {
	user, err := r.users.GetUser(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrUnregistered, key)
	default:
		return nil, fmt.Errorf("读取用户记录失败: %w", err)
	}

	member := MemberAccount{Address: key, Record: *user}
	if user.Manager != "" {
		if owner, err := r.managers.GetManager(ctx, user.Manager); err == nil {
			member.ManagerABI = owner.ABI
		}
	}
	return member, nil
}
