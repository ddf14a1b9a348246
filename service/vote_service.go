// Package service implements the vote views and vote creation on top of the contract proxy.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chain-voting-backend/address"
	"chain-voting-backend/allocator"
	"chain-voting-backend/cache"
	"chain-voting-backend/chain"
	"chain-voting-backend/metrics"
	"chain-voting-backend/models"
	"chain-voting-backend/repository"
	"chain-voting-backend/session"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotManager 只有管理员可以执行该操作
	ErrNotManager = errors.New("account is not a vote manager")

	// ErrInvalidForm 投票表单校验失败
	ErrInvalidForm = errors.New("invalid election form")
)

// VoteService 投票服务接口
type VoteService interface {
	ParticipatedVotes(ctx context.Context, acct session.Account) ([]models.Vote, error)
	ElectionForm(ctx context.Context, acct session.Account) (*ElectionFormView, error)
	CreateVote(ctx context.Context, acct session.Account, form ElectionForm) (*CreateVoteResult, error)
	History(ctx context.Context, acct session.Account) (*models.UsersVotes, error)
	Records(ctx context.Context, acct session.Account, limit int) ([]models.VoteRecord, error)
}

// Locker 分布式锁，*cache.DistributedLockService 满足
type Locker interface {
	WithLock(ctx context.Context, lockName string, expiry time.Duration, action func() error) error
}

// EventPublisher 投票创建事件的发布者
type EventPublisher interface {
	PublishVoteCreated(ctx context.Context, event *models.VoteCreatedEvent) error
}

// RecordLister 读取关系库中的投票镜像
type RecordLister interface {
	ListByManager(ctx context.Context, manager string, limit int) ([]models.VoteRecord, error)
}

// CreateVoteResult 创建投票的结果
type CreateVoteResult struct {
	VoteID      int64    `json:"voteId"`
	CreateTx    string   `json:"createTx"`
	AddVotersTx string   `json:"addVotersTx,omitempty"`
	Voters      []string `json:"voters"`
	Rejected    []string `json:"rejected"`
}

// Options 服务参数
type Options struct {
	CacheTTL   time.Duration
	LockExpiry time.Duration
}

// Deps 服务依赖，Cache、Locker、Publisher、Records 可为 nil
type Deps struct {
	Binder    chain.Binder
	Allocator *allocator.Allocator
	Managers  repository.ManagerRepository
	Users     repository.UserRepository
	History   repository.UsersVotesRepository
	Records   RecordLister
	Cache     *cache.HotCache
	Locker    Locker
	Publisher EventPublisher
	Metrics   *metrics.Metrics
}

// VoteServiceImpl 投票服务实现
type VoteServiceImpl struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// NewVoteService 创建投票服务实例
func NewVoteService(deps Deps, opts Options) *VoteServiceImpl {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 15 * time.Second
	}
	if opts.LockExpiry <= 0 {
		opts.LockExpiry = 5 * time.Minute
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NopMetrics()
	}
	return &VoteServiceImpl{deps: deps, opts: opts, now: time.Now}
}

// cacheScope 缓存代数的作用域，按合约和组划分
func cacheScope(contract string, groupID int64) string {
	return "votes:" + strings.ToLower(contract) + ":" + strconv.FormatInt(groupID, 10)
}

// ParticipatedVotes 读取账户所在各组可见的投票并计算状态
func (s *VoteServiceImpl) ParticipatedVotes(ctx context.Context, acct session.Account) ([]models.Vote, error) {
	contract, err := s.deps.Binder.Bind(acct.Contract(), acct.ABI())
	if err != nil {
		return nil, err
	}
	from := common.HexToAddress(acct.Key())
	groups := acct.Groups()

	results := make([][]chain.RawVote, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	for i, groupID := range groups {
		i, groupID := i, groupID
		g.Go(func() error {
			rows, err := s.accessibleVotes(gctx, contract, from, groupID)
			if err != nil {
				return fmt.Errorf("读取组 %d 的投票失败: %w", groupID, err)
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := s.now()
	votes := make([]models.Vote, 0)
	for i, rows := range results {
		for _, row := range rows {
			votes = append(votes, row.Vote(groups[i]).WithStatus(now))
		}
	}
	return votes, nil
}

func (s *VoteServiceImpl) accessibleVotes(ctx context.Context, contract chain.VotingContract, from common.Address, groupID int64) ([]chain.RawVote, error) {
	scope := cacheScope(contract.Address().Hex(), groupID)
	gen, err := s.deps.Cache.Generation(ctx, scope)
	if err != nil {
		log.Printf("读取缓存代数失败: %v", err)
	}
	key := fmt.Sprintf("votes:accessible:%s:%d:%d:%s",
		strings.ToLower(contract.Address().Hex()), groupID, gen, address.Key(from))

	result := "hit"
	var rows []chain.RawVote
	err = s.deps.Cache.GetJSON(ctx, key, s.opts.CacheTTL, &rows, func(ctx context.Context) (interface{}, error) {
		result = "miss"
		return contract.GetAccessibleVotes(ctx, from, groupID)
	})
	if err != nil {
		return nil, err
	}
	s.deps.Metrics.CacheLookups.WithLabelValues(result).Inc()
	return rows, nil
}

// managerRecord 读取管理员的最新记录，会话中的快照可能已过期
func (s *VoteServiceImpl) managerRecord(ctx context.Context, acct session.Account) (string, *models.VoteManager, error) {
	m, ok := acct.(session.ManagerAccount)
	if !ok {
		return "", nil, ErrNotManager
	}
	record, err := s.deps.Managers.GetManager(ctx, m.Key())
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil, ErrNotManager
	}
	if err != nil {
		return "", nil, fmt.Errorf("读取管理员记录失败: %w", err)
	}
	return m.Key(), record, nil
}

// ElectionForm 返回管理员可选的组及下一个投票ID的预览
func (s *VoteServiceImpl) ElectionForm(ctx context.Context, acct session.Account) (*ElectionFormView, error) {
	_, record, err := s.managerRecord(ctx, acct)
	if err != nil {
		return nil, err
	}
	current, err := s.deps.Allocator.GetCurrentVoteID(ctx)
	if err != nil {
		return nil, err
	}

	view := &ElectionFormView{
		Contract:   record.ContractAddress,
		Groups:     make([]GroupSummary, 0, len(record.Groups)),
		NextVoteID: current + 1,
	}
	for _, id := range record.GroupIDs() {
		view.Groups = append(view.Groups, GroupSummary{ID: id, Members: len(record.Members(id))})
	}
	return view, nil
}

// CreateVote 创建投票并给组成员授权，同一管理员的创建操作串行执行
func (s *VoteServiceImpl) CreateVote(ctx context.Context, acct session.Account, form ElectionForm) (*CreateVoteResult, error) {
	manager, record, err := s.managerRecord(ctx, acct)
	if err != nil {
		return nil, err
	}
	if err := form.Validate(record.GroupIDs()); err != nil {
		return nil, err
	}
	if form.StartTime == 0 {
		form.StartTime = s.now().Unix()
	}

	contract, err := s.deps.Binder.Bind(record.ContractAddress, record.ABI)
	if err != nil {
		return nil, err
	}

	var result *CreateVoteResult
	create := func() error {
		var err error
		result, err = s.createVote(ctx, manager, contract, form)
		return err
	}
	if s.deps.Locker == nil {
		err = create()
	} else {
		err = s.deps.Locker.WithLock(ctx, "create_vote:"+manager, s.opts.LockExpiry, create)
	}
	if err != nil {
		return nil, err
	}

	s.publish(ctx, manager, contract, form, result)
	s.deps.Metrics.VotesCreated.Inc()
	return result, nil
}

func (s *VoteServiceImpl) createVote(ctx context.Context, manager string, contract chain.VotingContract, form ElectionForm) (*CreateVoteResult, error) {
	voteID, err := s.deps.Allocator.FetchAndUpdateVoteID(ctx)
	if err != nil {
		return nil, err
	}
	members, err := s.deps.Allocator.GetUsersByGroupID(ctx, manager, form.GroupID)
	if err != nil {
		return nil, err
	}

	voters, rejected := address.FilterChecksummed(members)
	if len(rejected) > 0 {
		log.Printf("投票 %d 丢弃了 %d 个校验和无效的地址: %v", voteID, len(rejected), rejected)
		s.deps.Metrics.RejectedVoters.Add(float64(len(rejected)))
	}

	createTx, err := contract.CreateVote(ctx, voteID, form.Name, form.StartTime, form.Duration, form.GroupID, form.Options)
	if err != nil {
		return nil, fmt.Errorf("创建投票 %d 失败: %w", voteID, err)
	}
	result := &CreateVoteResult{
		VoteID:   voteID,
		CreateTx: createTx.Hex(),
		Voters:   address.Strings(voters),
		Rejected: rejected,
	}
	if result.Rejected == nil {
		result.Rejected = []string{}
	}

	if len(voters) > 0 {
		addTx, err := contract.AddVoters(ctx, voteID, voters, form.GroupID)
		if err != nil {
			return nil, fmt.Errorf("添加投票 %d 的投票人失败: %w", voteID, err)
		}
		result.AddVotersTx = addTx.Hex()
	}

	entry := models.UsersVoteEntry{VoteID: voteID, VoteName: form.Name}
	if err := s.deps.History.AppendVote(ctx, manager, entry); err != nil {
		return nil, fmt.Errorf("记录管理员投票历史失败: %w", err)
	}
	contractAddr := contract.Address().Hex()
	for _, voter := range voters {
		if err := s.deps.Users.AddMembership(ctx, voter.Hex(), contractAddr, manager, form.GroupID); err != nil {
			return nil, fmt.Errorf("记录投票人 %s 失败: %w", voter.Hex(), err)
		}
	}

	if err := s.deps.Cache.Invalidate(ctx, cacheScope(contractAddr, form.GroupID)); err != nil {
		log.Printf("失效投票缓存失败: %v", err)
	}

	log.Printf("管理员 %s 创建了投票 %d (组 %d, 投票人 %d)", manager, voteID, form.GroupID, len(voters))
	return result, nil
}

// publish 发布投票创建事件，失败只记录日志
func (s *VoteServiceImpl) publish(ctx context.Context, manager string, contract chain.VotingContract, form ElectionForm, result *CreateVoteResult) {
	if s.deps.Publisher == nil {
		return
	}
	event := &models.VoteCreatedEvent{
		MessageID:   uuid.NewString(),
		VoteID:      result.VoteID,
		Name:        form.Name,
		GroupID:     form.GroupID,
		StartTime:   form.StartTime,
		Duration:    form.Duration,
		Options:     form.Options,
		Manager:     manager,
		Contract:    contract.Address().Hex(),
		CreateTx:    result.CreateTx,
		AddVotersTx: result.AddVotersTx,
		Voters:      result.Voters,
		Timestamp:   s.now().Unix(),
	}
	if err := s.deps.Publisher.PublishVoteCreated(ctx, event); err != nil {
		log.Printf("发布投票创建事件失败: %v", err)
	}
}

// History 返回账户的投票历史
func (s *VoteServiceImpl) History(ctx context.Context, acct session.Account) (*models.UsersVotes, error) {
	return s.deps.History.GetUsersVotes(ctx, acct.Key())
}

// Records 返回管理员创建过的投票镜像，未配置关系库时为空
func (s *VoteServiceImpl) Records(ctx context.Context, acct session.Account, limit int) ([]models.VoteRecord, error) {
	manager, _, err := s.managerRecord(ctx, acct)
	if err != nil {
		return nil, err
	}
	if s.deps.Records == nil {
		return []models.VoteRecord{}, nil
	}
	return s.deps.Records.ListByManager(ctx, manager, limit)
}

var _ VoteService = (*VoteServiceImpl)(nil)
