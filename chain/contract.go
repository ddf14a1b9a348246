package chain

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"chain-voting-backend/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// 合约方法名
const (
	MethodGetAccessibleVotes = "getAccessibleVotes"
	MethodCreateVote         = "createVote"
	MethodAddVoters          = "addVoters"
)

//go:embed abi/voting.json
var defaultABI string

var (
	// ErrReadOnly 未配置签名私钥，无法发送写交易
	ErrReadOnly = errors.New("chain: no operator key configured, contract is read-only")

	// ErrReverted 交易已上链但执行失败
	ErrReverted = errors.New("chain: transaction reverted")

	// ErrInvalidContract 合约地址或ABI无效
	ErrInvalidContract = errors.New("chain: invalid contract address or abi")

	// ErrUnavailable 链节点不可达
	ErrUnavailable = errors.New("chain: node unavailable")
)

// RawVote 合约 getAccessibleVotes 返回的一行
type RawVote struct {
	ID        int64
	Name      string
	StartTime int64
	Duration  int64
	Open      bool
}

// Vote 转换为带组号的投票，Status 由调用方按当前时间计算
func (r RawVote) Vote(groupID int64) models.Vote {
	return models.Vote{
		ID:        r.ID,
		Name:      r.Name,
		StartTime: r.StartTime,
		Duration:  r.Duration,
		GroupID:   groupID,
		Open:      r.Open,
	}
}

// VotingContract 投票合约代理
type VotingContract interface {
	// Address 合约地址
	Address() common.Address
	// GetAccessibleVotes 以 from 身份读取组内可见的投票
	GetAccessibleVotes(ctx context.Context, from common.Address, groupID int64) ([]RawVote, error)
	// CreateVote 发送 createVote 交易并等待上链，返回交易哈希
	CreateVote(ctx context.Context, voteID int64, name string, startTime, duration, groupID int64, options []string) (common.Hash, error)
	// AddVoters 发送 addVoters 交易并等待上链，返回交易哈希
	AddVoters(ctx context.Context, voteID int64, voters []common.Address, groupID int64) (common.Hash, error)
}

// Binder 根据合约地址和ABI创建合约代理
type Binder interface {
	Bind(address, abiJSON string) (VotingContract, error)
}

// DefaultABI 返回内置的投票合约ABI
func DefaultABI() string {
	return defaultABI
}

// ParseABI 解析ABI，空字符串使用内置ABI，并检查三个方法都存在
func ParseABI(abiJSON string) (abi.ABI, error) {
	if strings.TrimSpace(abiJSON) == "" {
		abiJSON = defaultABI
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("%w: %v", ErrInvalidContract, err)
	}
	for _, name := range []string{MethodGetAccessibleVotes, MethodCreateVote, MethodAddVoters} {
		if _, ok := parsed.Methods[name]; !ok {
			return abi.ABI{}, fmt.Errorf("%w: method %s missing", ErrInvalidContract, name)
		}
	}
	return parsed, nil
}

// decodeAccessibleVotes 将五个并列数组合并为投票行，数组长度不一致视为数据错误
func decodeAccessibleVotes(out []interface{}) (votes []RawVote, err error) {
	// 自定义ABI的输出类型不符时 ConvertType 会 panic
	defer func() {
		if r := recover(); r != nil {
			votes, err = nil, fmt.Errorf("getAccessibleVotes: unexpected output types: %v", r)
		}
	}()

	if len(out) != 5 {
		return nil, fmt.Errorf("getAccessibleVotes: expected 5 outputs, got %d", len(out))
	}

	ids := *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int)
	names := *abi.ConvertType(out[1], new([]string)).(*[]string)
	starts := *abi.ConvertType(out[2], new([]*big.Int)).(*[]*big.Int)
	durations := *abi.ConvertType(out[3], new([]*big.Int)).(*[]*big.Int)
	flags := *abi.ConvertType(out[4], new([]bool)).(*[]bool)

	n := len(ids)
	if len(names) != n || len(starts) != n || len(durations) != n || len(flags) != n {
		return nil, fmt.Errorf("getAccessibleVotes: mismatched array lengths %d/%d/%d/%d/%d",
			n, len(names), len(starts), len(durations), len(flags))
	}

	votes = make([]RawVote, n)
	for i := 0; i < n; i++ {
		for _, v := range []*big.Int{ids[i], starts[i], durations[i]} {
			if !v.IsInt64() {
				return nil, fmt.Errorf("getAccessibleVotes: value %s out of range", v)
			}
		}
		votes[i] = RawVote{
			ID:        ids[i].Int64(),
			Name:      names[i],
			StartTime: starts[i].Int64(),
			Duration:  durations[i].Int64(),
			Open:      flags[i],
		}
	}
	return votes, nil
}
