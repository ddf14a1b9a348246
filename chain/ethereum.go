package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"chain-voting-backend/metrics"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

// Backend 合约代理依赖的节点接口，*ethclient.Client 满足
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Options 合约工厂参数
type Options struct {
	// PrivateKey 运营账户私钥，十六进制，可带0x前缀；为空时只读
	PrivateKey string
	// CallTimeout 单次读调用超时
	CallTimeout time.Duration
	// MineTimeout 等待交易上链的超时
	MineTimeout time.Duration
	Metrics     *metrics.Metrics
}

// Factory 合约代理工厂，同一运营账户的交易串行发送以保证nonce顺序
type Factory struct {
	backend Backend
	opts    Options
	auth    *bind.TransactOpts
	txMu    sync.Mutex
}

// Dial 连接以太坊节点并创建工厂
func Dial(ctx context.Context, rpcURL string, opts Options) (*Factory, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	factory, err := NewFactory(ctx, client, opts)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return factory, client, nil
}

// NewFactory 创建工厂，配置了私钥时从节点读取链ID生成签名器
func NewFactory(ctx context.Context, backend Backend, opts Options) (*Factory, error) {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.MineTimeout <= 0 {
		opts.MineTimeout = 2 * time.Minute
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NopMetrics()
	}

	f := &Factory{backend: backend, opts: opts}
	if opts.PrivateKey == "" {
		log.Print("未配置运营私钥，合约代理为只读模式")
		return f, nil
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析运营私钥失败: %w", err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("创建交易签名器失败: %w", err)
	}
	f.auth = auth

	log.Printf("合约代理已就绪, 链ID: %s, 运营账户: %s", chainID, operatorAddress(key).Hex())
	return f, nil
}

func operatorAddress(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// ReadOnly 是否未配置签名私钥
func (f *Factory) ReadOnly() bool {
	return f.auth == nil
}

// Ping 检查节点是否可达
func (f *Factory) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.opts.CallTimeout)
	defer cancel()
	if _, err := f.backend.ChainID(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Bind 创建合约代理，abiJSON 为空时使用内置ABI
func (f *Factory) Bind(address, abiJSON string) (VotingContract, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: address %q", ErrInvalidContract, address)
	}
	parsed, err := ParseABI(abiJSON)
	if err != nil {
		return nil, err
	}
	addr := common.HexToAddress(address)
	return &boundVoting{
		factory:  f,
		address:  addr,
		contract: bind.NewBoundContract(addr, parsed, f.backend, f.backend, f.backend),
	}, nil
}

type boundVoting struct {
	factory  *Factory
	address  common.Address
	contract *bind.BoundContract
}

func (c *boundVoting) Address() common.Address {
	return c.address
}

func (c *boundVoting) GetAccessibleVotes(ctx context.Context, from common.Address, groupID int64) ([]RawVote, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.factory.opts.CallTimeout)
	defer cancel()

	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx, From: from}, &out, MethodGetAccessibleVotes, big.NewInt(groupID))
	c.observe(MethodGetAccessibleVotes, start, err)
	if err != nil {
		return nil, fmt.Errorf("调用 %s 失败: %w", MethodGetAccessibleVotes, err)
	}
	return decodeAccessibleVotes(out)
}

func (c *boundVoting) CreateVote(ctx context.Context, voteID int64, name string, startTime, duration, groupID int64, options []string) (common.Hash, error) {
	return c.transact(ctx, MethodCreateVote,
		big.NewInt(voteID), name, big.NewInt(startTime), big.NewInt(duration), big.NewInt(groupID), options)
}

func (c *boundVoting) AddVoters(ctx context.Context, voteID int64, voters []common.Address, groupID int64) (common.Hash, error) {
	return c.transact(ctx, MethodAddVoters, big.NewInt(voteID), voters, big.NewInt(groupID))
}

// transact 发送交易并等待回执，回执状态失败时返回 ErrReverted
func (c *boundVoting) transact(ctx context.Context, method string, params ...interface{}) (common.Hash, error) {
	f := c.factory
	if f.auth == nil {
		return common.Hash{}, ErrReadOnly
	}
	start := time.Now()

	f.txMu.Lock()
	opts := *f.auth
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, method, params...)
	f.txMu.Unlock()
	if err != nil {
		c.observe(method, start, err)
		return common.Hash{}, fmt.Errorf("发送 %s 交易失败: %w", method, err)
	}

	log.Printf("已发送 %s 交易: %s", method, tx.Hash().Hex())

	mineCtx, cancel := context.WithTimeout(ctx, f.opts.MineTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(mineCtx, f.backend, tx)
	if err == nil && receipt.Status != types.ReceiptStatusSuccessful {
		err = fmt.Errorf("%w: %s %s", ErrReverted, method, tx.Hash().Hex())
	}
	c.observe(method, start, err)
	if err != nil {
		return tx.Hash(), fmt.Errorf("等待 %s 交易上链失败: %w", method, err)
	}
	return tx.Hash(), nil
}

func (c *boundVoting) observe(method string, start time.Time, err error) {
	m := c.factory.opts.Metrics
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ChainCalls.WithLabelValues(method, result).Inc()
	m.ChainLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
