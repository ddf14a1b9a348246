// Package session implements wallet sign-in and the per-request account lookup.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chain-voting-backend/cache"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Status 钱包连接状态
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusUnavailable  Status = "unavailable"
	StatusNotConnected Status = "notConnected"
)

var (
	// ErrUnregistered 账户既不是管理员也不是投票人
	ErrUnregistered = errors.New("account is not registered")

	// ErrBadSignature 签名无效或不是该账户签出
	ErrBadSignature = errors.New("invalid signature")

	// ErrChallengeExpired 登录挑战不存在或已过期
	ErrChallengeExpired = errors.New("challenge expired or not issued")

	// ErrSessionNotFound 会话不存在或已过期
	ErrSessionNotFound = errors.New("session not found")
)

// 每个账户每分钟最多申请的挑战数
const challengesPerMinute = 10

// Challenge 待签名的登录挑战
type Challenge struct {
	Account   string    `json:"account"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
	Status    Status    `json:"status"`
}

// Session 已登录会话，账户类型在登录时确定，账户记录每次读取会话时刷新
type Session struct {
	Token     string
	Account   Account
	ExpiresAt time.Time
}

// storedSession 会话在Redis中的JSON形式，只保存账户类型和地址
type storedSession struct {
	Token     string    `json:"token"`
	Role      Role      `json:"role"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Pinger 检查链节点是否可达
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options 会话参数
type Options struct {
	ChallengeTTL time.Duration
	TokenTTL     time.Duration
}

// Manager 管理登录挑战和会话
type Manager struct {
	client   redis.UniversalClient
	resolver *Resolver
	chain    Pinger
	opts     Options
	now      func() time.Time
}

// NewManager 创建会话管理器，chain 为 nil 时不检查链节点
func NewManager(client redis.UniversalClient, resolver *Resolver, chain Pinger, opts Options) *Manager {
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = 5 * time.Minute
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 12 * time.Hour
	}
	return &Manager{
		client:   client,
		resolver: resolver,
		chain:    chain,
		opts:     opts,
		now:      time.Now,
	}
}

func challengeKey(account string) string {
	return "session:challenge:" + account
}

func tokenKey(token string) string {
	return "session:token:" + token
}

// ChallengeMessage 返回钱包需要签名的文本
func ChallengeMessage(account, nonce string) string {
	return fmt.Sprintf("Sign in to chain voting\nAccount: %s\nNonce: %s", account, nonce)
}

// Challenge 为账户签发一次性登录挑战
func (m *Manager) Challenge(ctx context.Context, account string) (*Challenge, error) {
	key, err := accountKey(account)
	if err != nil {
		return nil, err
	}

	limiter := cache.NewSlidingWindowRateLimiter(m.client, "challenge:"+key, time.Minute, challengesPerMinute)
	allowed, err := limiter.Allow(ctx)
	if err != nil {
		return nil, fmt.Errorf("检查挑战频率失败: %w", err)
	}
	if !allowed {
		return nil, cache.ErrRateLimited
	}

	nonce := uuid.NewString()
	if err := m.client.Set(ctx, challengeKey(key), nonce, m.opts.ChallengeTTL).Err(); err != nil {
		return nil, fmt.Errorf("保存登录挑战失败: %w", err)
	}

	return &Challenge{
		Account:   key,
		Nonce:     nonce,
		Message:   ChallengeMessage(key, nonce),
		ExpiresAt: m.now().Add(m.opts.ChallengeTTL),
		Status:    StatusConnecting,
	}, nil
}

// Connect 校验挑战签名，解析账户类型并创建会话；挑战只能使用一次
func (m *Manager) Connect(ctx context.Context, account, signature string) (*Session, error) {
	key, err := accountKey(account)
	if err != nil {
		return nil, err
	}

	// GETDEL 取出即作废，签名错误同样消耗挑战
	nonce, err := m.client.GetDel(ctx, challengeKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrChallengeExpired
	}
	if err != nil {
		return nil, fmt.Errorf("读取登录挑战失败: %w", err)
	}

	if err := VerifySignature(key, ChallengeMessage(key, nonce), signature); err != nil {
		return nil, err
	}

	acct, err := m.resolver.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		Token:     uuid.NewString(),
		Account:   acct,
		ExpiresAt: m.now().Add(m.opts.TokenTTL),
	}
	payload, err := json.Marshal(encode(sess))
	if err != nil {
		return nil, err
	}
	if err := m.client.Set(ctx, tokenKey(sess.Token), payload, m.opts.TokenTTL).Err(); err != nil {
		return nil, fmt.Errorf("保存会话失败: %w", err)
	}

	log.Printf("账户 %s 以 %s 身份登录", key, acct.Role())
	return sess, nil
}

// Lookup 按令牌读取会话，并按会话中的账户类型重新读取账户记录
func (m *Manager) Lookup(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}
	data, err := m.client.Get(ctx, tokenKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}

	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("解析会话失败: %w", err)
	}

	acct, err := m.resolver.Load(ctx, stored.Role, stored.Address)
	if err != nil {
		return nil, err
	}
	return &Session{Token: stored.Token, Account: acct, ExpiresAt: stored.ExpiresAt}, nil
}

// Disconnect 删除会话
func (m *Manager) Disconnect(ctx context.Context, token string) error {
	return m.client.Del(ctx, tokenKey(token)).Err()
}

// Status 返回令牌对应的连接状态，链节点不可达时为 unavailable
func (m *Manager) Status(ctx context.Context, token string) Status {
	if m.chain != nil {
		if err := m.chain.Ping(ctx); err != nil {
			log.Printf("链节点不可达: %v", err)
			return StatusUnavailable
		}
	}
	if _, err := m.Lookup(ctx, token); err != nil {
		return StatusNotConnected
	}
	return StatusConnected
}

func encode(s *Session) storedSession {
	return storedSession{
		Token:     s.Token,
		Role:      s.Account.Role(),
		Address:   s.Account.Key(),
		ExpiresAt: s.ExpiresAt,
	}
}
