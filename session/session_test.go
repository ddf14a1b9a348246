package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"chain-voting-backend/address"
	"chain-voting-backend/cache"
	"chain-voting-backend/models"
	"chain-voting-backend/repository"
	"chain-voting-backend/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wallet struct {
	key     *ecdsa.PrivateKey
	address string
}

func newWallet(t *testing.T) wallet {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return wallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}
}

// personalSign mimics the wallet's personal_sign, V in 27/28
func (w wallet) personalSign(t *testing.T, message string) string {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), w.key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

type fixture struct {
	mr       *miniredis.Miniredis
	repo     *repository.DocumentRepository
	managers *repository.CachedManagerRepository
	manager  *Manager
}

func setup(t *testing.T, chain Pinger) *fixture {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := repository.NewDocumentRepository(store.NewRedisStore(client))
	managers := repository.NewCachedManagerRepository(repo, cache.NewManagerFilter(client))
	m := NewManager(client, NewResolver(managers, repo), chain, Options{ChallengeTTL: time.Minute, TokenTTL: time.Hour})
	return &fixture{mr: mr, repo: repo, managers: managers, manager: m}
}

func TestRecoverSigner(t *testing.T) {
	w := newWallet(t)
	sig := w.personalSign(t, "hello")

	got, err := RecoverSigner("hello", sig)
	require.NoError(t, err)
	assert.Equal(t, w.address, got.Hex())

	assert.NoError(t, VerifySignature(w.address, "hello", sig))
	assert.ErrorIs(t, VerifySignature(w.address, "tampered", sig), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature(newWallet(t).address, "hello", sig), ErrBadSignature)
}

func TestRecoverSigner_Malformed(t *testing.T) {
	_, err := RecoverSigner("m", "0x1234")
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = RecoverSigner("m", "zz")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestConnect_Manager(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	w := newWallet(t)

	require.NoError(t, f.managers.SaveManager(ctx, w.address, &models.VoteManager{
		ContractAddress: "0xc1",
		Groups:          map[string][]string{"2": {}, "1": {}},
	}))

	ch, err := f.manager.Challenge(ctx, w.address)
	require.NoError(t, err)
	assert.Equal(t, StatusConnecting, ch.Status)
	assert.Contains(t, ch.Message, ch.Nonce)

	sess, err := f.manager.Connect(ctx, w.address, w.personalSign(t, ch.Message))
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)

	acct, ok := sess.Account.(ManagerAccount)
	require.True(t, ok)
	key, _ := address.Parse(w.address)
	assert.Equal(t, address.Key(key), acct.Key())
	assert.Equal(t, "0xc1", acct.Contract())
	assert.Equal(t, []int64{1, 2}, acct.Groups())

	looked, err := f.manager.Lookup(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.Account, looked.Account)
	assert.Equal(t, StatusConnected, f.manager.Status(ctx, sess.Token))

	require.NoError(t, f.manager.Disconnect(ctx, sess.Token))
	_, err = f.manager.Lookup(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, StatusNotConnected, f.manager.Status(ctx, sess.Token))
}

func TestConnect_Member(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	w := newWallet(t)
	owner := newWallet(t)

	require.NoError(t, f.managers.SaveManager(ctx, owner.address, &models.VoteManager{ContractAddress: "0xc1", ABI: "[]"}))
	require.NoError(t, f.repo.AddMembership(ctx, w.address, "0xc1", owner.address, 3))

	ch, err := f.manager.Challenge(ctx, w.address)
	require.NoError(t, err)
	sess, err := f.manager.Connect(ctx, w.address, w.personalSign(t, ch.Message))
	require.NoError(t, err)

	acct, ok := sess.Account.(MemberAccount)
	require.True(t, ok)
	assert.Equal(t, RoleMember, acct.Role())
	assert.Equal(t, []int64{3}, acct.Groups())
	assert.Equal(t, "[]", acct.ABI())

	looked, err := f.manager.Lookup(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.Account, looked.Account)
}

func TestConnect_Unregistered(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	w := newWallet(t)

	ch, err := f.manager.Challenge(ctx, w.address)
	require.NoError(t, err)
	_, err = f.manager.Connect(ctx, w.address, w.personalSign(t, ch.Message))
	assert.ErrorIs(t, err, ErrUnregistered)
}

func TestConnect_ChallengeIsSingleUse(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	w := newWallet(t)
	require.NoError(t, f.repo.AddMembership(ctx, w.address, "0xc1", "", 1))

	ch, err := f.manager.Challenge(ctx, w.address)
	require.NoError(t, err)
	sig := w.personalSign(t, ch.Message)

	_, err = f.manager.Connect(ctx, w.address, sig)
	require.NoError(t, err)
	_, err = f.manager.Connect(ctx, w.address, sig)
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

func TestConnect_ConcurrentSameSignature(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	w := newWallet(t)
	require.NoError(t, f.repo.AddMembership(ctx, w.address, "0xc1", "", 1))

	ch, err := f.manager.Challenge(ctx, w.address)
	require.NoError(t, err)
	sig := w.personalSign(t, ch.Message)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.manager.Connect(ctx, w.address, sig)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrChallengeExpired)
	}
	assert.Equal(t, 1, succeeded)
}

func TestConnect_BadSignatureConsumesChallenge(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	w := newWallet(t)
	require.NoError(t, f.repo.AddMembership(ctx, w.address, "0xc1", "", 1))

	ch, err := f.manager.Challenge(ctx, w.address)
	require.NoError(t, err)
	_, err = f.manager.Connect(ctx, w.address, newWallet(t).personalSign(t, ch.Message))
	require.ErrorIs(t, err, ErrBadSignature)

	_, err = f.manager.Connect(ctx, w.address, w.personalSign(t, ch.Message))
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

func TestLookup_SeesNewMembership(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	w := newWallet(t)
	owner := newWallet(t)
	require.NoError(t, f.managers.SaveManager(ctx, owner.address, &models.VoteManager{ContractAddress: "0xc1", ABI: "[]"}))
	require.NoError(t, f.repo.AddMembership(ctx, w.address, "0xc1", owner.address, 1))

	ch, err := f.manager.Challenge(ctx, w.address)
	require.NoError(t, err)
	sess, err := f.manager.Connect(ctx, w.address, w.personalSign(t, ch.Message))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, sess.Account.Groups())

	// a later vote creation adds the member to another group
	require.NoError(t, f.repo.AddMembership(ctx, w.address, "0xc1", owner.address, 3))

	looked, err := f.manager.Lookup(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, looked.Account.Groups())
	assert.Equal(t, "[]", looked.Account.ABI())
	_, ok := looked.Account.(MemberAccount)
	assert.True(t, ok)
}

func TestLookup_ManagerRecordUpdated(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	w := newWallet(t)
	require.NoError(t, f.managers.SaveManager(ctx, w.address, &models.VoteManager{
		ContractAddress: "0xc1",
		Groups:          map[string][]string{"1": {}},
	}))

	ch, err := f.manager.Challenge(ctx, w.address)
	require.NoError(t, err)
	sess, err := f.manager.Connect(ctx, w.address, w.personalSign(t, ch.Message))
	require.NoError(t, err)

	require.NoError(t, f.managers.SaveManager(ctx, w.address, &models.VoteManager{
		ContractAddress: "0xc2",
		Groups:          map[string][]string{"1": {}, "4": {}},
	}))
	looked, err := f.manager.Lookup(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "0xc2", looked.Account.Contract())
	assert.Equal(t, []int64{1, 4}, looked.Account.Groups())

	key, err := address.Parse(w.address)
	require.NoError(t, err)
	f.mr.Del("doc:voteManagers:" + address.Key(key))
	_, err = f.manager.Lookup(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrUnregistered)
	assert.Equal(t, StatusNotConnected, f.manager.Status(ctx, sess.Token))
}

func TestResolve_ManagerWrittenOutOfBand(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	w := newWallet(t)

	// bypasses the bloom filter, as the admin process does
	require.NoError(t, f.repo.SaveManager(ctx, w.address, &models.VoteManager{ContractAddress: "0xc1"}))

	acct, err := NewResolver(f.managers, f.repo).Resolve(ctx, w.address)
	require.NoError(t, err)
	_, ok := acct.(ManagerAccount)
	assert.True(t, ok)
	assert.Equal(t, "0xc1", acct.Contract())
}

func TestConnect_ChallengeExpires(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	w := newWallet(t)

	ch, err := f.manager.Challenge(ctx, w.address)
	require.NoError(t, err)
	f.mr.FastForward(2 * time.Minute)

	_, err = f.manager.Connect(ctx, w.address, w.personalSign(t, ch.Message))
	assert.ErrorIs(t, err, ErrChallengeExpired)
}

func TestConnect_WrongSigner(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	w := newWallet(t)

	ch, err := f.manager.Challenge(ctx, w.address)
	require.NoError(t, err)
	_, err = f.manager.Connect(ctx, w.address, newWallet(t).personalSign(t, ch.Message))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestChallenge_RateLimited(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	w := newWallet(t)

	for i := 0; i < challengesPerMinute; i++ {
		_, err := f.manager.Challenge(ctx, w.address)
		require.NoError(t, err)
	}
	_, err := f.manager.Challenge(ctx, w.address)
	assert.ErrorIs(t, err, cache.ErrRateLimited)
}

func TestChallenge_InvalidAddress(t *testing.T) {
	f := setup(t, nil)
	_, err := f.manager.Challenge(context.Background(), "bob")
	assert.ErrorIs(t, err, address.ErrInvalidAddress)
}

type downChain struct{}

func (downChain) Ping(context.Context) error { return errors.New("connection refused") }

func TestStatus_Unavailable(t *testing.T) {
	f := setup(t, downChain{})
	assert.Equal(t, StatusUnavailable, f.manager.Status(context.Background(), "any"))
}
