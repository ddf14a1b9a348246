package session

import (
	"fmt"
	"strings"

	"chain-voting-backend/address"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// RecoverSigner 从 personal_sign 签名恢复签名地址，V 可以是 0/1 或 27/28
func RecoverSigner(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature 检查签名是否由 account 签出
func VerifySignature(account, message, signature string) error {
	want, err := address.Parse(account)
	if err != nil {
		return err
	}
	got, err := RecoverSigner(message, signature)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: signed by %s", ErrBadSignature, got.Hex())
	}
	return nil
}

func accountKey(account string) (string, error) {
	a, err := address.Parse(account)
	if err != nil {
		return "", err
	}
	return address.Key(a), nil
}
