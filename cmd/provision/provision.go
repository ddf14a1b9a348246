package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"chain-voting-backend/address"
	"chain-voting-backend/models"
	"chain-voting-backend/repository"
)

// ManagerFile 管理员记录文件格式
type ManagerFile struct {
	Account         string              `json:"account"`
	ContractAddress string              `json:"contractAddress"`
	ABI             string              `json:"abi,omitempty"`
	Groups          map[string][]string `json:"groups"`
}

// Result 写入结果
type Result struct {
	Account string
	Members int
	// Dropped 无法解析的成员地址，按组号排序
	Dropped []string
}

// provision 解析管理员文件，成员地址转为EIP-55格式后合并写入仓库，
// 文件中未出现的组保持不变
func provision(ctx context.Context, managers repository.ManagerMerger, r io.Reader) (*Result, error) {
	var file ManagerFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("解析管理员文件失败: %w", err)
	}

	account, err := address.Checksum(file.Account)
	if err != nil {
		return nil, fmt.Errorf("管理员地址 %q: %w", file.Account, err)
	}
	if _, err := address.Checksum(file.ContractAddress); err != nil {
		return nil, fmt.Errorf("合约地址 %q: %w", file.ContractAddress, err)
	}

	keys := make([]string, 0, len(file.Groups))
	for key := range file.Groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := &Result{Account: account}
	groups := make(map[string][]string, len(file.Groups))
	for _, key := range keys {
		members := make([]string, 0, len(file.Groups[key]))
		for _, m := range file.Groups[key] {
			checksummed, err := address.Checksum(m)
			if err != nil {
				result.Dropped = append(result.Dropped, m)
				continue
			}
			members = append(members, checksummed)
		}
		groups[key] = members
		result.Members += len(members)
	}

	record := &models.VoteManager{
		ContractAddress: file.ContractAddress,
		ABI:             file.ABI,
		Groups:          groups,
	}
	if len(record.GroupIDs()) != len(groups) {
		return nil, fmt.Errorf("组号必须是整数: %v", keys)
	}
	if err := managers.MergeManager(ctx, account, record); err != nil {
		return nil, fmt.Errorf("写入管理员记录失败: %w", err)
	}
	return result, nil
}
