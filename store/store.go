package store

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
)

// 文档集合名称
const (
	CollectionVoteManagers = "voteManagers"
	CollectionUsersVotes   = "usersVotes"
	CollectionUsers        = "users"
	CollectionCounters     = "counters"
)

var (
	// ErrNotFound 文档不存在
	ErrNotFound = errors.New("document not found")

	// ErrConflict 乐观事务重试次数耗尽
	ErrConflict = errors.New("document update conflict")
)

// DocumentStore 文档存储接口，文档按 collection/id 寻址，内容为JSON
type DocumentStore interface {
	// Get 读取文档到 out，文档不存在时返回 ErrNotFound
	Get(ctx context.Context, collection, id string, out interface{}) error
	// Set 整体覆盖写入文档
	Set(ctx context.Context, collection, id string, doc interface{}) error
	// Merge 将字段深度合并到文档中，文档不存在时创建
	Merge(ctx context.Context, collection, id string, fields map[string]interface{}) error
	// Update 在事务内读取文档到 out、执行 fn 后写回；exists 表示读取前文档是否存在
	Update(ctx context.Context, collection, id string, out interface{}, fn func(exists bool) error) error
	// Increment 原子增加计数器字段并返回新值
	Increment(ctx context.Context, collection, id, field string, delta int64) (int64, error)
	// Counter 读取计数器字段，未写入过时返回0
	Counter(ctx context.Context, collection, id, field string) (int64, error)
	// Delete 删除文档及其计数器
	Delete(ctx context.Context, collection, id string) error
}

// Path 返回文档路径，用于日志
func Path(collection, id string) string {
	return collection + "/" + id
}

// mergeUpdate 用 Update 实现 Merge，供各后端复用
func mergeUpdate(ctx context.Context, s DocumentStore, collection, id string, fields map[string]interface{}) error {
	patch, err := normalize(fields)
	if err != nil {
		return err
	}

	var doc map[string]interface{}
	return s.Update(ctx, collection, id, &doc, func(bool) error {
		if doc == nil {
			doc = make(map[string]interface{}, len(patch))
		}
		mergeInto(doc, patch)
		return nil
	})
}

// normalize 通过JSON往返把任意字段值转换为通用map结构
func normalize(fields map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// mergeInto 深度合并：两侧都是对象时递归，否则覆盖
func mergeInto(dst, src map[string]interface{}) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]interface{})
		dstMap, dstIsMap := dst[key].(map[string]interface{})
		if srcIsMap && dstIsMap {
			mergeInto(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}

// resetValue 将指针指向的值清零，避免事务重试时残留上一次读取的数据
func resetValue(out interface{}) {
	v := reflect.ValueOf(out)
	if v.Kind() == reflect.Ptr && !v.IsNil() {
		v.Elem().SetZero()
	}
}
