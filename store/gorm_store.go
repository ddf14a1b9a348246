package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chain-voting-backend/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLStore 基于GORM的文档存储，MySQL用于生产，SQLite用于测试和本地运行
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore 创建SQL文档存储，表结构由 migrations 负责创建
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

func docWhere(collection, id string) (string, string, string) {
	return "collection = ? AND doc_id = ?", collection, id
}

// Get 读取文档，空Body视为不存在
func (s *SQLStore) Get(ctx context.Context, collection, id string, out interface{}) error {
	var row models.DocumentRow
	query, c, d := docWhere(collection, id)
	err := s.db.WithContext(ctx).Where(query, c, d).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && row.Body == "") {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("读取文档 %s 失败: %w", Path(collection, id), err)
	}
	if err := json.Unmarshal([]byte(row.Body), out); err != nil {
		return fmt.Errorf("解析文档 %s 失败: %w", Path(collection, id), err)
	}
	return nil
}

// Set 覆盖写入文档
func (s *SQLStore) Set(ctx context.Context, collection, id string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("序列化文档失败: %w", err)
	}
	row := models.DocumentRow{Collection: collection, DocID: id, Body: string(data), UpdatedAt: time.Now()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"body", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("写入文档 %s 失败: %w", Path(collection, id), err)
	}
	return nil
}

// Merge 深度合并字段
func (s *SQLStore) Merge(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	return mergeUpdate(ctx, s, collection, id, fields)
}

// Update 在事务内加行锁读改写文档
func (s *SQLStore) Update(ctx context.Context, collection, id string, out interface{}, fn func(exists bool) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 先插入空占位行，保证并发首次写入时也能锁住同一行
		placeholder := models.DocumentRow{Collection: collection, DocID: id, Body: "", UpdatedAt: time.Now()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&placeholder).Error; err != nil {
			return fmt.Errorf("创建文档 %s 失败: %w", Path(collection, id), err)
		}

		var row models.DocumentRow
		query, c, d := docWhere(collection, id)
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(query, c, d).First(&row).Error; err != nil {
			return fmt.Errorf("锁定文档 %s 失败: %w", Path(collection, id), err)
		}

		resetValue(out)
		exists := row.Body != ""
		if exists {
			if err := json.Unmarshal([]byte(row.Body), out); err != nil {
				return fmt.Errorf("解析文档 %s 失败: %w", Path(collection, id), err)
			}
		}

		if err := fn(exists); err != nil {
			return err
		}

		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("序列化文档失败: %w", err)
		}
		return tx.Model(&models.DocumentRow{}).
			Where(query, c, d).
			Updates(map[string]interface{}{"body": string(data), "updated_at": time.Now()}).Error
	})
}

// Increment 用 upsert 原子增加计数器，并在同一事务内读回新值
func (s *SQLStore) Increment(ctx context.Context, collection, id, field string, delta int64) (int64, error) {
	var value int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.CounterRow{Collection: collection, DocID: id, Field: field, Value: delta}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_id"}, {Name: "field"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"value": gorm.Expr("value + ?", delta)}),
		}).Create(&row).Error
		if err != nil {
			return err
		}

		var current models.CounterRow
		if err := tx.Where("collection = ? AND doc_id = ? AND field = ?", collection, id, field).First(&current).Error; err != nil {
			return err
		}
		value = current.Value
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("增加计数器 %s.%s 失败: %w", Path(collection, id), field, err)
	}
	return value, nil
}

// Counter 读取计数器
func (s *SQLStore) Counter(ctx context.Context, collection, id, field string) (int64, error) {
	var row models.CounterRow
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ? AND field = ?", collection, id, field).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("读取计数器 %s.%s 失败: %w", Path(collection, id), field, err)
	}
	return row.Value, nil
}

// Delete 删除文档和计数器
func (s *SQLStore) Delete(ctx context.Context, collection, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query, c, d := docWhere(collection, id)
		if err := tx.Where(query, c, d).Delete(&models.DocumentRow{}).Error; err != nil {
			return err
		}
		return tx.Where(query, c, d).Delete(&models.CounterRow{}).Error
	})
}
