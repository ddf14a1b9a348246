package repository

import (
	"context"
	"fmt"

	"chain-voting-backend/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VoteRecordRepository 投票记录的关系库访问
type VoteRecordRepository struct {
	db *gorm.DB
}

// NewVoteRecordRepository 创建投票记录仓库
func NewVoteRecordRepository(db *gorm.DB) *VoteRecordRepository {
	return &VoteRecordRepository{db: db}
}

// Save 写入投票记录，(vote_id, contract) 已存在时更新交易信息，重复投递幂等
func (r *VoteRecordRepository) Save(ctx context.Context, record *models.VoteRecord) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vote_id"}, {Name: "contract"}},
		DoUpdates: clause.AssignmentColumns([]string{"create_tx", "add_voters_tx", "voter_count", "updated_at"}),
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("保存投票记录失败: %w", err)
	}
	return nil
}

// ListByManager 按投票ID倒序列出管理员创建的投票
func (r *VoteRecordRepository) ListByManager(ctx context.Context, manager string, limit int) ([]models.VoteRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var records []models.VoteRecord
	err := r.db.WithContext(ctx).
		Where("manager = ?", accountKey(manager)).
		Order("vote_id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("查询投票记录失败: %w", err)
	}
	return records, nil
}

// Count 返回投票记录总数
func (r *VoteRecordRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.VoteRecord{}).Count(&count).Error
	return count, err
}
