package migrations

import (
	"fmt"

	"chain-voting-backend/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Migrate 创建文档表、计数器表和投票记录表
func Migrate(db *gorm.DB) error {
	log.Print("执行迁移: 文档表、计数器表、投票记录表")

	if err := db.AutoMigrate(&models.DocumentRow{}, &models.CounterRow{}, &models.VoteRecord{}); err != nil {
		return fmt.Errorf("迁移模型失败: %w", err)
	}

	// 旧版本的 vote_records 缺少 voter_count 字段
	if !db.Migrator().HasColumn(&models.VoteRecord{}, "voter_count") {
		if err := db.Migrator().AddColumn(&models.VoteRecord{}, "VoterCount"); err != nil {
			log.Printf("迁移失败: %v", err)
			return err
		}
		log.Print("迁移成功: 已添加voter_count字段")
	}

	return nil
}
