package database

import (
	"fmt"
	"time"

	"chain-voting-backend/config"
	"chain-voting-backend/logger"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open 按配置连接数据库，Driver 支持 mysql 和 sqlite
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dbLog := logger.Component("gorm")
	newLogger := gormlogger.New(
		&dbLog,
		gormlogger.Config{
			SlowThreshold:             time.Second, // 慢SQL阈值
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		},
	)

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		log.Print("使用MySQL数据库")
		dialector = mysql.Open(DSN(cfg))
	case "sqlite":
		log.Print("使用SQLite数据库")
		dialector = sqlite.Open(DSN(cfg))
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: newLogger})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库连接失败: %w", err)
	}
	if cfg.Driver == "sqlite" {
		// SQLite 不支持并发写
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	log.Print("数据库连接成功")
	return db, nil
}

// DSN 返回连接串，显式配置的 DB_DSN 优先
func DSN(cfg config.DatabaseConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	if cfg.Driver == "sqlite" {
		return "file:voting.db?cache=shared"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
}

// Close 关闭数据库连接
func Close(db *gorm.DB) {
	if db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Printf("获取数据库连接失败: %v", err)
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Printf("关闭数据库连接失败: %v", err)
		return
	}

	log.Print("数据库连接已关闭")
}
