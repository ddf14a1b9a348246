// Command provision writes a vote manager record and seeds the manager bloom filter.
package main

import (
	"context"
	"os"
	"time"

	"chain-voting-backend/cache"
	"chain-voting-backend/config"
	"chain-voting-backend/database"
	"chain-voting-backend/logger"
	"chain-voting-backend/migrations"
	"chain-voting-backend/repository"
	"chain-voting-backend/store"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("写入管理员记录失败")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "provision",
		Short:         "Write a vote manager record from a JSON file",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("file")
			if err != nil {
				return err
			}
			return run(path)
		},
	}
	cmd.Flags().StringP("file", "f", "manager.json", "管理员记录JSON文件")
	return cmd
}

func run(path string) error {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogPretty)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// 布隆过滤器始终在Redis中
	client, err := cache.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer cache.Close(client)

	var docStore store.DocumentStore = store.NewRedisStore(client)
	if cfg.Store.Backend == "sql" {
		db, err := database.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close(db)
		if err := migrations.Migrate(db); err != nil {
			return err
		}
		docStore = store.NewSQLStore(db)
	}

	managers := repository.NewCachedManagerRepository(repository.NewDocumentRepository(docStore), cache.NewManagerFilter(client))
	result, err := provision(ctx, managers, f)
	if err != nil {
		return err
	}
	for _, dropped := range result.Dropped {
		log.Warn().Str("address", dropped).Msg("成员地址无效，已跳过")
	}
	log.Printf("管理员 %s 已写入, 成员数: %d", result.Account, result.Members)
	return nil
}
