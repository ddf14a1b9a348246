package main

import (
	"context"
	"os/signal"
	"syscall"

	"chain-voting-backend/allocator"
	"chain-voting-backend/cache"
	"chain-voting-backend/chain"
	"chain-voting-backend/config"
	"chain-voting-backend/database"
	"chain-voting-backend/handlers"
	"chain-voting-backend/logger"
	"chain-voting-backend/metrics"
	"chain-voting-backend/migrations"
	"chain-voting-backend/mq"
	"chain-voting-backend/repository"
	"chain-voting-backend/routes"
	"chain-voting-backend/service"
	"chain-voting-backend/session"
	"chain-voting-backend/store"
	"chain-voting-backend/websocket"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.PrometheusMetrics("chain_voting")

	// 初始化Redis连接，会话和锁依赖Redis
	redisClient, err := cache.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Redis初始化失败")
	}
	defer cache.Close(redisClient)

	// 初始化数据库连接
	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("无法初始化数据库")
	}
	defer database.Close(db)
	if err := migrations.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("数据库迁移失败")
	}

	docStore := newDocumentStore(cfg.Store, redisClient, db)
	docs := repository.NewDocumentRepository(docStore)
	managers := repository.NewCachedManagerRepository(docs, cache.NewManagerFilter(redisClient))
	records := repository.NewVoteRecordRepository(db)

	factory, ethClient, err := chain.Dial(ctx, cfg.Chain.RPCURL, chain.Options{
		PrivateKey:  cfg.Chain.PrivateKey,
		CallTimeout: cfg.Chain.CallTimeout,
		MineTimeout: cfg.Chain.MineTimeout,
		Metrics:     m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("连接以太坊节点失败")
	}
	defer ethClient.Close()

	sessions := session.NewManager(redisClient, session.NewResolver(managers, docs), factory, session.Options{
		ChallengeTTL: cfg.Session.ChallengeTTL,
		TokenTTL:     cfg.Session.TokenTTL,
	})

	hub := websocket.NewHub(m)

	// 初始化消息队列适配器，消费者把投票写入关系库并推送给组内连接
	queue, err := mq.NewMQAdapter(cfg.MQ, redisClient, m)
	if err != nil {
		log.Fatal().Err(err).Msg("消息队列初始化失败")
	}
	defer queue.Close()
	if err := queue.Start(mq.NewVoteCreatedHandler(records, hub)); err != nil {
		log.Fatal().Err(err).Msg("注册消息处理函数失败")
	}

	lockService := cache.NewLockService(redisClient)
	votes := service.NewVoteService(service.Deps{
		Binder:    factory,
		Allocator: allocator.New(docStore, managers),
		Managers:  managers,
		Users:     docs,
		History:   docs,
		Records:   records,
		Cache:     cache.NewHotCache(redisClient, lockService),
		Locker:    lockService,
		Publisher: queue,
		Metrics:   m,
	}, service.Options{CacheTTL: cfg.Chain.CacheTTL})

	router := routes.SetupRouter(routes.Dependencies{
		Config:   cfg,
		Metrics:  m,
		Sessions: sessions,
		Votes:    votes,
		Hub:      hub,
		Redis:    redisClient,
		Queue:    queue,
		Checks:   healthChecks(redisClient, db, factory),
		ReadOnly: factory.ReadOnly(),
	})
	srv := routes.NewServer(cfg.Server, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	log.Printf("服务启动成功, 存储后端: %s, 队列: %s", cfg.Store.Backend, cfg.MQ.Driver)
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("服务异常退出")
	}
}

// newDocumentStore 按配置选择文档存储后端
func newDocumentStore(cfg config.StoreConfig, client redis.UniversalClient, db *gorm.DB) store.DocumentStore {
	switch cfg.Backend {
	case "sql":
		log.Print("文档存储使用关系数据库")
		return store.NewSQLStore(db)
	case "redis", "":
		log.Print("文档存储使用Redis")
		return store.NewRedisStore(client)
	default:
		log.Fatal().Str("backend", cfg.Backend).Msg("不支持的文档存储后端")
		return nil
	}
}

func healthChecks(client redis.UniversalClient, db *gorm.DB, factory *chain.Factory) map[string]handlers.Check {
	return map[string]handlers.Check{
		"redis": func(ctx context.Context) error {
			return cache.Ping(ctx, client)
		},
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"chain": factory.Ping,
	}
}
