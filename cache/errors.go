package cache

import "errors"

var (
	// ErrRedisNotAvailable Redis不可用错误
	ErrRedisNotAvailable = errors.New("Redis不可用")

	// ErrLockNotAcquired 获取锁失败错误
	ErrLockNotAcquired = errors.New("无法获取分布式锁")

	// ErrRateLimited 请求被限流
	ErrRateLimited = errors.New("请求过于频繁")
)
