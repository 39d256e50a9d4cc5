// Package redis provides the shared go-redis client and a redsync-backed
// distributed lock used to serialize charges per subscription.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/fatflowers/billing/pkg/config"
)

// ErrLockHeld is returned when another worker holds the lock.
var ErrLockHeld = errors.New("lock is held by another worker")

// Locker acquires a named lock. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RedsyncLocker locks through redsync with a single try, so a busy lock fails fast.
type RedsyncLocker struct {
	rs  *redsync.Redsync
	log *zap.SugaredLogger
}

func NewRedsyncLocker(client *goredislib.Client, log *zap.SugaredLogger) *RedsyncLocker {
	return &RedsyncLocker{rs: redsync.New(goredis.NewPool(client)), log: log}
}

func (l *RedsyncLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	mutex := l.rs.NewMutex(key, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
		}
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			l.log.Warnw("failed to release lock", "key", key, "err", err)
		}
	}, nil
}

// LocalLocker is an in-process Locker used when redis is not configured.
type LocalLocker struct {
	held chan map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	l := &LocalLocker{held: make(chan map[string]struct{}, 1)}
	l.held <- map[string]struct{}{}
	return l
}

func (l *LocalLocker) Lock(_ context.Context, key string, _ time.Duration) (func(), error) {
	held := <-l.held
	defer func() { l.held <- held }()
	if _, ok := held[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	held[key] = struct{}{}
	return func() {
		m := <-l.held
		delete(m, key)
		l.held <- m
	}, nil
}

func NewClient(cfg *cfgpkg.Config) *goredislib.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return goredislib.NewClient(&goredislib.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// NewLocker picks redsync when a redis client is configured.
func NewLocker(client *goredislib.Client, log *zap.SugaredLogger) Locker {
	if client == nil {
		log.Warnw("redis not configured, charge locks are process-local")
		return NewLocalLocker()
	}
	return NewRedsyncLocker(client, log)
}

func registerClose(lc fx.Lifecycle, client *goredislib.Client, log *zap.SugaredLogger) {
	if client == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warnw("redis ping failed", "addr", client.Options().Addr, "err", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("closing redis client")
			return client.Close()
		},
	})
}

var Module = fx.Options(
	fx.Provide(NewClient, NewLocker),
	fx.Invoke(registerClose),
)
