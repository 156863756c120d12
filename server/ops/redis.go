package ops

import (
	"context"
	"flag"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"

	"github.com/luno/flowmap/api"
	"github.com/luno/flowmap/server/db"
)

var redisAddr = flag.String("redis", "redis://127.0.0.1:6379", "Address to connect to the redis server")
var redisUser = flag.String("redis_user", "", "User for authentication to the redis server, requires password")
var redisPassword = flag.String("redis_password", "", "Password for authentication to the redis server")

func NewRedisPool(ctx context.Context) (*redis.Pool, error) {
	if *redisAddr == "" {
		return nil, errors.New("redis not configured")
	}

	log.Info(ctx, "redis database configured", j.KV("address", *redisAddr))

	do := []redis.DialOption{
		redis.DialReadTimeout(5 * time.Second),
		redis.DialWriteTimeout(5 * time.Second),
	}
	if *redisUser != "" || *redisPassword != "" {
		if *redisUser == "" || *redisPassword == "" {
			return nil, errors.New("redis username/password misconfiguration")
		}
		do = append(do,
			redis.DialUsername(*redisUser),
			redis.DialPassword(*redisPassword),
		)
	}

	return &redis.Pool{
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, *redisAddr, do...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
		MaxIdle:     3,
		MaxActive:   10,
		IdleTimeout: time.Minute,
		Wait:        true,
	}, nil
}

// RedisStore persists view state in redis so toolbar and viewport settings
// survive server restarts.
type RedisStore struct {
	pool *redis.Pool
}

func NewRedisStore(pool *redis.Pool) *RedisStore {
	return &RedisStore{pool: pool}
}

func (r *RedisStore) SaveViewState(ctx context.Context, namespace string, st api.ToolbarState) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer conn.Close()
	return db.SaveViewState(ctx, conn, namespace, st)
}

func (r *RedisStore) LoadViewState(ctx context.Context, namespace string) (api.ToolbarState, bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return api.ToolbarState{}, false, errors.Wrap(err, "")
	}
	defer conn.Close()
	return db.LoadViewState(ctx, conn, namespace)
}

var _ ViewStateStore = (*RedisStore)(nil)
