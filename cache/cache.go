// Package cache 按输入内容缓存去背景结果，相同图片、模型和输出参数直接返回上次的编码结果。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/encode"
	"github.com/chaos-io/bgremover/util"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key 影响输出字节的全部参数
type Key struct {
	ModelID string
	MD5     string
	Format  encode.Format
	Quality int
	Trim    bool
	// 只在 Trim 时参与
	TrimThreshold float64
	TrimPadding   int
}

func (k Key) String() string {
	s := fmt.Sprintf("bgremover:%s:%s:%s:q%d:t%t", k.ModelID, k.MD5, k.Format, k.Quality, k.Trim)
	if k.Trim {
		s += fmt.Sprintf(":%g:p%d", k.TrimThreshold, k.TrimPadding)
	}
	return s
}

// ResultCache 未命中时返回 nil, nil
type ResultCache interface {
	Get(ctx context.Context, key Key) (*encode.Artifact, error)
	Set(ctx context.Context, key Key, a *encode.Artifact) error
	Close() error
}

type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(cfg *config.RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: client, ttl: cfg.TTL}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key Key) (*encode.Artifact, error) {
	data, err := r.client.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var a encode.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		util.Logger.Error("failed to unmarshal cached artifact",
			zap.String("key", key.String()), zap.Error(err))
		return nil, err
	}
	return &a, nil
}

func (r *Redis) Set(ctx context.Context, key Key, a *encode.Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key.String(), data, r.ttl).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Noop redis 不可用或未启用时使用
type Noop struct{}

func (Noop) Get(context.Context, Key) (*encode.Artifact, error) { return nil, nil }

func (Noop) Set(context.Context, Key, *encode.Artifact) error { return nil }

func (Noop) Close() error { return nil }

// Connect 未启用或连接失败时退化为 Noop
func Connect(ctx context.Context, cfg *config.RedisConfig) ResultCache {
	if !cfg.Enabled {
		return Noop{}
	}
	r := NewRedis(cfg)
	if err := r.Ping(ctx); err != nil {
		util.Logger.Warn("redis connection failed, cache disabled", zap.Error(err))
		_ = r.Close()
		return Noop{}
	}
	util.Logger.Info("redis connected successfully", zap.String("addr", cfg.Addr))
	return r
}
