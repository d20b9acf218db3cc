package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/photoalbum/internal/model"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix はセッションキーのデフォルトプレフィックス。
const DefaultRedisKeyPrefix = "photoalbum:sess:"

// RedisSessionRepo はRedisを使用したセッションストア。
// 有効期限はRedisのキーTTLに委ねるため、期限切れ掃除ジョブは不要。
type RedisSessionRepo struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSessionRepo はRedisSessionRepoを生成する。prefixが空の場合はデフォルト値を使用する。
func NewRedisSessionRepo(client redis.UniversalClient, prefix string) *RedisSessionRepo {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisSessionRepo{client: client, prefix: prefix}
}

// NewRedisClient はredis://形式のURLからクライアントを生成する。
// 接続確認にはPingを使用すること。
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (r *RedisSessionRepo) key(id string) string {
	return r.prefix + id
}

// Get は指定IDのセッションを取得する。キーが存在しない場合・復号できない場合はnilを返す。
func (r *RedisSessionRepo) Get(ctx context.Context, id string) (*model.Session, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session := &model.Session{}
	if err := json.Unmarshal(data, session); err != nil {
		// 読めないレコードはストア障害ではなく「存在しない」として扱う
		slog.Warn("discarding malformed session record", slog.String("error", err.Error()))
		return nil, nil
	}
	return session, nil
}

// Set はセッションをJSONでシリアライズし、TTL付きで保存する。
func (r *RedisSessionRepo) Set(ctx context.Context, session *model.Session, ttl time.Duration) error {
	// go-redisはexpiration=0を「期限なし」と解釈するため0以下は受け付けない
	if ttl <= 0 {
		return fmt.Errorf("invalid session ttl: %s", ttl)
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if err := r.client.Set(ctx, r.key(session.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Destroy は指定IDのセッションを削除する。
func (r *RedisSessionRepo) Destroy(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Ping はRedisへの疎通を確認する。
func (r *RedisSessionRepo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// compile-time interface check
var _ SessionRepository = (*RedisSessionRepo)(nil)
