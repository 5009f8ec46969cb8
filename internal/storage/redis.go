package storage

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"
)

// RedisBackend stores values as plain Redis strings. All keys live under a
// fixed root prefix so the host can share a Redis database with other tools.
type RedisBackend struct {
	client *redis.Client
	root   string
}

// NewRedisBackend creates a backend using client. root may be empty.
func NewRedisBackend(client *redis.Client, root string) *RedisBackend {
	return &RedisBackend{client: client, root: root}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (b *RedisBackend) Load(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, b.root+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *RedisBackend) Store(ctx context.Context, key string, value []byte) error {
	return b.client.Set(ctx, b.root+key, value, 0).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, b.root+key).Err()
}

func (b *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, escapeGlob(b.root+prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(b.root):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// escapeGlob escapes the characters MATCH treats as patterns.
func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
