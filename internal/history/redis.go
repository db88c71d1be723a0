package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"kickgrab/internal/config"
	"kickgrab/pkg/gen"
)

// Redis stores records as JSON values under <prefix>:<uuidv5(url)>.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to the server configured in cfg.History and pings it.
func NewRedis(ctx context.Context, cfg *config.Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.History.RedisAddr,
		Password: cfg.History.RedisPassword,
		DB:       cfg.History.RedisDB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("ping %s: %w", cfg.History.RedisAddr, err)
	}

	return NewRedisWithClient(client, cfg.History.RedisPrefix, cfg.History.TTL), nil
}

// NewRedisWithClient wraps an existing client. A zero ttl keeps records forever.
func NewRedisWithClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		prefix: strings.TrimSuffix(prefix, ":"),
		ttl:    ttl,
	}
}

// Lookup implements Store.
func (r *Redis) Lookup(ctx context.Context, rawURL string) (Record, bool, error) {
	key := r.key(rawURL)

	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}

	if err != nil {
		return Record{}, false, fmt.Errorf("get %s: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode %s: %w", key, err)
	}

	return rec, true, nil
}

// Save implements Store.
func (r *Redis) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	key := r.key(rec.URL)

	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	return nil
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(rawURL string) string {
	id := gen.UUIDv5(rawURL)
	if r.prefix == "" {
		return id
	}

	return r.prefix + ":" + id
}
