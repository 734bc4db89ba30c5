package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Deduper remembers the reply given to recent events so a retransmitted
// event is answered again without being applied twice.
type Deduper interface {
	Lookup(ctx context.Context, key Key) (Reply, bool, error)
	Remember(ctx context.Context, key Key, reply Reply) error
	// Forget drops every reply remembered for an endpoint.
	Forget(ctx context.Context, endpointID string) error
}

// MemoryDeduper keeps the window in process memory.
type MemoryDeduper struct {
	entries *cache.Cache
}

// NewMemoryDeduper creates a window retaining replies for window.
func NewMemoryDeduper(window time.Duration) *MemoryDeduper {
	return &MemoryDeduper{entries: cache.New(window, 2*window)}
}

// Lookup returns the reply stored for key, if still retained.
func (d *MemoryDeduper) Lookup(_ context.Context, key Key) (Reply, bool, error) {
	if key.Empty() {
		return Reply{}, false, nil
	}
	v, found := d.entries.Get(key.String())
	if !found {
		return Reply{}, false, nil
	}
	return v.(Reply), true, nil
}

// Remember stores reply for the configured window.
func (d *MemoryDeduper) Remember(_ context.Context, key Key, reply Reply) error {
	if key.Empty() {
		return nil
	}
	d.entries.Set(key.String(), reply, cache.DefaultExpiration)
	return nil
}

// Forget drops every reply remembered for endpointID.
func (d *MemoryDeduper) Forget(_ context.Context, endpointID string) error {
	prefix := endpointID + keySeparator
	for k := range d.entries.Items() {
		if strings.HasPrefix(k, prefix) {
			d.entries.Delete(k)
		}
	}
	return nil
}

// RedisDeduper keeps the window in Redis so it survives restarts.
type RedisDeduper struct {
	client *redis.Client
	window time.Duration
	prefix string
}

// NewRedisDeduper connects to addr and verifies the connection.
func NewRedisDeduper(ctx context.Context, addr, password string, window time.Duration) (*RedisDeduper, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisDeduper{client: client, window: window, prefix: "dedup:"}, nil
}

// Lookup returns the reply stored for key, if still retained.
func (d *RedisDeduper) Lookup(ctx context.Context, key Key) (Reply, bool, error) {
	if key.Empty() {
		return Reply{}, false, nil
	}
	raw, err := d.client.Get(ctx, d.prefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return Reply{}, false, nil
	}
	if err != nil {
		return Reply{}, false, fmt.Errorf("redis get: %w", err)
	}
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Reply{}, false, fmt.Errorf("decode stored reply: %w", err)
	}
	return reply, true, nil
}

// Remember stores reply with the window as TTL.
func (d *RedisDeduper) Remember(ctx context.Context, key Key, reply Reply) error {
	if key.Empty() {
		return nil
	}
	raw, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	if err := d.client.Set(ctx, d.prefix+key.String(), raw, d.window).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Forget drops every reply remembered for endpointID.
func (d *RedisDeduper) Forget(ctx context.Context, endpointID string) error {
	pattern := d.prefix + globEscaper.Replace(endpointID) + keySeparator + "*"
	iter := d.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := d.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// Close releases the Redis connection pool.
func (d *RedisDeduper) Close() error {
	return d.client.Close()
}
