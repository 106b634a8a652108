// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broker wraps the Redis connection shared by every cmdbox
// component. It knows lists, hashes and keys; it knows nothing about the
// dispatch protocol built on top of them.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"cmdbox/internal/logger"
)

// Options contains broker connection settings
type Options struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Broker is a thin adapter over a go-redis client. The underlying client is
// pooled and safe for concurrent use, so one Broker is shared per process.
type Broker struct {
	rdb    *redis.Client
	addr   string
	logger zerolog.Logger
}

// New creates a broker adapter. No connection is attempted until the first
// command; liveness is the prober's job.
func New(opts Options) *Broker {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr(),
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   -1, // retries belong to the prober
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	return NewFromClient(rdb)
}

// NewFromClient wraps an existing go-redis client
func NewFromClient(rdb *redis.Client) *Broker {
	return &Broker{
		rdb:    rdb,
		addr:   rdb.Options().Addr,
		logger: logger.Component("broker"),
	}
}

// Addr returns the broker address as host:port
func (b *Broker) Addr() string {
	return b.addr
}

// Ping checks that the broker answers
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping %s: %w", b.addr, err)
	}
	return nil
}

// encodeValue keeps strings and bytes verbatim and JSON-encodes everything else
func encodeValue(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value: %w", err)
		}
		return data, nil
	}
}

// Push appends value to the tail of the named list
func (b *Broker) Push(ctx context.Context, queue string, value any) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	if err := b.rdb.RPush(ctx, queue, encoded).Err(); err != nil {
		return fmt.Errorf("push %s: %w", queue, err)
	}
	return nil
}

// pushBoundedScript appends ARGV[1] unless the list already holds ARGV[2]
// items. It returns {pushed, length}.
var pushBoundedScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
if n >= tonumber(ARGV[2]) then
	return {0, n}
end
return {1, redis.call('RPUSH', KEYS[1], ARGV[1])}
`)

// PushBounded appends value unless queue already holds max items. The check
// and the push run as one script, so concurrent producers never overrun max.
// It returns the queue length after the call and whether value was pushed.
func (b *Broker) PushBounded(ctx context.Context, queue string, value any, max int64) (int64, bool, error) {
	encoded, err := encodeValue(value)
	if err != nil {
		return 0, false, err
	}
	res, err := pushBoundedScript.Run(ctx, b.rdb, []string{queue}, encoded, max).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("bounded push %s: %w", queue, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("bounded push %s: unexpected reply length %d", queue, len(res))
	}
	return res[1], res[0] == 1, nil
}

// PopBlocking pops the head of the first non-empty queue, waiting up to
// timeout. A nil value with a nil error means the wait timed out.
func (b *Broker) PopBlocking(ctx context.Context, timeout time.Duration, queues ...string) (string, []byte, error) {
	if len(queues) == 0 {
		return "", nil, fmt.Errorf("no queue given")
	}
	if timeout <= 0 {
		return "", nil, fmt.Errorf("blocking pop needs a positive timeout")
	}

	res, err := b.rdb.BLPop(ctx, timeout, queues...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("blocking pop: %w", err)
	}
	if len(res) != 2 {
		return "", nil, fmt.Errorf("blocking pop: unexpected reply length %d", len(res))
	}
	return res[0], []byte(res[1]), nil
}

// PopNonBlocking pops the head of queue. It returns nil when the queue is empty.
func (b *Broker) PopNonBlocking(ctx context.Context, queue string) ([]byte, error) {
	data, err := b.rdb.LPop(ctx, queue).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop %s: %w", queue, err)
	}
	return data, nil
}

// ListLen returns the length of queue (0 when absent)
func (b *Broker) ListLen(ctx context.Context, queue string) (int64, error) {
	n, err := b.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", queue, err)
	}
	return n, nil
}

// HashSet sets a single hash field
func (b *Broker) HashSet(ctx context.Context, key, field string, value any) error {
	if err := b.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("hset %s.%s: %w", key, field, err)
	}
	return nil
}

// HashSetFields sets several hash fields in one round trip
func (b *Broker) HashSetFields(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	if err := b.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// HashGet returns a hash field, or nil when the key or field is absent
func (b *Broker) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	data, err := b.rdb.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hget %s.%s: %w", key, field, err)
	}
	return data, nil
}

// HashGetAll returns every field of a hash; an absent key yields an empty map
func (b *Broker) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := b.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return fields, nil
}

// HashIncr increments an integer hash field and returns the new value
func (b *Broker) HashIncr(ctx context.Context, key, field string, n int64) (int64, error) {
	v, err := b.rdb.HIncrBy(ctx, key, field, n).Result()
	if err != nil {
		return 0, fmt.Errorf("hincrby %s.%s: %w", key, field, err)
	}
	return v, nil
}

// HashExists reports whether the field exists in the hash
func (b *Broker) HashExists(ctx context.Context, key, field string) (bool, error) {
	ok, err := b.rdb.HExists(ctx, key, field).Result()
	if err != nil {
		return false, fmt.Errorf("hexists %s.%s: %w", key, field, err)
	}
	return ok, nil
}

// KeysMatching returns every key matching a glob pattern. It walks the
// keyspace with SCAN so a large database is not blocked.
func (b *Broker) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := b.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

// Expire sets a TTL on key
func (b *Broker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := b.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// Delete removes keys and returns how many existed
func (b *Broker) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := b.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("del: %w", err)
	}
	return n, nil
}

// Close closes the underlying connection pool
func (b *Broker) Close() error {
	b.logger.Debug().Str("addr", b.addr).Msg("Closing broker connection")
	return b.rdb.Close()
}
