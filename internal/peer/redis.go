package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"cachering/internal/clock"
	"cachering/internal/storage"
)

const defaultRedisPrefix = "cachering:"

// putScript writes an entry unless the stored version is newer. Timestamps
// are compared as decimal strings since Lua numbers lose nanosecond
// precision.
var putScript = redis.NewScript(`
local function newer(a, b)
  if #a ~= #b then return #a > #b end
  return a > b
end
local cur = redis.call('HMGET', KEYS[1], 'ts', 'o')
if cur[1] then
  if newer(cur[1], ARGV[2]) or (cur[1] == ARGV[2] and cur[2] > ARGV[3]) then
    return 0
  end
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'ts', ARGV[2], 'o', ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return 1
`)

// RedisConfig holds connection settings for a Redis-backed node.
type RedisConfig struct {
	Addr      string // Redis address (e.g. "localhost:6379")
	Password  string
	DB        int
	KeyPrefix string // default: "cachering:"
}

// Redis is a Client backed by a Redis server. Each entry is a hash holding
// the value and its version; expiry is delegated to Redis.
type Redis struct {
	id     string
	client *redis.Client
	prefix string
	clock  *clock.Clock
}

var _ Client = (*Redis)(nil)

// NewRedis connects to the Redis server described by cfg as the node id.
func NewRedis(id string, cfg RedisConfig) *Redis {
	return NewRedisFromClient(id, redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.KeyPrefix)
}

// NewRedisFromClient uses an existing client.
func NewRedisFromClient(id string, client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{
		id:     id,
		client: client,
		prefix: prefix,
		clock:  clock.New(id),
	}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.wrap(r.client.Ping(ctx).Err())
}

func (r *Redis) wrap(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, r.id, err)
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration, version clock.Version) error {
	if version.IsZero() {
		version = r.clock.Next()
	} else {
		r.clock.Observe(version)
	}
	return r.put(ctx, r.client, key, value, ttl, version)
}

func (r *Redis) put(ctx context.Context, c redis.Scripter, key string, value []byte, ttl time.Duration, version clock.Version) error {
	ms := int64(0)
	if ttl > 0 {
		ms = ttl.Milliseconds()
		if ms == 0 {
			ms = 1
		}
	}
	err := putScript.Run(ctx, c, []string{r.key(key)},
		value, strconv.FormatInt(version.Timestamp, 10), version.Origin, ms).Err()
	return r.wrap(err)
}

func (r *Redis) Get(ctx context.Context, key string) (storage.Entry, bool, error) {
	pipe := r.client.Pipeline()
	fields := pipe.HGetAll(ctx, r.key(key))
	ttl := pipe.PTTL(ctx, r.key(key))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return storage.Entry{}, false, r.wrap(err)
	}
	e, ok := decodeRedisEntry(key, fields.Val(), ttl.Val(), time.Now())
	return e, ok, nil
}

func decodeRedisEntry(key string, fields map[string]string, ttl time.Duration, now time.Time) (storage.Entry, bool) {
	v, ok := fields["v"]
	if !ok {
		return storage.Entry{}, false
	}
	ts, _ := strconv.ParseInt(fields["ts"], 10, 64)
	e := storage.Entry{
		Key:        key,
		Value:      []byte(v),
		LastAccess: now,
		Version:    clock.Version{Timestamp: ts, Origin: fields["o"]},
	}
	// PTTL reports -1 for keys without expiry.
	if ttl > 0 {
		e.ExpireAt = now.Add(ttl)
	}
	return e, true
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.wrap(r.client.Del(ctx, r.key(key)).Err())
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, r.wrap(err)
	}
	return n > 0, nil
}

func (r *Redis) Entries(ctx context.Context) ([]storage.Entry, error) {
	var out []storage.Entry
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), r.prefix)
		e, ok, err := r.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, r.wrap(err)
	}
	return out, nil
}

func (r *Redis) Apply(ctx context.Context, entries []storage.Entry) (int, error) {
	now := time.Now()
	applied := 0
	for i := range entries {
		e := &entries[i]
		if e.Expired(now) {
			continue
		}
		r.clock.Observe(e.Version)
		if err := r.put(ctx, r.client, e.Key, e.Value, e.TTL(now), e.Version); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// Stats reports the number of keys under the prefix together with server-wide
// memory and keyspace hit counters.
func (r *Redis) Stats(ctx context.Context) (storage.Stats, error) {
	var stats storage.Stats

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 512).Iterator()
	for iter.Next(ctx) {
		stats.Entries++
	}
	if err := iter.Err(); err != nil {
		return stats, r.wrap(err)
	}

	memory, err := r.client.Info(ctx, "memory").Result()
	if err != nil {
		return stats, r.wrap(err)
	}
	counters, err := r.client.Info(ctx, "stats").Result()
	if err != nil {
		return stats, r.wrap(err)
	}
	info := parseInfo(memory + "\n" + counters)
	stats.MemoryBytes, _ = strconv.ParseInt(info["used_memory"], 10, 64)
	stats.Hits, _ = strconv.ParseUint(info["keyspace_hits"], 10, 64)
	stats.Misses, _ = strconv.ParseUint(info["keyspace_misses"], 10, 64)
	stats.Expirations, _ = strconv.ParseUint(info["expired_keys"], 10, 64)
	return stats, nil
}

// parseInfo reads the "field:value" lines of an INFO reply.
func parseInfo(s string) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			out[k] = v
		}
	}
	return out
}

func (r *Redis) Close() error {
	return r.client.Close()
}
