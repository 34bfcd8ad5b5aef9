package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pixelcanvas-api/internal/logging"
	"pixelcanvas-api/internal/metrics"
	"pixelcanvas-api/internal/model"
)

// Redis defaults
const (
	DefaultOpTimeout    = 2 * time.Second
	DefaultGridKey      = "pixel_grid"
	DefaultBufferPrefix = "pixel_buffer"
	scanCount           = 1000
)

// deleteIfUnchangedScript removes a pending write only if it still holds the
// payload that was flushed.
var deleteIfUnchangedScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// RedisConfig holds connection settings shared by the grid cache and the buffer.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient creates a pooled client and verifies connectivity.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// RedisGridCache stores the grid in a single Redis hash keyed by "x,y".
type RedisGridCache struct {
	client    *redis.Client
	key       string
	opTimeout time.Duration
	log       zerolog.Logger
}

// NewRedisGridCache wraps an existing client. key defaults to "pixel_grid".
func NewRedisGridCache(client *redis.Client, key string, opTimeout time.Duration) *RedisGridCache {
	if key == "" {
		key = DefaultGridKey
	}
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &RedisGridCache{
		client:    client,
		key:       key,
		opTimeout: opTimeout,
		log:       logging.Component("redis-grid"),
	}
}

// Set stores the state under its coordinate.
func (c *RedisGridCache) Set(ctx context.Context, state model.PixelState) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal pixel state: %w", err)
	}
	if err := c.client.HSet(ctx, c.key, state.Key(), data).Err(); err != nil {
		return unavailable("hset", err)
	}
	return nil
}

// FillMissing issues one HSETNX per state in a single pipeline.
func (c *RedisGridCache) FillMissing(ctx context.Context, states []model.PixelState) (int, error) {
	if len(states) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	pipe := c.client.Pipeline()
	cmds := make([]*redis.BoolCmd, 0, len(states))
	for i := range states {
		data, err := json.Marshal(states[i])
		if err != nil {
			return 0, fmt.Errorf("marshal pixel state: %w", err)
		}
		cmds = append(cmds, pipe.HSetNX(ctx, c.key, states[i].Key(), data))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("hsetnx", err)
	}

	added := 0
	for _, cmd := range cmds {
		if cmd.Val() {
			added++
		}
	}
	return added, nil
}

// Delete removes the entry for a coordinate.
func (c *RedisGridCache) Delete(ctx context.Context, x, y int) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.HDel(ctx, c.key, model.CoordKey(x, y)).Err(); err != nil {
		return unavailable("hdel", err)
	}
	return nil
}

// GetAll returns every cached entry. Entries that fail to decode are skipped.
func (c *RedisGridCache) GetAll(ctx context.Context) ([]model.PixelState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	raw, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, unavailable("hgetall", err)
	}

	states := make([]model.PixelState, 0, len(raw))
	for field, data := range raw {
		var s model.PixelState
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			c.log.Warn().Err(err).Str("key", field).Msg("skipping undecodable grid entry")
			continue
		}
		states = append(states, s)
	}
	return states, nil
}

// Count returns the number of cached entries.
func (c *RedisGridCache) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	n, err := c.client.HLen(ctx, c.key).Result()
	if err != nil {
		return 0, unavailable("hlen", err)
	}
	return n, nil
}

// Ping checks that Redis is reachable.
func (c *RedisGridCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// RedisWriteBuffer stores each pending write as its own key
// "<prefix>:x,y" so that Redis expires entries individually.
type RedisWriteBuffer struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	opTimeout time.Duration
	log       zerolog.Logger
}

// NewRedisWriteBuffer wraps an existing client. prefix defaults to "pixel_buffer".
func NewRedisWriteBuffer(client *redis.Client, prefix string, ttl, opTimeout time.Duration) *RedisWriteBuffer {
	if prefix == "" {
		prefix = DefaultBufferPrefix
	}
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &RedisWriteBuffer{
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		opTimeout: opTimeout,
		log:       logging.Component("redis-buffer"),
	}
}

func (b *RedisWriteBuffer) redisKey(coordKey string) string {
	return b.prefix + ":" + coordKey
}

// Put stages a write with the buffer TTL.
func (b *RedisWriteBuffer) Put(ctx context.Context, w model.PendingWrite) error {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal pending write: %w", err)
	}
	if err := b.client.Set(ctx, b.redisKey(w.Key()), data, b.ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// Remove clears the pending write for a coordinate.
func (b *RedisWriteBuffer) Remove(ctx context.Context, x, y int) error {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	if err := b.client.Del(ctx, b.redisKey(model.CoordKey(x, y))).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

// Keys enumerates pending coordinates with SCAN.
func (b *RedisWriteBuffer) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	seen := make(map[string]struct{})
	var keys []string

	// SCAN may return a key more than once.
	iter := b.client.Scan(ctx, 0, b.prefix+":*", scanCount).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimPrefix(iter.Val(), b.prefix+":")
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	return keys, nil
}

// GetMany reads payloads with a single MGET.
func (b *RedisWriteBuffer) GetMany(ctx context.Context, keys []string) ([]BufferedWrite, []string, error) {
	if len(keys) == 0 {
		return nil, nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = b.redisKey(k)
	}

	values, err := b.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, nil, unavailable("mget", err)
	}

	found := make([]BufferedWrite, 0, len(keys))
	var missing []string
	var corrupt []BufferedWrite
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			missing = append(missing, keys[i])
			continue
		}
		var w model.PendingWrite
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			b.log.Error().Err(err).Str("key", keys[i]).Msg("dropping undecodable pending write")
			corrupt = append(corrupt, BufferedWrite{Key: keys[i], raw: raw})
			continue
		}
		found = append(found, BufferedWrite{Key: keys[i], Write: w, raw: raw})
	}

	if len(corrupt) > 0 {
		// compare-and-delete so a valid write that replaced the entry survives
		if _, err := b.Ack(ctx, corrupt); err != nil {
			b.log.Warn().Err(err).Int("count", len(corrupt)).Msg("failed to drop undecodable pending writes")
		}
	}
	return found, missing, nil
}

// Ack compare-and-deletes committed entries in one pipeline.
func (b *RedisWriteBuffer) Ack(ctx context.Context, entries []BufferedWrite) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	pipe := b.client.Pipeline()
	cmds := make([]*redis.Cmd, len(entries))
	for i, e := range entries {
		cmds[i] = deleteIfUnchangedScript.Eval(ctx, pipe, []string{b.redisKey(e.Key)}, e.raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("ack", err)
	}

	removed := 0
	for _, cmd := range cmds {
		if n, err := cmd.Int(); err == nil && n > 0 {
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of pending writes.
func (b *RedisWriteBuffer) Count(ctx context.Context) (int64, error) {
	keys, err := b.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// WatchExpirations subscribes to Redis keyspace expiry events and logs every
// pending write that expired before it was flushed. It blocks until ctx is
// done. Keyspace notifications are enabled on a best-effort basis, keeping
// any flags the server already has.
func (b *RedisWriteBuffer) WatchExpirations(ctx context.Context) error {
	b.enableExpiryEvents(ctx)

	channel := fmt.Sprintf("__keyevent@%d__:expired", b.client.Options().DB)
	sub := b.client.PSubscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("expiry subscription closed")
			}
			b.handleExpired(msg.Payload)
		}
	}
}

func (b *RedisWriteBuffer) enableExpiryEvents(ctx context.Context) {
	const param = "notify-keyspace-events"

	current, err := b.client.ConfigGet(ctx, param).Result()
	if err != nil {
		b.log.Warn().Err(err).Msg("could not read keyspace notification flags; expiry logging relies on flush observations")
		return
	}

	flags, changed := withExpiryFlags(current[param])
	if !changed {
		return
	}
	if err := b.client.ConfigSet(ctx, param, flags).Err(); err != nil {
		b.log.Warn().Err(err).Msg("could not enable keyspace notifications; expiry logging relies on flush observations")
		return
	}
	b.log.Info().Str("flags", flags).Msg("enabled keyspace expiry notifications")
}

// withExpiryFlags adds the keyevent class (E) and expired events (x) to an
// existing notify-keyspace-events value. "A" already implies x.
func withExpiryFlags(current string) (string, bool) {
	flags := current
	if !strings.ContainsRune(flags, 'E') {
		flags += "E"
	}
	if !strings.ContainsRune(flags, 'x') && !strings.ContainsRune(flags, 'A') {
		flags += "x"
	}
	return flags, flags != current
}

// handleExpired records an expired key if it belongs to this buffer.
func (b *RedisWriteBuffer) handleExpired(key string) bool {
	prefix := b.prefix + ":"
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	metrics.WriteBufferExpired.Inc()
	b.log.Warn().
		Str("key", strings.TrimPrefix(key, prefix)).
		Msg("pending write expired before flush; durable state not updated")
	return true
}

// String implements fmt.Stringer for supervision logs.
func (b *RedisWriteBuffer) String() string {
	return "redis-buffer-expiry-watch"
}

// Serve implements suture.Service.
func (b *RedisWriteBuffer) Serve(ctx context.Context) error {
	return b.WatchExpirations(ctx)
}

var (
	_ GridCache   = (*RedisGridCache)(nil)
	_ WriteBuffer = (*RedisWriteBuffer)(nil)
)
