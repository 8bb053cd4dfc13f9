package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"waterfeed/pkg/models"
	"waterfeed/pkg/utils/logger"

	"github.com/redis/go-redis/v9"
)

// commitScript stores the blob, updates size, total and recency, then evicts
// the least recently read members until total fits the budget. Other clients
// never observe total above the budget. It returns the evicted member, size
// pairs.
var commitScript = redis.NewScript(`
	local blob, lru, sizes, total, clock = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]
	local member, size = ARGV[1], tonumber(ARGV[2])
	local prefix, budget = ARGV[4], tonumber(ARGV[5])

	local old = tonumber(redis.call('HGET', sizes, member) or '0')
	redis.call('SET', blob, ARGV[3])
	redis.call('HSET', sizes, member, size)
	redis.call('INCRBY', total, size - old)
	local tick = redis.call('INCR', clock)
	redis.call('ZADD', lru, tick, member)

	local evicted = {}
	while tonumber(redis.call('GET', total) or '0') > budget do
		local oldest = redis.call('ZRANGE', lru, 0, 0)
		if #oldest == 0 or oldest[1] == member then
			break
		end
		local victim = oldest[1]
		local vsize = tonumber(redis.call('HGET', sizes, victim) or '0')
		redis.call('DEL', prefix .. victim)
		redis.call('HDEL', sizes, victim)
		redis.call('ZREM', lru, victim)
		redis.call('DECRBY', total, vsize)
		table.insert(evicted, victim)
		table.insert(evicted, vsize)
	end

	return evicted
`)

// trimScript evicts the least recently read members until total fits the
// budget. Open uses it when the budget shrank between runs. It returns
// member, size pairs.
var trimScript = redis.NewScript(`
	local lru, sizes, total = KEYS[1], KEYS[2], KEYS[3]
	local prefix, budget = ARGV[1], tonumber(ARGV[2])

	local evicted = {}
	while tonumber(redis.call('GET', total) or '0') > budget do
		local oldest = redis.call('ZRANGE', lru, 0, 0)
		if #oldest == 0 then
			break
		end
		local member = oldest[1]
		local size = tonumber(redis.call('HGET', sizes, member) or '0')
		redis.call('DEL', prefix .. member)
		redis.call('HDEL', sizes, member)
		redis.call('ZREM', lru, member)
		redis.call('DECRBY', total, size)
		table.insert(evicted, member)
		table.insert(evicted, size)
	end

	return evicted
`)

var removeScript = redis.NewScript(`
	local blob, lru, sizes, total = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
	local member = ARGV[1]

	local size = redis.call('HGET', sizes, member)
	if not size then
		return 0
	end
	redis.call('DEL', blob)
	redis.call('HDEL', sizes, member)
	redis.call('ZREM', lru, member)
	redis.call('DECRBY', total, tonumber(size))
	return 1
`)

// RedisCache is a durable tier kept in a Redis server. Blobs live under
// <namespace>blob:<key>; a sorted set orders keys by last read and a hash
// records their sizes.
type RedisCache struct {
	client    *redis.Client
	namespace string
	budget    int64
	logger    *logger.Logger
	ctx       context.Context

	mu      sync.Mutex
	pending map[string]*redisWriter
	closed  bool
	onEvict func(key string, size int64)
}

func newRedisCache(config *models.RedisConfig, budget uint64, log *logger.Logger) *RedisCache {
	db := 0
	if config.DB != nil {
		db = *config.DB
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       db,
	})

	namespace := config.KeyNamespace
	if namespace == "" {
		namespace = models.DefaultRedisNamespace
	} else if namespace[len(namespace)-1] != ':' {
		namespace += ":"
	}
	if log == nil {
		log = logger.Nop()
	}

	return &RedisCache{
		client:    client,
		namespace: namespace,
		budget:    int64(budget),
		logger:    log,
		ctx:       context.Background(),
		pending:   make(map[string]*redisWriter),
	}
}

// OpenRedisCache connects to the configured server and recovers the
// namespace. A namespace written under another schema version is wiped.
func OpenRedisCache(config *models.RedisConfig, schemaVersion uint32, budget uint64, log *logger.Logger) (*RedisCache, error) {
	if budget == 0 {
		return nil, ioErr("open", "", errors.New("budget must be > 0"))
	}

	r := newRedisCache(config, budget, log)
	if err := r.client.Ping(r.ctx).Err(); err != nil {
		r.client.Close()
		return nil, ioErr("open", "", err)
	}

	stored, err := r.client.Get(r.ctx, r.key("schema")).Result()
	if err != nil && err != redis.Nil {
		r.client.Close()
		return nil, ioErr("open", "", err)
	}
	want := strconv.FormatUint(uint64(schemaVersion), 10)
	if stored != want {
		if stored != "" {
			r.logger.Warn(fmt.Sprintf("Redis cache namespace %s has schema %s, want %s; wiping", r.namespace, stored, want))
		}
		if err := r.wipe(); err != nil {
			r.client.Close()
			return nil, ioErr("open", "", err)
		}
		if err := r.client.Set(r.ctx, r.key("schema"), want, 0).Err(); err != nil {
			r.client.Close()
			return nil, ioErr("open", "", err)
		}
	}

	r.mu.Lock()
	err = r.trimToBudget()
	r.mu.Unlock()
	if err != nil {
		r.client.Close()
		return nil, ioErr("open", "", err)
	}

	r.logger.Info(fmt.Sprintf("Redis cache opened at %s namespace %s", config.Address, r.namespace))
	return r, nil
}

func (r *RedisCache) OnEvict(fn func(key string, size int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

// Read fetches the blob for key and marks it most recently read. The bytes
// are copied out, so later evictions never disturb an open handle.
func (r *RedisCache) Read(key string) (ReadHandle, bool, error) {
	if r.isClosed() {
		return nil, false, ioErr("read", key, ErrClosed)
	}

	data, err := r.client.Get(r.ctx, r.blobKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, ioErr("read", key, err)
	}

	tick, err := r.client.Incr(r.ctx, r.key("clock")).Result()
	if err == nil {
		err = r.client.ZAddXX(r.ctx, r.key("lru"), redis.Z{Score: float64(tick), Member: key}).Err()
	}
	if err != nil {
		r.logger.Warn(fmt.Sprintf("Unable to promote %s in redis cache: %v", key, err))
	}

	return &memoryReader{Reader: bytes.NewReader(data), key: key, size: int64(len(data))}, true, nil
}

// BeginWrite buffers a pending entry locally until Commit. ok is false when
// another write for key is pending in this process.
func (r *RedisCache) BeginWrite(key string) (WriteHandle, bool, error) {
	if !validKey(key) {
		return nil, false, ioErr("begin write", key, ErrInvalidKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false, ioErr("begin write", key, ErrClosed)
	}
	if _, busy := r.pending[key]; busy {
		return nil, false, nil
	}
	w := &redisWriter{cache: r, key: key}
	r.pending[key] = w
	return w, true, nil
}

func (r *RedisCache) Commit(h WriteHandle) error {
	w, ok := h.(*redisWriter)
	if !ok || w.cache != r {
		return ioErr("commit", h.Key(), ErrHandleInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, ok := w.finish()
	if !ok {
		return ioErr("commit", w.key, ErrHandleInvalid)
	}
	delete(r.pending, w.key)

	if int64(len(data)) > r.budget {
		return ioErr("commit", w.key, ErrEntryTooLarge)
	}

	keys := []string{r.blobKey(w.key), r.key("lru"), r.key("sizes"), r.key("total"), r.key("clock")}
	res, err := commitScript.Run(r.ctx, r.client, keys, w.key, len(data), data, r.key("blob:"), r.budget).Slice()
	if err != nil {
		return ioErr("commit", w.key, err)
	}
	r.evicted(res)
	return nil
}

func (r *RedisCache) Abort(h WriteHandle) error {
	w, ok := h.(*redisWriter)
	if !ok || w.cache != r {
		return ioErr("abort", h.Key(), ErrHandleInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := w.finish(); ok {
		delete(r.pending, w.key)
	}
	return nil
}

// Flush confirms the server is reachable. Commits are applied atomically
// by the server, and their durability follows its persistence settings.
func (r *RedisCache) Flush() error {
	if r.isClosed() {
		return ioErr("flush", "", ErrClosed)
	}
	return ioErr("flush", "", r.client.Ping(r.ctx).Err())
}

func (r *RedisCache) Remove(key string) error {
	if r.isClosed() {
		return ioErr("remove", key, ErrClosed)
	}
	keys := []string{r.blobKey(key), r.key("lru"), r.key("sizes"), r.key("total")}
	return ioErr("remove", key, removeScript.Run(r.ctx, r.client, keys, key).Err())
}

func (r *RedisCache) Contains(key string) bool {
	ok, err := r.client.HExists(r.ctx, r.key("sizes"), key).Result()
	return err == nil && ok
}

func (r *RedisCache) Size() int64 {
	total, err := r.client.Get(r.ctx, r.key("total")).Int64()
	if err != nil {
		return 0
	}
	return total
}

func (r *RedisCache) Len() int {
	n, err := r.client.HLen(r.ctx, r.key("sizes")).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func (r *RedisCache) Budget() int64 {
	return r.budget
}

// Health pings the server.
func (r *RedisCache) Health() error {
	return r.client.Ping(r.ctx).Err()
}

func (r *RedisCache) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for key, w := range r.pending {
		w.finish()
		delete(r.pending, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}

func (r *RedisCache) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *RedisCache) trimToBudget() error {
	keys := []string{r.key("lru"), r.key("sizes"), r.key("total")}
	res, err := trimScript.Run(r.ctx, r.client, keys, r.key("blob:"), r.budget).Slice()
	if err != nil {
		return err
	}
	r.evicted(res)
	return nil
}

// evicted reports the member, size pairs returned by a script. Callers hold
// r.mu.
func (r *RedisCache) evicted(res []interface{}) {
	for i := 0; i+1 < len(res); i += 2 {
		member, _ := res[i].(string)
		size, _ := res[i+1].(int64)
		r.logger.Debug(fmt.Sprintf("Evicted %s (%d bytes) from redis cache", member, size))
		if r.onEvict != nil {
			r.onEvict(member, size)
		}
	}
}

func (r *RedisCache) wipe() error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(r.ctx, cursor, r.namespace+"*", 256).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.client.Del(r.ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *RedisCache) key(k string) string {
	return r.namespace + k
}

func (r *RedisCache) blobKey(k string) string {
	return r.namespace + "blob:" + k
}

type memoryReader struct {
	*bytes.Reader
	key  string
	size int64
}

func (m *memoryReader) Key() string {
	return m.key
}

func (m *memoryReader) Size() int64 {
	return m.size
}

func (m *memoryReader) Close() error {
	return nil
}

// redisWriter buffers one pending entry. mu guards buf and done, since the
// fetch goroutine writes while Close or Abort may finish the handle.
type redisWriter struct {
	cache *RedisCache
	key   string

	mu   sync.Mutex
	buf  bytes.Buffer
	done bool
}

func (w *redisWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, ioErr("write", w.key, ErrHandleInvalid)
	}
	return w.buf.Write(p)
}

// finish marks w done and hands back its bytes. ok is false when w was
// already finished.
func (w *redisWriter) finish() (data []byte, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil, false
	}
	w.done = true
	data = w.buf.Bytes()
	w.buf = bytes.Buffer{}
	return data, true
}

func (w *redisWriter) Key() string {
	return w.key
}
