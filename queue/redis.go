package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisPrefix = "taskmill:"

// The scripts touch the per-message hash by a key derived inside the script,
// so RedisBackend requires a standalone server rather than Redis Cluster.

// KEYS: ready, inflight. ARGV: now ms, visibility ms, lease nonce, message key prefix.
var receiveScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HDEL', ARGV[4] .. id, 'token')
  redis.call('RPUSH', KEYS[1], id)
end
local id = redis.call('LPOP', KEYS[1])
if not id then
  return false
end
local key = ARGV[4] .. id
local count = redis.call('HINCRBY', key, 'count', 1)
local token = id .. '.' .. ARGV[3]
redis.call('HSET', key, 'token', token)
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]) + tonumber(ARGV[2]), id)
local fields = redis.call('HMGET', key, 'body', 'sent')
return {id, token, fields[1], fields[2], count}
`)

// KEYS: inflight, message. ARGV: id, token, now ms, visibility ms.
var changeVisibilityScript = redis.NewScript(`
local deadline = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not deadline or tonumber(deadline) <= tonumber(ARGV[3]) then
  return 0
end
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]) + tonumber(ARGV[4]), ARGV[1])
return 1
`)

// KEYS: inflight, message. ARGV: id, token, now ms.
var deleteScript = redis.NewScript(`
local deadline = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not deadline or tonumber(deadline) <= tonumber(ARGV[3]) then
  return 0
end
if redis.call('HGET', KEYS[2], 'token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

// RedisBackend keeps each queue in four keys under taskmill:<name>:
// a config hash, a ready list of message ids, an in-flight sorted set scored
// by lease deadline, and one hash per message.
type RedisBackend struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, now: time.Now}
}

// CreateQueue provisions the named queue if it does not exist yet.
func (b *RedisBackend) CreateQueue(ctx context.Context, name string, visibility time.Duration) (string, error) {
	url := redisPrefix + name
	err := b.client.HSetNX(ctx, configKey(url), "visibility", visibility.Milliseconds()).Err()
	if err != nil {
		return "", err
	}
	return url, nil
}

func (b *RedisBackend) QueueURL(ctx context.Context, name string) (string, error) {
	url := redisPrefix + name
	n, err := b.client.Exists(ctx, configKey(url)).Result()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return url, nil
}

func (b *RedisBackend) Attributes(ctx context.Context, url string) (Attributes, error) {
	var llen *redis.IntCmd
	var vis *redis.StringCmd
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		llen = pipe.LLen(ctx, readyKey(url))
		vis = pipe.HGet(ctx, configKey(url), "visibility")
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return Attributes{}, fmt.Errorf("%w: %s", ErrQueueNotFound, url)
	}
	if err != nil {
		return Attributes{}, err
	}
	ms, err := vis.Int64()
	if err != nil {
		return Attributes{}, fmt.Errorf("parse visibility timeout: %w", err)
	}
	return Attributes{
		ApproximateMessages: int(llen.Val()),
		VisibilityTimeout:   time.Duration(ms) * time.Millisecond,
	}, nil
}

func (b *RedisBackend) Send(ctx context.Context, url, body string) error {
	return b.SendBatch(ctx, url, []string{body})
}

// SendBatch writes all messages in one MULTI/EXEC so the batch lands as a
// whole or not at all.
func (b *RedisBackend) SendBatch(ctx context.Context, url string, bodies []string) error {
	if len(bodies) > MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds limit of %d", len(bodies), MaxBatchSize)
	}
	sent := b.now().UnixMilli()
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, body := range bodies {
			id := uuid.NewString()
			pipe.HSet(ctx, messageKey(url, id), "body", body, "sent", sent, "count", 0)
			pipe.RPush(ctx, readyKey(url), id)
		}
		return nil
	})
	return err
}

func (b *RedisBackend) Receive(ctx context.Context, url string) (*Message, error) {
	vis, err := b.visibility(ctx, url)
	if err != nil {
		return nil, err
	}

	keys := []string{readyKey(url), inFlightKey(url)}
	res, err := receiveScript.Run(ctx, b.client, keys,
		b.now().UnixMilli(), vis.Milliseconds(), uuid.NewString(), url+":msg:").Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 5 {
		return nil, fmt.Errorf("unexpected receive result: %v", res)
	}

	msg := &Message{
		ID:         fmt.Sprint(res[0]),
		LeaseToken: fmt.Sprint(res[1]),
	}
	if body, ok := res[2].(string); ok {
		msg.Body = body
	}
	if sent, ok := res[3].(string); ok {
		if ms, err := strconv.ParseInt(sent, 10, 64); err == nil {
			msg.SentAt = time.UnixMilli(ms)
		}
	}
	if count, ok := res[4].(int64); ok {
		msg.ReceiveCount = int(count)
	}
	return msg, nil
}

func (b *RedisBackend) ChangeVisibility(ctx context.Context, url, leaseToken string, timeout time.Duration) error {
	id, ok := tokenID(leaseToken)
	if !ok {
		return ErrLeaseInvalid
	}
	keys := []string{inFlightKey(url), messageKey(url, id)}
	n, err := changeVisibilityScript.Run(ctx, b.client, keys,
		id, leaseToken, b.now().UnixMilli(), timeout.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseInvalid
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, url, leaseToken string) error {
	id, ok := tokenID(leaseToken)
	if !ok {
		return ErrLeaseInvalid
	}
	keys := []string{inFlightKey(url), messageKey(url, id)}
	n, err := deleteScript.Run(ctx, b.client, keys, id, leaseToken, b.now().UnixMilli()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseInvalid
	}
	return nil
}

func (b *RedisBackend) visibility(ctx context.Context, url string) (time.Duration, error) {
	ms, err := b.client.HGet(ctx, configKey(url), "visibility").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %s", ErrQueueNotFound, url)
	}
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func tokenID(token string) (string, bool) {
	id, _, ok := strings.Cut(token, ".")
	return id, ok && id != ""
}

func configKey(url string) string   { return url + ":config" }
func readyKey(url string) string    { return url + ":ready" }
func inFlightKey(url string) string { return url + ":inflight" }

func messageKey(url, id string) string {
	return url + ":msg:" + id
}
