package tier

import (
	"context"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/caskit/gateway/internal/caserr"
	"github.com/caskit/gateway/internal/cid"
)

// RedisBackend is a CASBackend over a Redis instance, used as the pinning
// cluster tier (spec's "remote pinning cluster" in §4.3/§6.1). Content
// lives under "content:<cid>"; a separate "pin:<cid>" marker tracks
// durability intent without implying the bytes are deleted on Unpin (CAS
// garbage collection is out of scope).
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an already-configured redis.Client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func contentKey(id cid.CID) string { return "content:" + id.String() }
func pinKey(id cid.CID) string     { return "pin:" + id.String() }

func (b *RedisBackend) Has(ctx context.Context, id cid.CID) (bool, error) {
	n, err := b.client.Exists(ctx, contentKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *RedisBackend) Get(ctx context.Context, id cid.CID) ([]byte, error) {
	data, err := b.client.Get(ctx, contentKey(id)).Bytes()
	if err == redis.Nil {
		return nil, caserr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *RedisBackend) Put(ctx context.Context, data []byte) (cid.CID, error) {
	id := cid.New(data)
	if err := b.client.Set(ctx, contentKey(id), data, 0).Err(); err != nil {
		return "", err
	}
	return id, nil
}

func (b *RedisBackend) Pin(ctx context.Context, id cid.CID) error {
	return b.client.Set(ctx, pinKey(id), 1, 0).Err()
}

func (b *RedisBackend) Unpin(ctx context.Context, id cid.CID) error {
	return b.client.Del(ctx, pinKey(id)).Err()
}

// Id reports the connected Redis server's run_id, a cheap way to confirm
// both reachability and that we're still talking to the same instance.
func (b *RedisBackend) Id(ctx context.Context) (string, error) {
	info, err := b.client.Info(ctx, "server").Result()
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(info, "\r\n") {
		if strings.HasPrefix(line, "run_id:") {
			return strings.TrimPrefix(line, "run_id:"), nil
		}
	}
	return "unknown", nil
}
