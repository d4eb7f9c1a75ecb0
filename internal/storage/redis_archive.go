package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// archiveScript stores a record unless a newer revision is already there and
// moves its id to the head of the capped recent list.
//
// KEYS[1] record hash, KEYS[2] recent list.
// ARGV revision, record json, ttl seconds, id, list cap.
var archiveScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'revision') or '0')
if cur > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'revision', ARGV[1], 'record', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('LREM', KEYS[2], 0, ARGV[4])
redis.call('LPUSH', KEYS[2], ARGV[4])
redis.call('LTRIM', KEYS[2], 0, tonumber(ARGV[5]) - 1)
return 1
`)

// RedisArchive keeps the ids of recently resolved requests in a capped list,
// each id once, and each request's latest record in a hash for a day.
type RedisArchive struct {
	client redis.Scripter
	key    string
	max    int64
	ttl    time.Duration
}

func NewRedisArchive(client redis.Scripter, key string, max int64) *RedisArchive {
	if max <= 0 {
		max = 10000
	}
	return &RedisArchive{client: client, key: key, max: max, ttl: 24 * time.Hour}
}

func (r *RedisArchive) recordKey(id string) string { return r.key + ":" + id }

func (r *RedisArchive) ArchiveRequest(ctx context.Context, req models.RideRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	keys := []string{r.recordKey(req.ID), r.key}
	err = archiveScript.Run(ctx, r.client, keys, req.Revision, b, int64(r.ttl/time.Second), req.ID, r.max).Err()
	if err != nil {
		return fmt.Errorf("archive %s: %w", req.ID, err)
	}
	return nil
}
