package coordination

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// casScript atomically compares the stored version against the expected
// version and, on match, writes the new data and bumps the version. A
// mismatch (including "doesn't exist yet but expected != 0") returns -1.
const casScript = `
local key = KEYS[1]
local expected = tonumber(ARGV[1])
local data = ARGV[2]

local current = redis.call('HGET', key, 'version')
local curVersion = 0
local exists = false
if current then
  curVersion = tonumber(current)
  exists = true
end

if curVersion ~= expected then
  return -1
end
if expected == 0 and exists then
  return -1
end

local newVersion = curVersion + 1
redis.call('HSET', key, 'data', data, 'version', newVersion)
return newVersion
`

// RedisStore is the default coordination.Store implementation, backed by
// a Redis hash per path: {data, version}. It plays the role the source
// system gives to a ZooKeeper znode plus version stat.
type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

// NewRedisStore wraps an existing *redis.Client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, script: redis.NewScript(casScript)}
}

func (s *RedisStore) Get(ctx context.Context, path string) ([]byte, int64, error) {
	res, err := s.client.HMGet(ctx, path, "data", "version").Result()
	if err != nil {
		return nil, 0, err
	}
	if res[0] == nil || res[1] == nil {
		return nil, 0, ErrNotFound
	}
	data, _ := res[0].(string)
	versionStr, _ := res[1].(string)
	version, err := strconv.ParseInt(versionStr, 10, 64)
	if err != nil {
		return nil, 0, err
	}
	return []byte(data), version, nil
}

func (s *RedisStore) CAS(ctx context.Context, path string, expectedVersion int64, data []byte) error {
	result, err := s.script.Run(ctx, s.client, []string{path}, expectedVersion, string(data)).Int64()
	if err != nil {
		return err
	}
	if result < 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	if err := s.client.Del(ctx, path).Err(); err != nil {
		return err
	}
	return nil
}
