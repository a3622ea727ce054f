// Package redisagg implements the Aggregation Store port against Redis,
// holding ephemeral per-job (count, data, final) state with an atomic
// first-seen-decrement script.
package redisagg

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/moderation-orchestrator/internal/domain"
)

// luaRecordResult initializes the remaining-count on first sight of a job
// (clamped >=1), refreshes TTLs on the count and data keys, records
// service->status only if the service has not already reported, and
// decrements the remaining count only on that first sighting.
const luaRecordResult = `
local countKey = KEYS[1]
local dataKey = KEYS[2]
local expected = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local service = ARGV[3]
local status = ARGV[4]

if redis.call("EXISTS", countKey) == 0 then
  if expected < 1 then
    expected = 1
  end
  redis.call("SET", countKey, expected)
end
redis.call("EXPIRE", countKey, ttl)

local wasNew = redis.call("HSETNX", dataKey, service, status)
redis.call("EXPIRE", dataKey, ttl)

local remaining = tonumber(redis.call("GET", countKey))
if wasNew == 1 then
  remaining = redis.call("DECR", countKey)
end

return {remaining, wasNew}
`

// Store is a Redis-backed implementation of domain.AggregationStore.
type Store struct {
	redis  *redis.Client
	script *redis.Script
}

// New constructs a Store bound to the given Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{redis: rdb, script: redis.NewScript(luaRecordResult)}
}

func countKey(cid string) string { return "agg:" + cid + ":count" }
func dataKey(cid string) string  { return "agg:" + cid + ":data" }
func finalKey(cid string) string { return "agg:" + cid + ":final" }

// RecordResult performs the atomic first-seen-decrement described by
// luaRecordResult.
func (s *Store) RecordResult(ctx context.Context, cid, serviceName, status string, expected int, ttl time.Duration) (int, bool, error) {
	res, err := s.script.Run(ctx, s.redis, []string{countKey(cid), dataKey(cid)}, expected, int64(ttl.Seconds()), serviceName, status).Result()
	if err != nil {
		return 0, false, fmt.Errorf("op=aggstore.record_result: %w", err)
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) != 2 {
		return 0, false, fmt.Errorf("op=aggstore.record_result: %w: unexpected script result %v", domain.ErrInternal, res)
	}
	remaining, ok := fields[0].(int64)
	if !ok {
		return 0, false, fmt.Errorf("op=aggstore.record_result: %w: unexpected remaining type %v", domain.ErrInternal, fields[0])
	}
	wasNew, ok := fields[1].(int64)
	if !ok {
		return 0, false, fmt.Errorf("op=aggstore.record_result: %w: unexpected wasNew type %v", domain.ErrInternal, fields[1])
	}
	return int(remaining), wasNew == 1, nil
}

// Statuses returns every serviceName->status pair recorded for a job.
func (s *Store) Statuses(ctx context.Context, cid string) (map[string]string, error) {
	m, err := s.redis.HGetAll(ctx, dataKey(cid)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=aggstore.statuses: %w", err)
	}
	return m, nil
}

// GetFinal returns a previously cached final event for a job, if any.
func (s *Store) GetFinal(ctx context.Context, cid string) ([]byte, bool, error) {
	b, err := s.redis.Get(ctx, finalKey(cid)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=aggstore.get_final: %w", err)
	}
	return b, true, nil
}

// SetFinal caches the final event for a job for the given TTL.
func (s *Store) SetFinal(ctx context.Context, cid string, event []byte, ttl time.Duration) error {
	if err := s.redis.Set(ctx, finalKey(cid), event, ttl).Err(); err != nil {
		return fmt.Errorf("op=aggstore.set_final: %w", err)
	}
	return nil
}

// Cleanup deletes all aggregation state for a job.
func (s *Store) Cleanup(ctx context.Context, cid string) error {
	if err := s.redis.Del(ctx, countKey(cid), dataKey(cid), finalKey(cid)).Err(); err != nil {
		return fmt.Errorf("op=aggstore.cleanup: %w", err)
	}
	return nil
}

var _ domain.AggregationStore = (*Store)(nil)
