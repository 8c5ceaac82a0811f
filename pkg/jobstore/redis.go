package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisJobPrefix = "archiver:job:"
	redisJobIndex  = "archiver:jobs"
)

// Each script takes KEYS[1] = job hash, KEYS[2] = index set.

var upsertPendingScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'finished' then return 0 end
if not status then redis.call('HSET', KEYS[1], 'cursor', 0, 'link', '') end
redis.call('HSET', KEYS[1], 'status', 'pending', 'updated_at', ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

var markInProgressScript = redis.NewScript(`
local cursor = tonumber(redis.call('HGET', KEYS[1], 'cursor') or '0')
local target = tonumber(ARGV[1])
if target > cursor then cursor = target end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'finished' then status = 'in-progress' end
redis.call('HSET', KEYS[1], 'cursor', cursor, 'status', status, 'link', ARGV[2], 'updated_at', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return status
`)

var markFinishedScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'cursor', 0)
redis.call('HSET', KEYS[1], 'status', 'finished', 'link', ARGV[1], 'updated_at', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`)

var claimPendingScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status then
  if status == 'finished' then return 0 end
  local updated = tonumber(redis.call('HGET', KEYS[1], 'updated_at') or '0')
  if updated >= tonumber(ARGV[1]) then return 0 end
else
  redis.call('HSET', KEYS[1], 'cursor', 0, 'link', '')
end
redis.call('HSET', KEYS[1], 'status', 'pending', 'updated_at', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`)

// RedisStore keeps one hash per collection under archiver:job:<id> and an
// index set of all ids. Writes run as Lua scripts so each upsert is atomic.
type RedisStore struct {
	redis *redis.Client
	now   func() time.Time
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient, now: time.Now}
}

func jobKey(collectionID string) string {
	return redisJobPrefix + collectionID
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, collectionID string) (*CollectionJob, error) {
	fields, err := s.redis.HGetAll(ctx, jobKey(collectionID)).Result()
	if err != nil {
		storeErrors.WithLabelValues("redis", "get").Inc()
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return decodeJob(collectionID, fields)
}

// UpsertPending implements Store.
func (s *RedisStore) UpsertPending(ctx context.Context, collectionID string) error {
	err := upsertPendingScript.Run(ctx, s.redis,
		[]string{jobKey(collectionID), redisJobIndex},
		s.now().UnixMilli(), collectionID,
	).Err()
	if err != nil {
		err = fmt.Errorf("redis upsert pending %s: %w", collectionID, err)
	}
	return observe("redis", "upsert_pending", StatusPending, err)
}

// MarkInProgress implements Store.
func (s *RedisStore) MarkInProgress(ctx context.Context, collectionID string, cursor int64, link string) error {
	status, err := markInProgressScript.Run(ctx, s.redis,
		[]string{jobKey(collectionID), redisJobIndex},
		cursor, link, s.now().UnixMilli(), collectionID,
	).Text()
	if err != nil {
		err = fmt.Errorf("redis mark in-progress %s: %w", collectionID, err)
	}
	return observe("redis", "mark_in_progress", Status(status), err)
}

// MarkFinished implements Store.
func (s *RedisStore) MarkFinished(ctx context.Context, collectionID string, link string) error {
	err := markFinishedScript.Run(ctx, s.redis,
		[]string{jobKey(collectionID), redisJobIndex},
		link, s.now().UnixMilli(), collectionID,
	).Err()
	if err != nil {
		err = fmt.Errorf("redis mark finished %s: %w", collectionID, err)
	}
	return observe("redis", "mark_finished", StatusFinished, err)
}

// ClaimPending implements Store.
func (s *RedisStore) ClaimPending(ctx context.Context, collectionID string, staleBefore time.Time) (bool, error) {
	n, err := claimPendingScript.Run(ctx, s.redis,
		[]string{jobKey(collectionID), redisJobIndex},
		staleBefore.UnixMilli(), s.now().UnixMilli(), collectionID,
	).Int()
	if err != nil {
		return false, observe("redis", "claim_pending", "", fmt.Errorf("redis claim %s: %w", collectionID, err))
	}
	if n == 0 {
		return false, nil
	}
	return true, observe("redis", "claim_pending", StatusPending, nil)
}

// ListUnfinished implements Store.
func (s *RedisStore) ListUnfinished(ctx context.Context) ([]CollectionJob, error) {
	ids, err := s.redis.SMembers(ctx, redisJobIndex).Result()
	if err != nil {
		storeErrors.WithLabelValues("redis", "list").Inc()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}

	var jobs []CollectionJob
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.IsActive() {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt) })
	return jobs, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Close is a no-op; the Redis client is shared and closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}

func decodeJob(collectionID string, fields map[string]string) (*CollectionJob, error) {
	status, err := ParseStatus(fields["status"])
	if err != nil {
		return nil, err
	}
	cursor, err := strconv.ParseInt(fields["cursor"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode cursor of %s: %w", collectionID, err)
	}
	updated, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode updated_at of %s: %w", collectionID, err)
	}
	return &CollectionJob{
		CollectionID:    collectionID,
		Cursor:          cursor,
		Status:          status,
		DestinationLink: fields["link"],
		UpdatedAt:       time.UnixMilli(updated),
	}, nil
}
