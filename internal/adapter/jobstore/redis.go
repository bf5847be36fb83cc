package jobstore

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scribehq/notegen/internal/domain"
)

// popNextScript atomically moves the queue head into processing and stamps
// started_at. Ids whose record is gone or no longer queued (cancelled while a
// queue/delayed entry still referenced them) are dropped and skipped.
const popNextScript = `
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then
    return false
  end
  local jobKey = ARGV[1] .. id
  if redis.call('HGET', jobKey, 'status') == 'queued' then
    redis.call('HSET', jobKey, 'status', 'processing', 'started_at_ms', ARGV[2])
    redis.call('ZREM', KEYS[2], id)
    redis.call('ZADD', KEYS[3], ARGV[2], id)
    return id
  end
end
`

// casScript applies the field updates iff the observed status equals the
// expected status. KEYS: job, state(expected), state(new), queue, terminal,
// delayed. ARGV: expected, id, now_ms, remove_from_queue, terminal,
// completed_at_ms, remove_from_delayed, then field/value pairs.
const casScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'not_found'
end
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= ARGV[1] then
  return 'conflict'
end
for i = 8, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
if ARGV[4] == '1' then
  redis.call('LREM', KEYS[4], 0, ARGV[2])
end
if ARGV[5] == '1' then
  redis.call('ZADD', KEYS[5], ARGV[6], ARGV[2])
end
if ARGV[7] == '1' then
  redis.call('ZREM', KEYS[6], ARGV[2])
end
return 'ok'
`

// promoteDueScript moves every delayed id whose due time has passed back onto
// the tail of its queue. KEYS: delayed. ARGV: now_ms, job prefix, queue prefix.
const promoteDueScript = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local moved = 0
for _, id in ipairs(ids) do
  local jobKey = ARGV[2] .. id
  if redis.call('HGET', jobKey, 'status') == 'queued' then
    local queue = redis.call('HGET', jobKey, 'queue')
    if queue then
      redis.call('LPUSH', ARGV[3] .. queue, id)
      moved = moved + 1
    end
  end
  redis.call('ZREM', KEYS[1], id)
end
return moved
`

// RedisStore is the primary JobStore backed by Redis. Job records are hashes,
// queues are lists (LPUSH tail, RPOP head), delayed retries and per-state
// listings are sorted sets keyed by epoch-millisecond scores.
type RedisStore struct {
	client  *redis.Client
	keys    keys
	popNext *redis.Script
	cas     *redis.Script
	promote *redis.Script
	now     func() time.Time
}

// NewRedisStore wraps an existing client. The caller owns the client's
// lifecycle; connection tuning happens at construction in cmd wiring.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client:  client,
		keys:    newKeys(prefix),
		popNext: redis.NewScript(popNextScript),
		cas:     redis.NewScript(casScript),
		promote: redis.NewScript(promoteDueScript),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (s *RedisStore) SetNowFunc(now func() time.Time) { s.now = now }

func (s *RedisStore) wrapInfra(op string, err error) error {
	return fmt.Errorf("op=jobstore.%s: %w: %v", op, domain.ErrStoreUnavailable, err)
}

func (s *RedisStore) PutNew(ctx domain.Context, j domain.Job) error {
	if j.ID == "" || j.UserID == "" || j.Queue == "" {
		return fmt.Errorf("op=jobstore.put_new: %w: missing id, user, or queue", domain.ErrInvalidArgument)
	}
	if j.Status != domain.JobQueued {
		return fmt.Errorf("op=jobstore.put_new: %w: new jobs must be queued", domain.ErrInvalidArgument)
	}
	fields, err := jobToFields(j)
	if err != nil {
		return err
	}
	exists, err := s.client.Exists(ctx, s.keys.job(j.ID)).Result()
	if err != nil {
		return s.wrapInfra("put_new", err)
	}
	if exists == 1 {
		return fmt.Errorf("op=jobstore.put_new: %w: job %s", domain.ErrConflict, j.ID)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keys.job(j.ID), fields)
	pipe.LPush(ctx, s.keys.queue(j.Queue), j.ID)
	pipe.LPush(ctx, s.keys.user(j.UserID), j.ID)
	pipe.ZAdd(ctx, s.keys.state(domain.JobQueued), redis.Z{
		Score:  float64(timeToMS(j.CreatedAt)),
		Member: j.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return s.wrapInfra("put_new", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx domain.Context, id string) (domain.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.job(id)).Result()
	if err != nil {
		return domain.Job{}, s.wrapInfra("get", err)
	}
	if len(fields) == 0 {
		return domain.Job{}, fmt.Errorf("op=jobstore.get: %w", domain.ErrNotFound)
	}
	return fieldsToJob(fields)
}

func (s *RedisStore) CASUpdate(ctx domain.Context, id string, expected domain.JobStatus, mutate func(*domain.Job)) (domain.CASResult, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.CASNotFound, nil
		}
		return domain.CASConflict, err
	}
	if cur.Status != expected {
		return domain.CASConflict, nil
	}

	next := cur
	mutate(&next)
	if next.ID != cur.ID || next.UserID != cur.UserID {
		return domain.CASConflict, fmt.Errorf("op=jobstore.cas_update: %w: mutator changed identity", domain.ErrInvalidArgument)
	}
	now := s.now()
	if next.Status.Terminal() && next.CompletedAt == nil {
		t := now.UTC()
		next.CompletedAt = &t
	}
	fields, err := jobToFields(next)
	if err != nil {
		return domain.CASConflict, err
	}

	removeFromQueue := "0"
	if expected == domain.JobQueued && next.Status != domain.JobQueued {
		removeFromQueue = "1"
	}
	terminal := "0"
	completedAtMS := int64(0)
	if next.Status.Terminal() {
		terminal = "1"
		completedAtMS = timeToMS(*next.CompletedAt)
	}
	removeFromDelayed := "0"
	if next.Status != domain.JobQueued {
		// Parked delayed retries must not outlive a transition away from
		// queued, or promotion would resurrect a cancelled job.
		removeFromDelayed = "1"
	}

	args := []any{
		string(expected),
		id,
		strconv.FormatInt(timeToMS(now), 10),
		removeFromQueue,
		terminal,
		strconv.FormatInt(completedAtMS, 10),
		removeFromDelayed,
	}
	for k, v := range fields {
		args = append(args, k, v)
	}
	res, err := s.cas.Run(ctx, s.client, []string{
		s.keys.job(id),
		s.keys.state(expected),
		s.keys.state(next.Status),
		s.keys.queue(cur.Queue),
		s.keys.terminal(),
		s.keys.delayed(),
	}, args...).Text()
	if err != nil {
		return domain.CASConflict, s.wrapInfra("cas_update", err)
	}
	switch res {
	case "ok":
		return domain.CASOK, nil
	case "not_found":
		return domain.CASNotFound, nil
	default:
		return domain.CASConflict, nil
	}
}

func (s *RedisStore) PopNext(ctx domain.Context, queue string) (domain.Job, error) {
	nowMS := strconv.FormatInt(timeToMS(s.now()), 10)
	id, err := s.popNext.Run(ctx, s.client, []string{
		s.keys.queue(queue),
		s.keys.state(domain.JobQueued),
		s.keys.state(domain.JobProcessing),
	}, s.keys.jobPrefix(), nowMS).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Job{}, fmt.Errorf("op=jobstore.pop_next: %w", domain.ErrNotFound)
		}
		return domain.Job{}, s.wrapInfra("pop_next", err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) ListByUser(ctx domain.Context, userID string, limit, offset int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	stop := int64(offset + limit - 1)
	ids, err := s.client.LRange(ctx, s.keys.user(userID), int64(offset), stop).Result()
	if err != nil {
		return nil, s.wrapInfra("list_by_user", err)
	}
	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *RedisStore) ListByState(ctx domain.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRange(ctx, s.keys.state(status), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, s.wrapInfra("list_by_state", err)
	}
	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *RedisStore) EnqueueDelayed(ctx domain.Context, id string, dueAt time.Time) error {
	err := s.client.ZAdd(ctx, s.keys.delayed(), redis.Z{
		Score:  float64(timeToMS(dueAt)),
		Member: id,
	}).Err()
	if err != nil {
		return s.wrapInfra("enqueue_delayed", err)
	}
	return nil
}

func (s *RedisStore) PromoteDue(ctx domain.Context, now time.Time) (int, error) {
	n, err := s.promote.Run(ctx, s.client, []string{s.keys.delayed()},
		strconv.FormatInt(timeToMS(now), 10),
		s.keys.jobPrefix(),
		s.keys.queuePrefix(),
	).Int()
	if err != nil {
		return 0, s.wrapInfra("promote_due", err)
	}
	return n, nil
}

func (s *RedisStore) Stats(ctx domain.Context, queue string) (domain.QueueStats, error) {
	st := domain.QueueStats{QueueName: queue}
	size, err := s.client.LLen(ctx, s.keys.queue(queue)).Result()
	if err != nil {
		return st, s.wrapInfra("stats", err)
	}
	st.Size = size
	if size == 0 {
		return st, nil
	}
	// Head of the FIFO is the rightmost element.
	headID, err := s.client.LIndex(ctx, s.keys.queue(queue), -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return st, nil
		}
		return st, s.wrapInfra("stats", err)
	}
	createdMS, err := s.client.HGet(ctx, s.keys.job(headID), fCreatedAt).Result()
	if err == nil && createdMS != "" {
		t := msToTime(parseInt(createdMS))
		st.OldestJobCreatedAt = &t
	}
	return st, nil
}

func (s *RedisStore) CleanupTerminal(ctx domain.Context, olderThan time.Time) (int, error) {
	max := strconv.FormatInt(timeToMS(olderThan), 10)
	ids, err := s.client.ZRangeByScore(ctx, s.keys.terminal(), &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, s.wrapInfra("cleanup_terminal", err)
	}
	removed := 0
	for _, id := range ids {
		fields, err := s.client.HMGet(ctx, s.keys.job(id), fUserID, fStatus).Result()
		if err != nil {
			return removed, s.wrapInfra("cleanup_terminal", err)
		}
		pipe := s.client.TxPipeline()
		if userID, ok := fields[0].(string); ok && userID != "" {
			pipe.LRem(ctx, s.keys.user(userID), 0, id)
		}
		if status, ok := fields[1].(string); ok && status != "" {
			pipe.ZRem(ctx, s.keys.state(domain.JobStatus(status)), id)
		}
		pipe.Del(ctx, s.keys.job(id))
		pipe.ZRem(ctx, s.keys.terminal(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, s.wrapInfra("cleanup_terminal", err)
		}
		removed++
	}
	return removed, nil
}

func (s *RedisStore) Ping(ctx domain.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.wrapInfra("ping", err)
	}
	return nil
}
