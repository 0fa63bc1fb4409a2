package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"amplified/internal/util"
	"amplified/pkg/domain"
)

// claimScript walks the queued set in enqueue order and claims the first
// job whose backoff has elapsed, whose prerequisite stage is done for its
// session and whose session is under the running limit.
var claimScript = redis.NewScript(`
local prefix = ARGV[1]
local nowMs = ARGV[2]
local now = tonumber(nowMs)
local worker = ARGV[3]
local maxPerSession = tonumber(ARGV[4])
local message = ARGV[5]
local event = ARGV[6]
local prereq = {}
local i = 7
while i < #ARGV do
  prereq[ARGV[i]] = ARGV[i + 1]
  i = i + 2
end
local ids = redis.call("ZRANGE", KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  local jobKey = prefix .. ":job:" .. id
  local f = redis.call("HMGET", jobKey, "status", "type", "sessionId", "notBefore")
  if f[1] == "queued" then
    local ready = true
    if f[4] and f[4] ~= "" and tonumber(f[4]) > now then
      ready = false
    end
    local need = prereq[f[2]]
    if ready and need and redis.call("SISMEMBER", prefix .. ":session:" .. f[3] .. ":done", need) == 0 then
      ready = false
    end
    local runningKey = prefix .. ":session:" .. f[3] .. ":running"
    if ready and maxPerSession > 0 and redis.call("SCARD", runningKey) >= maxPerSession then
      ready = false
    end
    if ready then
      redis.call("HSET", jobKey, "status", "running", "startedAt", nowMs, "assignedTo", worker, "heartbeatAt", nowMs, "lastEvent", message)
      redis.call("HDEL", jobKey, "finishedAt", "notBefore")
      redis.call("ZREM", KEYS[1], id)
      redis.call("ZADD", KEYS[2], nowMs, id)
      redis.call("SADD", runningKey, id)
      redis.call("RPUSH", prefix .. ":events:" .. id, event)
      return id
    end
  end
end
return false
`)

// casScript applies a precomputed transition only if the guarded fields
// still hold the values the caller read. Returns 1 on success, 0 on a lost
// race and -1 when the job does not exist.
var casScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local i = 1
local n = tonumber(ARGV[i]); i = i + 1
for _ = 1, n do
  local got = redis.call("HGET", KEYS[1], ARGV[i])
  if not got then got = "" end
  if got ~= ARGV[i + 1] then
    return 0
  end
  i = i + 2
end
local id = ARGV[i]; i = i + 1
local status = ARGV[i]; i = i + 1
local queueScore = ARGV[i]; i = i + 1
local runningScore = ARGV[i]; i = i + 1
local allScore = ARGV[i]; i = i + 1
local doneAdd = ARGV[i]; i = i + 1
local doneRemove = ARGV[i]; i = i + 1
local event = ARGV[i]; i = i + 1
local m = tonumber(ARGV[i]); i = i + 1
for _ = 1, m do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
  i = i + 2
end
while i <= #ARGV do
  redis.call("HDEL", KEYS[1], ARGV[i])
  i = i + 1
end
if status == "queued" then
  if queueScore ~= "" then
    redis.call("ZADD", KEYS[2], queueScore, id)
  end
  redis.call("ZREM", KEYS[3], id)
  redis.call("SREM", KEYS[6], id)
elseif status == "running" then
  redis.call("ZADD", KEYS[3], runningScore, id)
  redis.call("SADD", KEYS[6], id)
else
  redis.call("ZREM", KEYS[2], id)
  redis.call("ZREM", KEYS[3], id)
  redis.call("SREM", KEYS[6], id)
end
if allScore ~= "" then
  redis.call("ZADD", KEYS[4], allScore, id)
end
if doneAdd ~= "" then
  redis.call("SADD", KEYS[7], doneAdd)
end
for stage in string.gmatch(doneRemove, "[^,]+") do
  redis.call("SREM", KEYS[7], stage)
end
if event ~= "" then
  redis.call("RPUSH", KEYS[5], event)
end
return 1
`)

// guardedFields are compared by casScript before any write.
var guardedFields = []string{"status", "assignedTo", "attempts", "cancelRequested"}

// RedisQueue is a Queue persisted in Redis. Job state lives in one hash per
// job; sorted sets index queued (by enqueue sequence), running (by heartbeat)
// and all jobs (by queued time).
type RedisQueue struct {
	client *redis.Client
	prefix string
	cfg    Config
}

// RedisQueueConfig configures the Redis-backed queue.
type RedisQueueConfig struct {
	Addr     string
	Password string
	Prefix   string
	Queue    Config
}

// NewRedisQueue connects a queue to Redis.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "amplified:jobs"
	}
	qcfg := cfg.Queue.withDefaults()
	now := qcfg.Now
	qcfg.Now = func() time.Time { return now().Truncate(time.Millisecond) }
	return &RedisQueue{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		prefix: prefix,
		cfg:    qcfg,
	}, nil
}

// Close releases the Redis connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Enqueue(ctx context.Context, sessionID string, jobType domain.JobType, opts ...EnqueueOption) (domain.ProcessingJob, error) {
	job, err := buildJob(q.cfg, util.NewID(), sessionID, jobType, opts)
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	event, err := encodeEvent(newEvent(job.ID, domain.JobQueued, job.LastEvent, job.QueuedAt))
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), encodeJob(job))
	pipe.ZAdd(ctx, q.queuedKey(), redis.Z{Score: float64(seq), Member: job.ID})
	pipe.ZAdd(ctx, q.allKey(), redis.Z{Score: float64(job.QueuedAt.UnixMilli()), Member: job.ID})
	if stages := invalidatedStages(job.Type); len(stages) > 0 {
		members := make([]any, 0, len(stages))
		for _, s := range stages {
			members = append(members, string(s))
		}
		pipe.SRem(ctx, q.sessionDoneKey(job.SessionID), members...)
	}
	pipe.RPush(ctx, q.eventsKey(job.ID), event)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.ProcessingJob{}, err
	}
	return job, nil
}

func (q *RedisQueue) DequeueNext(ctx context.Context, claim Claim) (domain.ProcessingJob, bool, error) {
	worker := strings.TrimSpace(claim.Worker)
	if worker == "" {
		worker = "worker"
	}
	now := q.cfg.Now()
	message := claimedMessage(worker)
	event, err := encodeEvent(newEvent("", domain.JobRunning, message, now))
	if err != nil {
		return domain.ProcessingJob{}, false, err
	}
	args := []any{q.prefix, now.UnixMilli(), worker, claim.MaxPerSession, message, event}
	for _, t := range domain.JobTypes {
		if p, ok := t.Prerequisite(); ok {
			args = append(args, string(t), string(p))
		}
	}
	id, err := claimScript.Run(ctx, q.client, []string{q.queuedKey(), q.runningKey()}, args...).Text()
	if errors.Is(err, redis.Nil) {
		return domain.ProcessingJob{}, false, nil
	}
	if err != nil {
		return domain.ProcessingJob{}, false, fmt.Errorf("claim job: %w", err)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		return domain.ProcessingJob{}, false, err
	}
	return job, true, nil
}

// casAttempts bounds how often a transition is recomputed after another
// writer touched the job between the read and the compare-and-swap.
const casAttempts = 5

// transition computes the new job state from a fresh read. A nil event
// with an unchanged job skips the write.
type transition func(job domain.ProcessingJob) (domain.ProcessingJob, *domain.JobEvent, casOptions, error)

// update reads the job, applies fn and swaps the result in. When the swap
// loses a race, the job is re-read and fn runs again, so a transition that
// is still legal on the new state (a Complete after a late Cancel, say)
// goes through; one that is not fails with fn's own error.
func (q *RedisQueue) update(ctx context.Context, jobID string, fn transition) (domain.ProcessingJob, error) {
	for attempt := 1; ; attempt++ {
		job, err := q.Get(ctx, jobID)
		if err != nil {
			return domain.ProcessingJob{}, err
		}
		updated, event, opts, err := fn(job)
		if err != nil {
			return domain.ProcessingJob{}, err
		}
		if event == nil && updated == job {
			return updated, nil
		}
		err = q.cas(ctx, job, updated, event, opts)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) || attempt >= casAttempts {
			return domain.ProcessingJob{}, err
		}
	}
}

func (q *RedisQueue) Complete(ctx context.Context, lease Lease) (domain.ProcessingJob, error) {
	return q.update(ctx, lease.JobID, func(job domain.ProcessingJob) (domain.ProcessingJob, *domain.JobEvent, casOptions, error) {
		updated, event, err := applyComplete(job, lease, q.cfg.Now())
		return updated, &event, casOptions{doneAdd: string(updated.Type)}, err
	})
}

func (q *RedisQueue) Fail(ctx context.Context, lease Lease, reason string, retryable bool) (domain.ProcessingJob, error) {
	return q.update(ctx, lease.JobID, func(job domain.ProcessingJob) (domain.ProcessingJob, *domain.JobEvent, casOptions, error) {
		updated, event, err := applyFail(q.cfg, job, lease, reason, retryable, q.cfg.Now())
		if err != nil {
			return job, nil, casOptions{}, err
		}
		opts := casOptions{}
		if updated.Status == domain.JobQueued {
			seq, err := q.client.Incr(ctx, q.seqKey()).Result()
			if err != nil {
				return job, nil, casOptions{}, err
			}
			opts.queueScore = seq
			opts.updateAll = true
		}
		return updated, &event, opts, nil
	})
}

func (q *RedisQueue) Cancel(ctx context.Context, jobID string) (domain.ProcessingJob, error) {
	return q.update(ctx, jobID, func(job domain.ProcessingJob) (domain.ProcessingJob, *domain.JobEvent, casOptions, error) {
		updated, event, changed, err := applyCancel(job, q.cfg.Now())
		if err != nil || !changed {
			return job, nil, casOptions{}, err
		}
		return updated, &event, casOptions{}, nil
	})
}

func (q *RedisQueue) AcknowledgeCancel(ctx context.Context, lease Lease) (domain.ProcessingJob, error) {
	return q.update(ctx, lease.JobID, func(job domain.ProcessingJob) (domain.ProcessingJob, *domain.JobEvent, casOptions, error) {
		updated, event, err := applyAcknowledgeCancel(job, lease, q.cfg.Now())
		return updated, &event, casOptions{}, err
	})
}

func (q *RedisQueue) Heartbeat(ctx context.Context, lease Lease) (bool, error) {
	updated, err := q.update(ctx, lease.JobID, func(job domain.ProcessingJob) (domain.ProcessingJob, *domain.JobEvent, casOptions, error) {
		updated, err := applyHeartbeat(job, lease, q.cfg.Now())
		return updated, nil, casOptions{}, err
	})
	if err != nil {
		return false, err
	}
	return updated.CancelRequested, nil
}

func (q *RedisQueue) Retry(ctx context.Context, jobID string) (domain.ProcessingJob, error) {
	return q.update(ctx, jobID, func(job domain.ProcessingJob) (domain.ProcessingJob, *domain.JobEvent, casOptions, error) {
		updated, event, err := applyRetry(job, q.cfg.Now())
		if err != nil {
			return job, nil, casOptions{}, err
		}
		seq, err := q.client.Incr(ctx, q.seqKey()).Result()
		if err != nil {
			return job, nil, casOptions{}, err
		}
		opts := casOptions{queueScore: seq, updateAll: true}
		for _, s := range invalidatedStages(updated.Type) {
			opts.doneRemove = append(opts.doneRemove, string(s))
		}
		return updated, &event, opts, nil
	})
}

func (q *RedisQueue) Get(ctx context.Context, jobID string) (domain.ProcessingJob, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.ProcessingJob{}, domain.NotFoundError("job", jobID)
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return domain.ProcessingJob{}, err
	}
	if len(data) == 0 {
		return domain.ProcessingJob{}, domain.NotFoundError("job", jobID)
	}
	return decodeJob(jobID, data)
}

func (q *RedisQueue) List(ctx context.Context, filter Filter) ([]domain.ProcessingJob, error) {
	ids, err := q.client.ZRevRange(ctx, q.allKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return q.loadJobs(ctx, ids, filter)
}

func (q *RedisQueue) Events(ctx context.Context, jobID string) ([]domain.JobEvent, error) {
	if _, err := q.Get(ctx, jobID); err != nil {
		return nil, err
	}
	raw, err := q.client.LRange(ctx, q.eventsKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.JobEvent, 0, len(raw))
	for _, item := range raw {
		var event domain.JobEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("decode job event: %w", err)
		}
		event.JobID = jobID
		out = append(out, event)
	}
	return out, nil
}

func (q *RedisQueue) Stale(ctx context.Context, before time.Time) ([]domain.ProcessingJob, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.runningKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	status := domain.JobRunning
	return q.loadJobs(ctx, ids, Filter{Status: &status})
}

func (q *RedisQueue) loadJobs(ctx context.Context, ids []string, filter Filter) ([]domain.ProcessingJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]domain.ProcessingJob, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		job, err := decodeJob(ids[i], data)
		if err != nil {
			return nil, err
		}
		if filter.match(job) {
			out = append(out, job)
		}
	}
	sortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type casOptions struct {
	queueScore int64
	updateAll  bool
	doneAdd    string
	doneRemove []string
}

func (q *RedisQueue) cas(ctx context.Context, old, updated domain.ProcessingJob, event *domain.JobEvent, opts casOptions) error {
	oldFields := encodeJob(old)
	newFields := encodeJob(updated)

	args := []any{len(guardedFields)}
	for _, f := range guardedFields {
		args = append(args, f, oldFields[f])
	}
	queueScore, runningScore, allScore := "", "", ""
	if opts.queueScore > 0 {
		queueScore = strconv.FormatInt(opts.queueScore, 10)
	}
	if updated.HeartbeatAt != nil {
		runningScore = strconv.FormatInt(updated.HeartbeatAt.UnixMilli(), 10)
	}
	if opts.updateAll {
		allScore = strconv.FormatInt(updated.QueuedAt.UnixMilli(), 10)
	}
	encodedEvent := ""
	if event != nil {
		var err error
		if encodedEvent, err = encodeEvent(*event); err != nil {
			return err
		}
	}
	args = append(args, updated.ID, string(updated.Status), queueScore, runningScore, allScore,
		opts.doneAdd, strings.Join(opts.doneRemove, ","), encodedEvent)

	var set []any
	for f, v := range newFields {
		if oldFields[f] != v {
			set = append(set, f, v)
		}
	}
	args = append(args, len(set)/2)
	args = append(args, set...)
	for f := range oldFields {
		if _, ok := newFields[f]; !ok {
			args = append(args, f)
		}
	}

	keys := []string{
		q.jobKey(updated.ID),
		q.queuedKey(),
		q.runningKey(),
		q.allKey(),
		q.eventsKey(updated.ID),
		q.sessionRunningKey(updated.SessionID),
		q.sessionDoneKey(updated.SessionID),
	}
	res, err := casScript.Run(ctx, q.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("update job %s: %w", updated.ID, err)
	}
	switch res {
	case 1:
		return nil
	case -1:
		return domain.NotFoundError("job", updated.ID)
	default:
		return fmt.Errorf("job %s changed concurrently: %w", updated.ID, domain.ErrConcurrencyConflict)
	}
}

func (q *RedisQueue) jobKey(jobID string) string {
	return fmt.Sprintf("%s:job:%s", q.prefix, jobID)
}

func (q *RedisQueue) eventsKey(jobID string) string {
	return fmt.Sprintf("%s:events:%s", q.prefix, jobID)
}

func (q *RedisQueue) sessionDoneKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:done", q.prefix, sessionID)
}

func (q *RedisQueue) sessionRunningKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:running", q.prefix, sessionID)
}

func (q *RedisQueue) queuedKey() string  { return q.prefix + ":queued" }
func (q *RedisQueue) runningKey() string { return q.prefix + ":running" }
func (q *RedisQueue) allKey() string     { return q.prefix + ":all" }
func (q *RedisQueue) seqKey() string     { return q.prefix + ":seq" }

func encodeEvent(event domain.JobEvent) (string, error) {
	event.JobID = ""
	b, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("encode job event: %w", err)
	}
	return string(b), nil
}

func encodeJob(job domain.ProcessingJob) map[string]string {
	out := map[string]string{
		"id":              job.ID,
		"type":            string(job.Type),
		"sessionId":       job.SessionID,
		"status":          string(job.Status),
		"queuedAt":        formatMillis(job.QueuedAt),
		"lastEvent":       job.LastEvent,
		"attempts":        strconv.Itoa(job.AttemptCount),
		"maxAttempts":     strconv.Itoa(job.MaxAttempts),
		"cancelRequested": "0",
	}
	if job.CancelRequested {
		out["cancelRequested"] = "1"
	}
	if job.MaterialType != nil {
		out["materialType"] = string(*job.MaterialType)
	}
	if job.AssignedTo != nil {
		out["assignedTo"] = *job.AssignedTo
	}
	for field, t := range map[string]*time.Time{
		"startedAt":   job.StartedAt,
		"finishedAt":  job.FinishedAt,
		"heartbeatAt": job.HeartbeatAt,
		"notBefore":   job.NotBefore,
	} {
		if t != nil {
			out[field] = formatMillis(*t)
		}
	}
	return out
}

func decodeJob(jobID string, data map[string]string) (domain.ProcessingJob, error) {
	job := domain.ProcessingJob{
		ID:              jobID,
		Type:            domain.JobType(data["type"]),
		SessionID:       data["sessionId"],
		Status:          domain.JobStatus(data["status"]),
		LastEvent:       data["lastEvent"],
		CancelRequested: data["cancelRequested"] == "1",
	}
	if !job.Type.Valid() || !job.Status.Valid() {
		return domain.ProcessingJob{}, fmt.Errorf("job %s: corrupt record (type=%q status=%q)", jobID, data["type"], data["status"])
	}
	if v := data["materialType"]; v != "" {
		mt := domain.MaterialType(v)
		job.MaterialType = &mt
	}
	if v := data["assignedTo"]; v != "" {
		job.AssignedTo = &v
	}
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.AttemptCount = n
		}
	}
	if v := data["maxAttempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.MaxAttempts = n
		}
	}
	if t := parseMillis(data["queuedAt"]); t != nil {
		job.QueuedAt = *t
	}
	job.StartedAt = parseMillis(data["startedAt"])
	job.FinishedAt = parseMillis(data["finishedAt"])
	job.HeartbeatAt = parseMillis(data["heartbeatAt"])
	job.NotBefore = parseMillis(data["notBefore"])
	return job, nil
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(v string) *time.Time {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(n).UTC()
	return &t
}
