package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/udaykr117/durableq/internal/job"
)

const (
	DefaultRedisPrefix = "queuectl:"

	maxRedisExecutions = 1000
)

// Redis keys, relative to the prefix:
//
//	job:<id>        hash   job fields plus insertion seq
//	jobs            zset   score=seq, every job
//	seq             string insertion counter
//	delayed         zset   score=next_run_at ms, pending jobs not yet promoted
//	ready           zset   score=0, member=<created_at>|<seq>|<id>, pending jobs whose next_run_at has passed
//	state:<state>   set    job ids per state
//	config          hash
//	executions      list   JSON execution records, newest first
//
// Members of ready share one score, so ZPOPMIN takes the lexically smallest.
// created_at is fixed width and seq is zero padded, which makes that the
// oldest job with ties going to the earliest insert.
//
// Every state change runs as a Lua script, which Redis executes atomically.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
local seq = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1],
	'id', ARGV[1], 'command', ARGV[2], 'state', ARGV[3], 'attempts', ARGV[4],
	'max_retries', ARGV[5], 'created_at', ARGV[6], 'updated_at', ARGV[7],
	'next_run_at', ARGV[8], 'last_error', ARGV[9], 'seq', tostring(seq))
redis.call('ZADD', KEYS[3], seq, ARGV[1])
redis.call('SADD', ARGV[10] .. ARGV[3], ARGV[1])
if ARGV[3] == 'pending' then
	redis.call('ZADD', KEYS[4], ARGV[8], ARGV[1])
end
return seq
`)

// readyMember builds the ready zset member for the job hash at key.
const readyMember = `
local function ready_member(key)
	local f = redis.call('HMGET', key, 'created_at', 'seq', 'id')
	local seq = f[2] or '0'
	return f[1] .. '|' .. string.rep('0', 20 - #seq) .. seq .. '|' .. f[3]
end
`

// claimScript promotes every due delayed job into ready, then pops the
// oldest by created_at.
var claimScript = redis.NewScript(readyMember + `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	local key = ARGV[3] .. id
	if redis.call('EXISTS', key) == 1 then
		redis.call('ZADD', KEYS[2], '0', ready_member(key))
	end
end
local popped = redis.call('ZPOPMIN', KEYS[2])
if #popped == 0 then
	return false
end
local id = string.match(popped[1], '^[^|]*|[^|]*|(.*)$')
local key = ARGV[3] .. id
redis.call('HSET', key, 'state', 'processing', 'updated_at', ARGV[2])
redis.call('SMOVE', ARGV[4] .. 'pending', ARGV[4] .. 'processing', id)
return redis.call('HGETALL', key)
`)

// transitionScript writes absolute values. An empty ARGV[4] with ARGV[7]
// set to "keep" leaves last_error untouched. A non-empty ARGV[8] names the
// state the job must be in; the script returns -1 when it is not.
var transitionScript = redis.NewScript(readyMember + `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local id = redis.call('HGET', KEYS[1], 'id')
local old = redis.call('HGET', KEYS[1], 'state')
if ARGV[8] ~= '' and old ~= ARGV[8] then
	return -1
end
redis.call('ZREM', KEYS[3], ready_member(KEYS[1]))
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'attempts', ARGV[2], 'next_run_at', ARGV[3], 'updated_at', ARGV[5])
if ARGV[7] ~= 'keep' then
	redis.call('HSET', KEYS[1], 'last_error', ARGV[4])
end
if old then
	redis.call('SREM', ARGV[6] .. old, id)
end
redis.call('SADD', ARGV[6] .. ARGV[1], id)
redis.call('ZREM', KEYS[2], id)
if ARGV[1] == 'pending' then
	redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return 1
`)

// NewRedisStore verifies the connection before returning.
func NewRedisStore(ctx context.Context, rdb *redis.Client, prefix string) (*RedisStore, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (r *RedisStore) Close() error { return r.rdb.Close() }

func (r *RedisStore) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (r *RedisStore) Insert(ctx context.Context, j *job.Job) error {
	n, err := insertScript.Run(ctx, r.rdb,
		[]string{r.key("job:", j.ID), r.key("seq"), r.key("jobs"), r.key("delayed")},
		j.ID,
		j.Command,
		string(j.State),
		j.Attempts,
		j.MaxRetries,
		formatTime(j.CreatedAt),
		formatTime(j.UpdatedAt),
		toMillis(j.NextRunAt),
		j.LastError,
		r.key("state:"),
	).Int64()
	if err != nil {
		return storeErr("create job", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", job.ErrDuplicateID, j.ID)
	}
	return nil
}

func (r *RedisStore) ClaimNext(ctx context.Context, now time.Time) (*job.Job, error) {
	fields, err := claimScript.Run(ctx, r.rdb,
		[]string{r.key("delayed"), r.key("ready")},
		toMillis(now),
		formatTime(now),
		r.key("job:"),
		r.key("state:"),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("claim job", err)
	}
	h := make(map[string]string, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		h[fields[i]] = fields[i+1]
	}
	j, _, err := jobFromHash(h)
	if err != nil {
		return nil, storeErr("decode claimed job", err)
	}
	return j, nil
}

func (r *RedisStore) Finalize(ctx context.Context, id string, u job.Update) error {
	return r.transition(ctx, "finalize job", id, "",
		u.State, u.Attempts, u.NextRunAt, u.LastError, u.UpdatedAt, false)
}

func (r *RedisStore) Requeue(ctx context.Context, id string, now time.Time) error {
	return r.transition(ctx, "requeue job", id, "",
		job.StatePending, 0, now, "", now, true)
}

func (r *RedisStore) RequeueDead(ctx context.Context, id string, now time.Time) error {
	return r.transition(ctx, "requeue dead job", id, job.StateDead,
		job.StatePending, 0, now, "", now, true)
}

func (r *RedisStore) transition(ctx context.Context, op, id string, from, state job.State, attempts int,
	nextRunAt time.Time, lastError string, updatedAt time.Time, keepError bool) error {
	mode := "set"
	if keepError {
		mode = "keep"
	}
	n, err := transitionScript.Run(ctx, r.rdb,
		[]string{r.key("job:", id), r.key("delayed"), r.key("ready")},
		string(state),
		attempts,
		toMillis(nextRunAt),
		lastError,
		formatTime(updatedAt),
		r.key("state:"),
		mode,
		string(from),
	).Int64()
	if err != nil {
		return storeErr(op, err)
	}
	switch n {
	case 0:
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	case -1:
		return fmt.Errorf("%w: %s", ErrNotDead, id)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*job.Job, error) {
	h, err := r.rdb.HGetAll(ctx, r.key("job:", id)).Result()
	if err != nil {
		return nil, storeErr("get job", err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	j, _, err := jobFromHash(h)
	if err != nil {
		return nil, storeErr("decode job", err)
	}
	return j, nil
}

// List reads the jobs zset, which is scored by insertion seq, then sorts by
// created_at with seq breaking ties, the same order ClaimNext pops ready in.
func (r *RedisStore) List(ctx context.Context, state job.State) ([]*job.Job, error) {
	var ids []string
	var err error
	if state == "" {
		ids, err = r.rdb.ZRange(ctx, r.key("jobs"), 0, -1).Result()
	} else {
		ids, err = r.rdb.SMembers(ctx, r.key("state:", string(state))).Result()
	}
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.key("job:", id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("list jobs", err)
	}

	type entry struct {
		job *job.Job
		seq int64
	}
	entries := make([]entry, 0, len(cmds))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		j, seq, err := jobFromHash(h)
		if err != nil {
			return nil, storeErr("decode job", err)
		}
		entries = append(entries, entry{job: j, seq: seq})
	}
	sort.Slice(entries, func(a, b int) bool {
		ja, jb := entries[a].job, entries[b].job
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.Before(jb.CreatedAt)
		}
		return entries[a].seq < entries[b].seq
	})

	jobs := make([]*job.Job, len(entries))
	for i, e := range entries {
		jobs[i] = e.job
	}
	return jobs, nil
}

func (r *RedisStore) CountByState(ctx context.Context) (map[job.State]int, error) {
	pipe := r.rdb.Pipeline()
	cmds := make(map[job.State]*redis.IntCmd, len(job.States))
	for _, st := range job.States {
		cmds[st] = pipe.SCard(ctx, r.key("state:", string(st)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("count jobs", err)
	}
	counts := emptyCounts()
	for st, cmd := range cmds {
		counts[st] = int(cmd.Val())
	}
	return counts, nil
}

func (r *RedisStore) GetConfig(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.HGet(ctx, r.key("config"), key).Result()
	if errors.Is(err, redis.Nil) {
		return configDefault(key)
	}
	if err != nil {
		return "", storeErr("get config", err)
	}
	return v, nil
}

func (r *RedisStore) SetConfig(ctx context.Context, key, value string) error {
	return storeErr("set config", r.rdb.HSet(ctx, r.key("config"), key, value).Err())
}

func (r *RedisStore) AllConfig(ctx context.Context) (map[string]string, error) {
	values, err := r.rdb.HGetAll(ctx, r.key("config")).Result()
	if err != nil {
		return nil, storeErr("get config", err)
	}
	return withDefaults(values), nil
}

func (r *RedisStore) RecordExecution(ctx context.Context, e job.Execution) error {
	e.Output = job.TruncateOutput(e.Output)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}
	pipe := r.rdb.Pipeline()
	pipe.LPush(ctx, r.key("executions"), data)
	pipe.LTrim(ctx, r.key("executions"), 0, maxRedisExecutions-1)
	_, err = pipe.Exec(ctx)
	return storeErr("record job execution", err)
}

func (r *RedisStore) RecentExecutions(ctx context.Context, jobID string, limit int) ([]job.Execution, error) {
	limit = defaultLimit(limit)
	raw, err := r.rdb.LRange(ctx, r.key("executions"), 0, -1).Result()
	if err != nil {
		return nil, storeErr("get recent executions", err)
	}
	var out []job.Execution
	for _, item := range raw {
		var e job.Execution
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		if jobID != "" && e.JobID != jobID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func jobFromHash(h map[string]string) (*job.Job, int64, error) {
	attempts, err := strconv.Atoi(h["attempts"])
	if err != nil {
		return nil, 0, fmt.Errorf("invalid attempts %q: %w", h["attempts"], err)
	}
	maxRetries, err := strconv.Atoi(h["max_retries"])
	if err != nil {
		return nil, 0, fmt.Errorf("invalid max_retries %q: %w", h["max_retries"], err)
	}
	nextRunAt, err := strconv.ParseInt(h["next_run_at"], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid next_run_at %q: %w", h["next_run_at"], err)
	}
	seq, _ := strconv.ParseInt(h["seq"], 10, 64)

	j := &job.Job{
		ID:         h["id"],
		Command:    h["command"],
		State:      job.State(h["state"]),
		Attempts:   attempts,
		MaxRetries: maxRetries,
		NextRunAt:  fromMillis(nextRunAt),
		LastError:  h["last_error"],
	}
	if j.CreatedAt, err = parseTime(h["created_at"]); err != nil {
		return nil, 0, fmt.Errorf("invalid created_at %q: %w", h["created_at"], err)
	}
	if j.UpdatedAt, err = parseTime(h["updated_at"]); err != nil {
		return nil, 0, fmt.Errorf("invalid updated_at %q: %w", h["updated_at"], err)
	}
	return j, seq, nil
}
