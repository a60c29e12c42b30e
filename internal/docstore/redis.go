package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okonek/go-media-pipeline/internal/model"
)

// transitionScript is the conditional status write: HSET the new status and
// any extra fields only while the current status still equals the expected
// one. Runs atomically server-side, which is the compare-and-swap the whole
// coordination design leans on.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= ARGV[1] then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

// RedisStore implements Store on Redis hashes.
type RedisStore struct {
	client        *redis.Client
	invocationTTL time.Duration
}

// NewRedisStore creates a document store client. invocationTTL bounds how
// long an async invocation record awaits its result; results arriving later
// are treated as idempotent no-ops.
func NewRedisStore(client *redis.Client, invocationTTL time.Duration) *RedisStore {
	if invocationTTL <= 0 {
		invocationTTL = 24 * time.Hour
	}
	return &RedisStore{client: client, invocationTTL: invocationTTL}
}

func jobKey(id string) string        { return "job:" + id }
func completionKey(id string) string { return "completions:" + id }
func lockKey(id string) string       { return "reassembly:" + id }
func invocationKey(loc string) string {
	return "invocation:" + loc
}

func (s *RedisStore) CreateJob(ctx context.Context, job *model.Job) error {
	key := jobKey(job.ID)
	// created_at doubles as the existence marker; job ids are fresh UUIDs
	// so a lost race here means a duplicate create call, which we reject.
	created, err := s.client.HSetNX(ctx, key, "created_at", job.CreatedAt.UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if !created {
		return fmt.Errorf("create job %s: %w", job.ID, ErrConditionFailed)
	}

	fields := map[string]interface{}{
		"job_id":         job.ID,
		"mode":           job.Mode,
		"status":         string(job.Status),
		"total_segments": job.TotalSegments,
		"source_key":     job.SourceKey,
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	values, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return jobFromHash(id, values)
}

func jobFromHash(id string, values map[string]string) (*model.Job, error) {
	job := &model.Job{
		ID:           id,
		Mode:         values["mode"],
		Status:       model.Status(values["status"]),
		SourceKey:    values["source_key"],
		ArtifactKey:  values["artifact_key"],
		ErrorMessage: values["error"],
	}
	if v := values["total_segments"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("job %s: bad total_segments %q", id, v)
		}
		job.TotalSegments = n
	}
	if v := values["created_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("job %s: bad created_at %q", id, v)
		}
		job.CreatedAt = t
	}
	if v := values["completed_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("job %s: bad completed_at %q", id, v)
		}
		job.CompletedAt = &t
	}
	return job, nil
}

func (s *RedisStore) TransitionJob(ctx context.Context, id string, actor model.Actor, from, to model.Status, fields map[string]string) error {
	if !model.CanTransition(from, actor, to) {
		return fmt.Errorf("%s cannot move job %s from %s to %s: %w", actor, id, from, to, ErrIllegalTransition)
	}

	argv := []interface{}{string(from), "status", string(to)}
	for k, v := range fields {
		argv = append(argv, k, v)
	}

	res, err := transitionScript.Run(ctx, s.client, []string{jobKey(id)}, argv...).Int()
	if err != nil {
		return fmt.Errorf("transition job %s: %w", id, err)
	}
	if res == 0 {
		return fmt.Errorf("job %s not in %s: %w", id, from, ErrConditionFailed)
	}
	return nil
}

func (s *RedisStore) RecordCompletion(ctx context.Context, c model.SegmentCompletion) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	// Field name is the zero-padded index: the write is idempotent and
	// HLEN counts distinct segments, duplicates included for free.
	field := fmt.Sprintf("%05d", c.Index)
	if err := s.client.HSet(ctx, completionKey(c.JobID), field, data).Err(); err != nil {
		return fmt.Errorf("record completion %s/%d: %w", c.JobID, c.Index, err)
	}
	return nil
}

func (s *RedisStore) CountCompletions(ctx context.Context, jobID string) (int, error) {
	n, err := s.client.HLen(ctx, completionKey(jobID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count completions %s: %w", jobID, err)
	}
	return int(n), nil
}

func (s *RedisStore) ListCompletions(ctx context.Context, jobID string) ([]model.SegmentCompletion, error) {
	values, err := s.client.HGetAll(ctx, completionKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list completions %s: %w", jobID, err)
	}
	completions := make([]model.SegmentCompletion, 0, len(values))
	for field, raw := range values {
		var c model.SegmentCompletion
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("completion %s/%s: %w", jobID, field, err)
		}
		completions = append(completions, c)
	}
	sort.Slice(completions, func(i, j int) bool { return completions[i].Index < completions[j].Index })
	return completions, nil
}

func (s *RedisStore) AcquireTrigger(ctx context.Context, jobID string) (bool, error) {
	won, err := s.client.HSetNX(ctx, lockKey(jobID), "triggered_at", now()).Result()
	if err != nil {
		return false, fmt.Errorf("acquire trigger %s: %w", jobID, err)
	}
	return won, nil
}

func (s *RedisStore) AcquireStart(ctx context.Context, jobID string) (bool, error) {
	won, err := s.client.HSetNX(ctx, lockKey(jobID), "started_at", now()).Result()
	if err != nil {
		return false, fmt.Errorf("acquire start %s: %w", jobID, err)
	}
	return won, nil
}

func (s *RedisStore) PutInvocation(ctx context.Context, outputLocation string, rec model.InvocationRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal invocation: %w", err)
	}
	created, err := s.client.SetNX(ctx, invocationKey(outputLocation), data, s.invocationTTL).Result()
	if err != nil {
		return false, fmt.Errorf("put invocation %s: %w", outputLocation, err)
	}
	return created, nil
}

func (s *RedisStore) ClaimInvocation(ctx context.Context, outputLocation string) (model.InvocationRecord, bool, error) {
	raw, err := s.client.GetDel(ctx, invocationKey(outputLocation)).Result()
	if err != nil {
		if err == redis.Nil {
			return model.InvocationRecord{}, false, nil
		}
		return model.InvocationRecord{}, false, fmt.Errorf("claim invocation %s: %w", outputLocation, err)
	}
	var rec model.InvocationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return model.InvocationRecord{}, false, fmt.Errorf("invocation %s: %w", outputLocation, err)
	}
	return rec, true, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

var _ Store = (*RedisStore)(nil)
