package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-video-transcoder/pkg/job"
)

// transitionScript sets the status field when the current value (or "" for
// a missing field) is one of ARGV[3..n]. It returns {applied, previous}.
var transitionScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
local cur = current or ''
for i = 3, #ARGV do
	if ARGV[i] == cur then
		redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
		return {1, cur}
	end
end
return {0, cur}
`)

// RedisStore keeps job statuses in hashes named job:<id>.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

func (s *RedisStore) Transition(ctx context.Context, jobID string, to job.Status) (Change, error) {
	args := []interface{}{strconv.Itoa(int(to)), s.now().UTC().Format(time.RFC3339Nano)}
	for _, from := range allowedFrom(to) {
		args = append(args, from)
	}
	res, err := transitionScript.Run(ctx, s.client, []string{jobKey(jobID)}, args...).Slice()
	if err != nil {
		return Change{}, fmt.Errorf("redis transition: %w", err)
	}
	if len(res) != 2 {
		return Change{}, fmt.Errorf("redis transition: unexpected reply %v", res)
	}
	applied, _ := res[0].(int64)
	prevRaw, _ := res[1].(string)
	change := Change{Applied: applied == 1}
	if prevRaw != "" {
		prev, err := job.ParseStatus(prevRaw)
		if err != nil {
			return Change{}, fmt.Errorf("redis transition: stored status: %w", err)
		}
		change.Previous = prev
		change.Existed = true
	}
	return change, nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (job.Status, bool, error) {
	raw, err := s.client.HGet(ctx, jobKey(jobID), "status").Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get status: %w", err)
	}
	st, err := job.ParseStatus(raw)
	if err != nil {
		return 0, false, fmt.Errorf("redis get status: %w", err)
	}
	return st, true, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// allowedFrom lists the stored values from which `to` may be reached, with
// "" standing for a missing record.
func allowedFrom(to job.Status) []string {
	var out []string
	if job.CanTransition(0, false, to) {
		out = append(out, "")
	}
	for _, from := range job.Statuses {
		if job.CanTransition(from, true, to) {
			out = append(out, strconv.Itoa(int(from)))
		}
	}
	return out
}
