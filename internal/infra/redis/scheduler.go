package redis

import (
	"context"
	"strconv"
	"sync"
	"time"

	"circuit-trivia-bot/internal/app"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultLease        = time.Minute
)

// claimScript moves due rounds and rounds with a lapsed lease into the closing set,
// scored by the new lease expiry.
var claimScript = redis.NewScript(`
local claimed = {}
local seen = {}
for _, key in ipairs({KEYS[1], KEYS[2]}) do
	for _, id in ipairs(redis.call('ZRANGEBYSCORE', key, '-inf', ARGV[1])) do
		if not seen[id] then
			seen[id] = true
			table.insert(claimed, id)
		end
	end
end
for _, id in ipairs(claimed) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[2], id)
end
return claimed
`)

// Scheduler keeps pending round closes in a sorted set scored by due time, so they
// survive restarts and are shared by every instance. A due round is claimed by moving it
// to a closing set under a lease; it is removed once the close has run. A round whose
// instance died mid-close is claimed again when its lease lapses.
type Scheduler struct {
	client  *redis.Client
	key     string
	closing string
	poll    time.Duration
	lease   time.Duration
	clock   func() time.Time
	logger  *zap.Logger
}

func NewScheduler(client *redis.Client, namespace string, poll time.Duration, logger *zap.Logger) *Scheduler {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		client:  client,
		key:     namespace + ":closes",
		closing: namespace + ":closes:closing",
		poll:    poll,
		lease:   defaultLease,
		clock:   time.Now,
		logger:  logger,
	}
}

// WithLease sets how long a claimed round is reserved for the claiming instance.
// It should exceed the longest close.
func (s *Scheduler) WithLease(d time.Duration) *Scheduler {
	if d > 0 {
		s.lease = d
	}
	return s
}

func (s *Scheduler) Schedule(ctx context.Context, questionID string, at time.Time) error {
	return s.client.ZAdd(ctx, s.key, redis.Z{Score: float64(at.UnixMilli()), Member: questionID}).Err()
}

// Run polls for due rounds until ctx is cancelled and waits for running handlers.
func (s *Scheduler) Run(ctx context.Context, handler app.CloseFunc) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		for _, id := range s.claimDue(ctx) {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				handler(ctx, id)
				s.release(context.WithoutCancel(ctx), id)
			}(id)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Pending reports how many rounds are waiting to be closed.
func (s *Scheduler) Pending(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.key).Result()
	return int(n), err
}

func (s *Scheduler) claimDue(ctx context.Context) []string {
	now := s.clock()
	due := strconv.FormatInt(now.UnixMilli(), 10)
	until := now.Add(s.lease).UnixMilli()
	ids, err := claimScript.Run(ctx, s.client, []string{s.key, s.closing}, due, until).StringSlice()
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("claim due rounds", zap.Error(err))
		}
		return nil
	}
	return ids
}

func (s *Scheduler) release(ctx context.Context, questionID string) {
	if err := s.client.ZRem(ctx, s.closing, questionID).Err(); err != nil {
		s.logger.Warn("release claimed round", zap.String("question_id", questionID), zap.Error(err))
	}
}
