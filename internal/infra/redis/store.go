package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"circuit-trivia-bot/internal/app"
	"circuit-trivia-bot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Store is the Redis implementation of app.Store. Keys live under a namespace prefix:
//
//	{ns}:credential            STRING  credential JSON
//	{ns}:question:{id}         HASH    data (question JSON), status
//	{ns}:questions             ZSET    question ids scored by creation time
//	{ns}:submissions:{id}      HASH    submitterId -> submission JSON
type Store struct {
	client *redis.Client
	ns     string
}

func NewStore(client *redis.Client, namespace string) *Store {
	return &Store{client: client, ns: namespace}
}

// expireScript flips status only when it is still active: 1 transitioned, 0 already expired, -1 missing.
var expireScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st ~= 'active' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'expired')
return 1
`)

// submitScript inserts a submission if the question is active and the submitter has not
// answered yet: 1 inserted, 0 duplicate, -1 not active.
var submitScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'active' then return -1 end
return redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2])
`)

func (s *Store) SaveCredential(ctx context.Context, cred domain.Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.credentialKey(), raw, 0).Err()
}

func (s *Store) GetCredential(ctx context.Context) (domain.Credential, error) {
	raw, err := s.client.Get(ctx, s.credentialKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Credential{}, domain.ErrCredentialNotFound
	}
	if err != nil {
		return domain.Credential{}, err
	}
	var cred domain.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return domain.Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	return cred, nil
}

func (s *Store) AddQuestion(ctx context.Context, q domain.Question) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.questionKey(q.ID), "data", raw, "status", string(q.Status))
	pipe.ZAdd(ctx, s.questionsKey(), redis.Z{Score: float64(q.CreatedAt.UnixMilli()), Member: q.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetQuestion(ctx context.Context, questionID string) (domain.Question, error) {
	vals, err := s.client.HMGet(ctx, s.questionKey(questionID), "data", "status").Result()
	if err != nil {
		return domain.Question{}, err
	}
	return decodeQuestion(questionID, vals)
}

func (s *Store) ExpireQuestion(ctx context.Context, questionID string) (bool, error) {
	n, err := expireScript.Run(ctx, s.client, []string{s.questionKey(questionID)}).Int()
	if err != nil {
		return false, err
	}
	switch n {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, domain.ErrQuestionNotFound
	}
}

func (s *Store) ListQuestions(ctx context.Context) ([]domain.Question, error) {
	ids, err := s.client.ZRange(ctx, s.questionsKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.questionKey(id), "data", "status")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]domain.Question, 0, len(ids))
	for i, cmd := range cmds {
		q, err := decodeQuestion(ids[i], cmd.Val())
		if errors.Is(err, domain.ErrQuestionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (s *Store) CountQuestions(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.questionsKey()).Result()
	return int(n), err
}

func (s *Store) HasSubmission(ctx context.Context, questionID, submitterID string) (bool, error) {
	return s.client.HExists(ctx, s.submissionsKey(questionID), submitterID).Result()
}

func (s *Store) AddSubmission(ctx context.Context, sub domain.Submission) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	keys := []string{s.questionKey(sub.QuestionID), s.submissionsKey(sub.QuestionID)}
	n, err := submitScript.Run(ctx, s.client, keys, sub.SubmitterID, raw).Int()
	if err != nil {
		return err
	}
	switch n {
	case 1:
		return nil
	case 0:
		return domain.ErrDuplicateSubmission
	default:
		return domain.ErrQuestionExpired
	}
}

func (s *Store) ListSubmissions(ctx context.Context, questionID string) ([]domain.Submission, error) {
	vals, err := s.client.HVals(ctx, s.submissionsKey(questionID)).Result()
	if err != nil {
		return nil, err
	}
	subs, err := decodeSubmissions(vals)
	if err != nil {
		return nil, err
	}
	sortSubmissions(subs)
	return subs, nil
}

func (s *Store) AllSubmissions(ctx context.Context) ([]domain.Submission, error) {
	keys, err := s.scan(ctx, s.submissionsKey("*"))
	if err != nil {
		return nil, err
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HVals(ctx, key)
	}
	if len(keys) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}
	var all []domain.Submission
	for _, cmd := range cmds {
		subs, err := decodeSubmissions(cmd.Val())
		if err != nil {
			return nil, err
		}
		all = append(all, subs...)
	}
	sortSubmissions(all)
	return all, nil
}

func (s *Store) Purge(ctx context.Context, kind string) (int, error) {
	switch kind {
	case app.KindCredential:
		n, err := s.client.Del(ctx, s.credentialKey()).Result()
		return int(n), err
	case app.KindQuestion:
		keys, err := s.scan(ctx, s.questionKey("*"))
		if err != nil {
			return 0, err
		}
		if err := s.client.Del(ctx, append(keys, s.questionsKey())...).Err(); err != nil {
			return 0, err
		}
		return len(keys), nil
	case app.KindSubmission:
		keys, err := s.scan(ctx, s.submissionsKey("*"))
		if err != nil || len(keys) == 0 {
			return 0, err
		}
		total := 0
		for _, key := range keys {
			n, err := s.client.HLen(ctx, key).Result()
			if err != nil {
				return 0, err
			}
			total += int(n)
		}
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return 0, err
		}
		return total, nil
	default:
		return 0, fmt.Errorf("unknown record kind %q", kind)
	}
}

func (s *Store) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *Store) credentialKey() string { return s.ns + ":credential" }

func (s *Store) questionKey(id string) string { return s.ns + ":question:" + id }

func (s *Store) questionsKey() string { return s.ns + ":questions" }

func (s *Store) submissionsKey(id string) string { return s.ns + ":submissions:" + id }

func decodeQuestion(id string, vals []interface{}) (domain.Question, error) {
	if len(vals) != 2 || vals[0] == nil {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	data, _ := vals[0].(string)
	var q domain.Question
	if err := json.Unmarshal([]byte(data), &q); err != nil {
		return domain.Question{}, fmt.Errorf("decode question %s: %w", id, err)
	}
	if status, ok := vals[1].(string); ok {
		q.Status = domain.QuestionStatus(status)
	}
	return q, nil
}

func decodeSubmissions(vals []string) ([]domain.Submission, error) {
	subs := make([]domain.Submission, 0, len(vals))
	for _, v := range vals {
		var sub domain.Submission
		if err := json.Unmarshal([]byte(v), &sub); err != nil {
			return nil, fmt.Errorf("decode submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func sortSubmissions(subs []domain.Submission) {
	sort.SliceStable(subs, func(i, j int) bool {
		if !subs[i].SubmittedAt.Equal(subs[j].SubmittedAt) {
			return subs[i].SubmittedAt.Before(subs[j].SubmittedAt)
		}
		return subs[i].SubmitterID < subs[j].SubmitterID
	})
}
