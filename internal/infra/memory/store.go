package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"circuit-trivia-bot/internal/app"
	"circuit-trivia-bot/internal/domain"
)

// Store is an in-memory implementation of app.Store for a single process.
type Store struct {
	mu          sync.RWMutex
	cred        *domain.Credential
	questions   map[string]domain.Question
	submissions map[string][]domain.Submission
}

func NewStore() *Store {
	return &Store{
		questions:   make(map[string]domain.Question),
		submissions: make(map[string][]domain.Submission),
	}
}

func (s *Store) SaveCredential(_ context.Context, cred domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &cred
	return nil
}

func (s *Store) GetCredential(_ context.Context) (domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return domain.Credential{}, domain.ErrCredentialNotFound
	}
	return *s.cred, nil
}

func (s *Store) AddQuestion(_ context.Context, q domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions[q.ID] = q
	return nil
}

func (s *Store) GetQuestion(_ context.Context, questionID string) (domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.questions[questionID]
	if !ok {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	return q, nil
}

func (s *Store) ExpireQuestion(_ context.Context, questionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[questionID]
	if !ok {
		return false, domain.ErrQuestionNotFound
	}
	if !q.Active() {
		return false, nil
	}
	q.Status = domain.StatusExpired
	s.questions[questionID] = q
	return true, nil
}

func (s *Store) ListQuestions(_ context.Context) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Question, 0, len(s.questions))
	for _, q := range s.questions {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CountQuestions(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.questions), nil
}

func (s *Store) HasSubmission(_ context.Context, questionID, submitterID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.findLocked(questionID, submitterID)
	return ok, nil
}

// AddSubmission checks and inserts under one lock, so the active and duplicate checks are atomic.
func (s *Store) AddSubmission(_ context.Context, sub domain.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[sub.QuestionID]
	if !ok || !q.Active() {
		return domain.ErrQuestionExpired
	}
	if _, dup := s.findLocked(sub.QuestionID, sub.SubmitterID); dup {
		return domain.ErrDuplicateSubmission
	}
	s.submissions[sub.QuestionID] = append(s.submissions[sub.QuestionID], sub)
	return nil
}

func (s *Store) ListSubmissions(_ context.Context, questionID string) ([]domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]domain.Submission(nil), s.submissions[questionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *Store) AllSubmissions(_ context.Context) ([]domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Submission
	for _, subs := range s.submissions {
		out = append(out, subs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *Store) Purge(_ context.Context, kind string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case app.KindCredential:
		if s.cred == nil {
			return 0, nil
		}
		s.cred = nil
		return 1, nil
	case app.KindQuestion:
		n := len(s.questions)
		s.questions = make(map[string]domain.Question)
		return n, nil
	case app.KindSubmission:
		n := 0
		for _, subs := range s.submissions {
			n += len(subs)
		}
		s.submissions = make(map[string][]domain.Submission)
		return n, nil
	default:
		return 0, fmt.Errorf("unknown record kind %q", kind)
	}
}

func (s *Store) findLocked(questionID, submitterID string) (domain.Submission, bool) {
	for _, sub := range s.submissions[questionID] {
		if sub.SubmitterID == submitterID {
			return sub, true
		}
	}
	return domain.Submission{}, false
}
