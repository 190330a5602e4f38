package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"circuit-trivia-bot/internal/app"
	"circuit-trivia-bot/internal/domain"
)

func TestStoreExpireOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	if err := store.AddQuestion(ctx, sampleQuestion("q1")); err != nil {
		t.Fatalf("add question: %v", err)
	}

	ok, err := store.ExpireQuestion(ctx, "q1")
	if err != nil || !ok {
		t.Fatalf("first expire: ok=%v err=%v", ok, err)
	}
	ok, err = store.ExpireQuestion(ctx, "q1")
	if err != nil || ok {
		t.Fatalf("second expire must not transition: ok=%v err=%v", ok, err)
	}
	q, _ := store.GetQuestion(ctx, "q1")
	if q.Status != domain.StatusExpired {
		t.Fatalf("expected expired, got %s", q.Status)
	}
	if _, err := store.ExpireQuestion(ctx, "missing"); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected ErrQuestionNotFound, got %v", err)
	}
}

func TestStoreAddSubmissionRules(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_ = store.AddQuestion(ctx, sampleQuestion("q1"))

	if err := store.AddSubmission(ctx, sampleSubmission("q1", "alice", 1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.AddSubmission(ctx, sampleSubmission("q1", "alice", 2)); !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := store.AddSubmission(ctx, sampleSubmission("missing", "alice", 1)); !errors.Is(err, domain.ErrQuestionExpired) {
		t.Fatalf("expected expired for unknown question, got %v", err)
	}

	_, _ = store.ExpireQuestion(ctx, "q1")
	if err := store.AddSubmission(ctx, sampleSubmission("q1", "bob", 3)); !errors.Is(err, domain.ErrQuestionExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if ok, _ := store.HasSubmission(ctx, "q1", "alice"); !ok {
		t.Fatalf("expected alice's submission")
	}
	if ok, _ := store.HasSubmission(ctx, "q1", "bob"); ok {
		t.Fatalf("bob must not be recorded")
	}
}

func TestStoreConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_ = store.AddQuestion(ctx, sampleQuestion("q1"))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.AddSubmission(ctx, sampleSubmission("q1", "alice", i)); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	subs, _ := store.ListSubmissions(ctx, "q1")
	if accepted != 1 || len(subs) != 1 {
		t.Fatalf("expected exactly one submission, accepted=%d stored=%d", accepted, len(subs))
	}
}

func TestStoreListSubmissionsOrdered(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_ = store.AddQuestion(ctx, sampleQuestion("q1"))
	_ = store.AddSubmission(ctx, sampleSubmission("q1", "carol", 3))
	_ = store.AddSubmission(ctx, sampleSubmission("q1", "alice", 1))
	_ = store.AddSubmission(ctx, sampleSubmission("q1", "bob", 2))

	subs, err := store.ListSubmissions(ctx, "q1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"alice", "bob", "carol"}
	for i, s := range subs {
		if s.SubmitterID != want[i] {
			t.Fatalf("position %d: want %s, got %s", i, want[i], s.SubmitterID)
		}
	}
}

func TestStorePurge(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_ = store.SaveCredential(ctx, sampleCredential())
	_ = store.AddQuestion(ctx, sampleQuestion("q1"))
	_ = store.AddQuestion(ctx, sampleQuestion("q2"))
	_ = store.AddSubmission(ctx, sampleSubmission("q1", "alice", 1))

	n, err := store.Purge(ctx, app.KindQuestion)
	if err != nil || n != 2 {
		t.Fatalf("purge questions: n=%d err=%v", n, err)
	}
	if c, _ := store.CountQuestions(ctx); c != 0 {
		t.Fatalf("expected no questions, got %d", c)
	}
	if n, _ := store.Purge(ctx, app.KindSubmission); n != 1 {
		t.Fatalf("purge submissions: n=%d", n)
	}
	if n, _ := store.Purge(ctx, app.KindCredential); n != 1 {
		t.Fatalf("purge credential: n=%d", n)
	}
	if _, err := store.GetCredential(ctx); !errors.Is(err, domain.ErrCredentialNotFound) {
		t.Fatalf("expected credential gone, got %v", err)
	}
	if _, err := store.Purge(ctx, "bogus"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func sampleQuestion(id string) domain.Question {
	return domain.Question{
		ID:               id,
		ConversationID:   "conv-1",
		Category:         "Science: Computers",
		Difficulty:       "easy",
		Text:             "What does CPU stand for?",
		CorrectAnswer:    "Central Processing Unit",
		IncorrectAnswers: []string{"Central Process Unit", "Computer Personal Unit", "Central Processor Unit"},
		Status:           domain.StatusActive,
		CreatedAt:        epoch,
	}
}

func sampleSubmission(questionID, submitter string, second int) domain.Submission {
	return domain.Submission{
		QuestionID:  questionID,
		SubmitterID: submitter,
		Value:       "Central Processing Unit",
		Correct:     true,
		SubmittedAt: epoch.Add(time.Duration(second) * time.Second),
	}
}
