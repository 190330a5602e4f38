package app_test

import (
	"context"
	"testing"
	"time"

	"circuit-trivia-bot/internal/app"
	"circuit-trivia-bot/internal/domain"
	"circuit-trivia-bot/internal/infra/memory"
	"github.com/google/go-cmp/cmp"
)

func sub(question, user string, correct bool, second int) domain.Submission {
	return domain.Submission{
		QuestionID:  question,
		SubmitterID: user,
		Correct:     correct,
		SubmittedAt: epoch.Add(time.Duration(second) * time.Second),
	}
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		name      string
		correct   int
		incorrect int
		policy    app.PercentagePolicy
		want      int
	}{
		{name: "three of four", correct: 3, incorrect: 1, want: 75},
		{name: "rounds half up", correct: 1, incorrect: 2, want: 33},
		{name: "two of three", correct: 2, incorrect: 1, want: 67},
		{name: "none correct", correct: 0, incorrect: 4, want: 0},
		{name: "perfect", correct: 5, incorrect: 0, want: 100},
		{name: "perfect legacy", correct: 5, incorrect: 0, policy: app.PerfectIsOne, want: 1},
		{name: "legacy only affects perfect", correct: 3, incorrect: 1, policy: app.PerfectIsOne, want: 75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := app.Percentage(tt.correct, tt.incorrect, tt.policy); got != tt.want {
				t.Fatalf("Percentage(%d, %d) = %d, want %d", tt.correct, tt.incorrect, got, tt.want)
			}
		})
	}
}

func TestTallyOrdersByAccuracy(t *testing.T) {
	subs := []domain.Submission{
		sub("q1", "bob", true, 1),
		sub("q2", "bob", true, 2),
		sub("q3", "bob", true, 3),
		sub("q4", "bob", false, 4),
		sub("q1", "carol", true, 5),
		sub("q1", "alice", false, 6),
		sub("q2", "dave", true, 7),
	}
	got := app.Tally(subs, app.PerfectIsHundred)
	want := []domain.UserStats{
		{UserID: "carol", Correct: 1, Percentage: 100},
		{UserID: "dave", Correct: 1, Percentage: 100},
		{UserID: "bob", Correct: 3, Incorrect: 1, Percentage: 75},
		{UserID: "alice", Incorrect: 1, Percentage: 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tally mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeAndFormatStats(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	chat := newFakeChat()
	chat.users = map[string]string{"bob": "Bob", "carol": "Carol"}

	for _, id := range []string{"q1", "q2", "q3", "q4", "q5"} {
		q := domain.Question{ID: id, ConversationID: "conv-1", Status: domain.StatusActive, CreatedAt: epoch}
		if err := store.AddQuestion(ctx, q); err != nil {
			t.Fatalf("add question: %v", err)
		}
	}
	for _, s := range []domain.Submission{
		sub("q1", "bob", true, 1),
		sub("q2", "bob", true, 2),
		sub("q3", "bob", true, 3),
		sub("q4", "bob", false, 4),
		sub("q1", "carol", true, 5),
	} {
		if err := store.AddSubmission(ctx, s); err != nil {
			t.Fatalf("add submission: %v", err)
		}
	}

	stats, err := app.NewAggregator(store, chat, app.PerfectIsHundred, 0).ComputeStats(ctx, bot)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	want := domain.Stats{
		QuestionCount:   5,
		SubmissionCount: 5,
		Users: []domain.UserStats{
			{UserID: "carol", DisplayName: "Carol", Correct: 1, Percentage: 100},
			{UserID: "bob", DisplayName: "Bob", Correct: 3, Incorrect: 1, Percentage: 75},
		},
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}

	wantText := "Total questions posted: <b>5</b>" +
		"<br>Total answers submitted: <b>5</b>" +
		"<br><br>The percentages for correct answers are:<br><ol>" +
		"<li>Carol: 100%</li><li>Bob: 75%</li></ol>"
	if diff := cmp.Diff(wantText, app.FormatStats(stats)); diff != "" {
		t.Fatalf("format mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatStatsWithoutAnswers(t *testing.T) {
	got := app.FormatStats(domain.Stats{QuestionCount: 2})
	want := "Total questions posted: <b>2</b><br>Total answers submitted: <b>0</b>"
	if got != want {
		t.Fatalf("unexpected format %q", got)
	}
}

func TestResolveNamesFallsBackToID(t *testing.T) {
	chat := newFakeChat()
	chat.users = map[string]string{"u1": "Alice"}
	names, err := app.ResolveNames(context.Background(), chat, bot, []string{"u1", "u2"}, 6)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if names.Name("u1") != "Alice" || names.Name("u2") != "u2" {
		t.Fatalf("unexpected names %v", names)
	}
}
