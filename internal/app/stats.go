package app

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"circuit-trivia-bot/internal/domain"
)

// PercentagePolicy decides the accuracy shown for users without incorrect answers.
type PercentagePolicy int

const (
	// PerfectIsHundred reports 100 for users with no incorrect answers.
	PerfectIsHundred PercentagePolicy = iota
	// PerfectIsOne reproduces the historical output of 1 for those users.
	PerfectIsOne
)

// StatsStore is what the aggregator reads.
type StatsStore interface {
	AllSubmissions(ctx context.Context) ([]domain.Submission, error)
	CountQuestions(ctx context.Context) (int, error)
}

// Aggregator recomputes statistics from the stored records on every call.
type Aggregator struct {
	store  StatsStore
	chat   ChatClient
	policy PercentagePolicy
	batch  int
}

func NewAggregator(store StatsStore, chat ChatClient, policy PercentagePolicy, batch int) *Aggregator {
	if batch <= 0 {
		batch = DefaultLookupBatch
	}
	return &Aggregator{store: store, chat: chat, policy: policy, batch: batch}
}

// ComputeStats scans every submission and question and resolves submitter names.
func (a *Aggregator) ComputeStats(ctx context.Context, cred domain.Credential) (domain.Stats, error) {
	subs, err := a.store.AllSubmissions(ctx)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("list submissions: %w", err)
	}
	questions, err := a.store.CountQuestions(ctx)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("count questions: %w", err)
	}

	users := Tally(subs, a.policy)
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	names, err := ResolveNames(ctx, a.chat, cred, ids, a.batch)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("resolve names: %w", err)
	}
	for i := range users {
		users[i].DisplayName = names.Name(users[i].UserID)
	}

	return domain.Stats{
		QuestionCount:   questions,
		SubmissionCount: len(subs),
		Users:           users,
	}, nil
}

// Tally groups submissions by submitter and orders users by accuracy, best first.
// Users with equal accuracy keep ascending id order.
func Tally(subs []domain.Submission, policy PercentagePolicy) []domain.UserStats {
	byUser := make(map[string]*domain.UserStats)
	for _, s := range subs {
		u, ok := byUser[s.SubmitterID]
		if !ok {
			u = &domain.UserStats{UserID: s.SubmitterID}
			byUser[s.SubmitterID] = u
		}
		if s.Correct {
			u.Correct++
		} else {
			u.Incorrect++
		}
	}

	users := make([]domain.UserStats, 0, len(byUser))
	for _, u := range byUser {
		u.Percentage = Percentage(u.Correct, u.Incorrect, policy)
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Percentage != users[j].Percentage {
			return users[i].Percentage > users[j].Percentage
		}
		return users[i].UserID < users[j].UserID
	})
	return users
}

// Percentage is round(100*correct/(correct+incorrect)); see PercentagePolicy for the
// zero-incorrect case.
func Percentage(correct, incorrect int, policy PercentagePolicy) int {
	if incorrect == 0 {
		if policy == PerfectIsOne {
			return 1
		}
		return 100
	}
	return int(math.Round(100 * float64(correct) / float64(correct+incorrect)))
}

// FormatStats renders a report as message content.
func FormatStats(s domain.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total questions posted: <b>%d</b>", s.QuestionCount)
	fmt.Fprintf(&b, "<br>Total answers submitted: <b>%d</b>", s.SubmissionCount)
	if len(s.Users) > 0 {
		b.WriteString("<br><br>The percentages for correct answers are:<br><ol>")
		for _, u := range s.Users {
			fmt.Fprintf(&b, "<li>%s: %d%%</li>", u.DisplayName, u.Percentage)
		}
		b.WriteString("</ol>")
	}
	return b.String()
}
