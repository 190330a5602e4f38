package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"circuit-trivia-bot/internal/domain"
	"circuit-trivia-bot/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultAnswerWindow = 20 * time.Second
	DefaultGrace        = time.Second
	// DefaultLookupBatch is how many user ids one user lookup call may carry.
	DefaultLookupBatch  = 6
	DefaultCloseTimeout = 30 * time.Second
)

// EngineConfig carries the round timing.
type EngineConfig struct {
	AnswerWindow time.Duration
	// Grace is waited after expiry before tallying so that submissions which passed the
	// active check just before expiry have landed. It is a best-effort bound only.
	Grace       time.Duration
	LookupBatch int
	// CloseTimeout bounds one close. A close outlives the scheduler's context so that
	// shutdown never leaves a round expired without its result.
	CloseTimeout time.Duration
}

// Engine runs question rounds: posting, accepting answers and closing.
type Engine struct {
	store    Store
	chat     ChatClient
	provider QuestionProvider
	sched    Scheduler
	events   EventPublisher
	logger   *zap.Logger
	cfg      EngineConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewEngine(store Store, chat ChatClient, provider QuestionProvider, sched Scheduler, cfg EngineConfig, logger *zap.Logger) *Engine {
	if cfg.AnswerWindow <= 0 {
		cfg.AnswerWindow = DefaultAnswerWindow
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.LookupBatch <= 0 {
		cfg.LookupBatch = DefaultLookupBatch
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		chat:     chat,
		provider: provider,
		sched:    sched,
		events:   nopPublisher{},
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepContext,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithEvents attaches a live feed publisher.
func (e *Engine) WithEvents(p EventPublisher) *Engine {
	if p != nil {
		e.events = p
	}
	return e
}

// WithClock is test-only for deterministic timestamps and an instant grace period.
func (e *Engine) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Engine {
	e.now = now
	e.sleep = sleep
	return e
}

// WithRand is test-only for deterministic shuffles and category picks.
func (e *Engine) WithRand(r *rand.Rand) *Engine {
	e.rnd = r
	return e
}

// AnswerWindow reports the configured answer window.
func (e *Engine) AnswerWindow() time.Duration {
	return e.cfg.AnswerWindow
}

// PostQuestion fetches a question, posts it as a form and opens the answer window.
// The close is handed to the scheduler; PostQuestion returns once the round is open.
func (e *Engine) PostQuestion(ctx context.Context, cred domain.Credential, convID, parentID string, filters domain.Filters) (domain.Question, error) {
	log := e.logger.With(zap.String("conv_id", convID), zap.String("parent_id", parentID))

	categoryID := e.categoryID(filters.Category)
	tq, err := e.provider.RandomQuestion(ctx, strings.ToLower(filters.Difficulty), categoryID)
	if err != nil {
		return domain.Question{}, fmt.Errorf("fetch question: %w", err)
	}

	choices := append([]string{tq.CorrectAnswer}, tq.IncorrectAnswers...)
	e.rndMu.Lock()
	Shuffle(e.rnd, choices)
	e.rndMu.Unlock()

	form := domain.QuestionForm{Question: tq.Text, Choices: choices}.Form()
	content := questionIntro(tq.Difficulty, tq.Category) + "<br>" +
		fmt.Sprintf("You have %d seconds to answer.", int(e.cfg.AnswerWindow/time.Second))

	item, err := e.chat.PostMessage(ctx, cred, convID, parentID, domain.Message{Content: content, Form: &form})
	if err != nil {
		return domain.Question{}, fmt.Errorf("post question: %w", err)
	}
	if item.ConversationID == "" {
		item.ConversationID = convID
	}

	now := e.now()
	q := domain.Question{
		ID:               item.ItemID,
		ConversationID:   item.ConversationID,
		Category:         tq.Category,
		Difficulty:       tq.Difficulty,
		Text:             tq.Text,
		CorrectAnswer:    tq.CorrectAnswer,
		IncorrectAnswers: tq.IncorrectAnswers,
		Status:           domain.StatusActive,
		CreatedAt:        now,
	}
	if err := e.store.AddQuestion(ctx, q); err != nil {
		return domain.Question{}, fmt.Errorf("store question %s: %w", q.ID, err)
	}
	if err := e.sched.Schedule(ctx, q.ID, now.Add(e.cfg.AnswerWindow)); err != nil {
		return domain.Question{}, fmt.Errorf("schedule close of %s: %w", q.ID, err)
	}

	metrics.QuestionsPosted.Inc()
	log.Info("question posted", zap.String("question_id", q.ID), zap.String("category", q.Category), zap.String("difficulty", q.Difficulty))
	e.publish(ctx, domain.RoundEvent{
		Type:           domain.EventQuestionPosted,
		QuestionID:     q.ID,
		ConversationID: q.ConversationID,
		Question:       q.Text,
		At:             now,
	})
	return q, nil
}

// SubmitAnswer records a user's answer while the question is active.
// The displayed counter and the submission record are written concurrently; only a
// failed record write fails the call.
func (e *Engine) SubmitAnswer(ctx context.Context, cred domain.Credential, questionID, submitterID, value string) (domain.Submission, error) {
	log := e.logger.With(zap.String("question_id", questionID), zap.String("submitter_id", submitterID))

	q, err := e.store.GetQuestion(ctx, questionID)
	if errors.Is(err, domain.ErrQuestionNotFound) {
		metrics.Submissions.WithLabelValues("expired").Inc()
		return domain.Submission{}, domain.ErrQuestionExpired
	}
	if err != nil {
		metrics.Submissions.WithLabelValues("error").Inc()
		return domain.Submission{}, fmt.Errorf("load question: %w", err)
	}
	if !q.Active() {
		metrics.Submissions.WithLabelValues("expired").Inc()
		return domain.Submission{}, domain.ErrQuestionExpired
	}

	submitted, err := e.store.HasSubmission(ctx, questionID, submitterID)
	if err != nil {
		metrics.Submissions.WithLabelValues("error").Inc()
		return domain.Submission{}, fmt.Errorf("check submission: %w", err)
	}
	if submitted {
		metrics.Submissions.WithLabelValues("duplicate").Inc()
		return domain.Submission{}, domain.ErrDuplicateSubmission
	}

	sub := domain.Submission{
		QuestionID:  questionID,
		SubmitterID: submitterID,
		Value:       value,
		Correct:     value == q.CorrectAnswer,
		SubmittedAt: e.now(),
	}

	var (
		g     errgroup.Group
		count int
	)
	// The counter is display only. It is bumped even when the record write below
	// loses a race, so it may run ahead of the accepted submissions.
	g.Go(func() error {
		n, err := e.bumpCounter(ctx, cred, questionID)
		if err != nil {
			log.Warn("submission counter not updated", zap.Error(err))
			return nil
		}
		count = n
		return nil
	})
	g.Go(func() error {
		return e.store.AddSubmission(ctx, sub)
	})
	if err := g.Wait(); err != nil {
		switch {
		case errors.Is(err, domain.ErrDuplicateSubmission):
			metrics.Submissions.WithLabelValues("duplicate").Inc()
		case errors.Is(err, domain.ErrQuestionExpired):
			metrics.Submissions.WithLabelValues("expired").Inc()
		default:
			metrics.Submissions.WithLabelValues("error").Inc()
		}
		return domain.Submission{}, err
	}

	metrics.Submissions.WithLabelValues("accepted").Inc()
	log.Info("submission recorded", zap.Bool("correct", sub.Correct))
	e.publish(ctx, domain.RoundEvent{
		Type:           domain.EventAnswerCounted,
		QuestionID:     questionID,
		ConversationID: q.ConversationID,
		Submissions:    count,
		At:             sub.SubmittedAt,
	})
	return sub, nil
}

func (e *Engine) bumpCounter(ctx context.Context, cred domain.Credential, questionID string) (int, error) {
	item, err := e.chat.GetMessage(ctx, cred, questionID)
	if err != nil {
		return 0, fmt.Errorf("get message: %w", err)
	}
	form, err := domain.ParseForm(item.FormMetaData)
	if err != nil {
		return 0, err
	}
	n, err := form.IncrementSubmissions()
	if err != nil {
		return 0, err
	}
	if err := e.chat.UpdateMessage(ctx, cred, item.ConversationID, questionID, domain.Message{Form: &form}); err != nil {
		return 0, fmt.Errorf("update message: %w", err)
	}
	return n, nil
}

// CloseRound expires the question, waits the grace period, tallies the winners and
// rewrites the posted message with the result. Closing an already expired round returns
// domain.ErrRoundClosed without side effects.
func (e *Engine) CloseRound(ctx context.Context, questionID string) (domain.RoundResult, error) {
	start := e.now()
	q, err := e.store.GetQuestion(ctx, questionID)
	if err != nil {
		return domain.RoundResult{}, fmt.Errorf("load question: %w", err)
	}
	transitioned, err := e.store.ExpireQuestion(ctx, questionID)
	if err != nil {
		return domain.RoundResult{}, fmt.Errorf("expire question: %w", err)
	}
	if !transitioned {
		return domain.RoundResult{QuestionID: questionID}, domain.ErrRoundClosed
	}

	if err := e.sleep(ctx, e.cfg.Grace); err != nil {
		return domain.RoundResult{}, err
	}

	cred, err := e.store.GetCredential(ctx)
	if err != nil {
		return domain.RoundResult{}, fmt.Errorf("load credential: %w", err)
	}
	subs, err := e.store.ListSubmissions(ctx, questionID)
	if err != nil {
		return domain.RoundResult{}, fmt.Errorf("list submissions: %w", err)
	}

	res := domain.RoundResult{
		QuestionID:      questionID,
		SubmissionCount: len(subs),
		Winners:         Winners(subs),
	}
	if len(res.Winners) > 0 {
		names, err := ResolveNames(ctx, e.chat, cred, res.Winners, e.cfg.LookupBatch)
		if err != nil {
			return domain.RoundResult{}, fmt.Errorf("resolve winner names: %w", err)
		}
		for _, id := range res.Winners {
			res.WinnerNames = append(res.WinnerNames, names.Name(id))
		}
	}

	res.Message = resultText(res)
	content := questionIntro(q.Difficulty, q.Category) + "<br>Time's up."
	form := domain.ResultForm(q.Text, q.CorrectAnswer, res.Message)
	if err := e.chat.UpdateMessage(ctx, cred, q.ConversationID, q.ID, domain.Message{Content: content, Form: &form}); err != nil {
		return domain.RoundResult{}, fmt.Errorf("post result: %w", err)
	}

	metrics.RoundsClosed.WithLabelValues(resultLabel(res)).Inc()
	metrics.RoundCloseDuration.Observe(e.now().Sub(start).Seconds())
	e.logger.Info("round closed",
		zap.String("question_id", questionID),
		zap.Int("submissions", res.SubmissionCount),
		zap.Strings("winners", res.Winners))
	e.publish(ctx, domain.RoundEvent{
		Type:           domain.EventRoundClosed,
		QuestionID:     questionID,
		ConversationID: q.ConversationID,
		Submissions:    res.SubmissionCount,
		Winners:        res.WinnerNames,
		At:             e.now(),
	})
	return res, nil
}

// RescheduleActive hands every active question back to the scheduler, due at the end
// of its answer window. Overdue rounds are due immediately. It runs at startup so that
// rounds pending when the previous process stopped are still closed.
func (e *Engine) RescheduleActive(ctx context.Context) (int, error) {
	qs, err := e.store.ListQuestions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list questions: %w", err)
	}
	n := 0
	for _, q := range qs {
		if !q.Active() {
			continue
		}
		if err := e.sched.Schedule(ctx, q.ID, q.CreatedAt.Add(e.cfg.AnswerWindow)); err != nil {
			return n, fmt.Errorf("schedule close of %s: %w", q.ID, err)
		}
		n++
	}
	if n > 0 {
		e.logger.Info("rescheduled active rounds", zap.Int("count", n))
	}
	return n, nil
}

// CloseDue is the scheduler callback. Failures are logged and reported into the conversation.
// The close is detached from ctx cancellation and bounded by the close timeout.
func (e *Engine) CloseDue(ctx context.Context, questionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CloseTimeout)
	defer cancel()

	_, err := e.CloseRound(ctx, questionID)
	if err == nil {
		return
	}
	log := e.logger.With(zap.String("question_id", questionID))
	if errors.Is(err, domain.ErrRoundClosed) {
		log.Info("round already closed")
		return
	}
	log.Error("close round failed", zap.Error(err))

	q, qerr := e.store.GetQuestion(ctx, questionID)
	cred, cerr := e.store.GetCredential(ctx)
	if qerr != nil || cerr != nil {
		return
	}
	msg := domain.Message{Content: "Error: " + err.Error()}
	if _, perr := e.chat.PostMessage(ctx, cred, q.ConversationID, q.ID, msg); perr != nil {
		log.Error("report close failure", zap.Error(perr))
	}
}

func (e *Engine) publish(ctx context.Context, ev domain.RoundEvent) {
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Debug("publish round event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// Winners returns the submitters with a correct answer in submission order.
func Winners(subs []domain.Submission) []string {
	winners := make([]string, 0, len(subs))
	for _, s := range subs {
		if s.Correct {
			winners = append(winners, s.SubmitterID)
		}
	}
	return winners
}

// Shuffle permutes s in place (Fisher-Yates).
func Shuffle(r *rand.Rand, s []string) {
	for i := len(s) - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}

func questionIntro(difficulty, category string) string {
	article := "a <b>" + difficulty + "</b>"
	if difficulty == "easy" {
		article = "an <b>easy</b>"
	}
	return fmt.Sprintf("Here is %s question of category <b>%s</b>.", article, category)
}

func resultText(res domain.RoundResult) string {
	switch {
	case res.SubmissionCount == 0:
		return "Sorry you are out of time. Try again."
	case len(res.WinnerNames) > 0:
		return "Correct answers from: <b>" + strings.Join(res.WinnerNames, ", ") + "</b>"
	default:
		return "No correct answers submitted &#128542"
	}
}

func resultLabel(res domain.RoundResult) string {
	switch {
	case res.SubmissionCount == 0:
		return "no_submissions"
	case len(res.Winners) > 0:
		return "winners"
	default:
		return "no_winners"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
