package app

import (
	"context"
	"fmt"

	"circuit-trivia-bot/internal/domain"
	"circuit-trivia-bot/internal/markup"
	"circuit-trivia-bot/internal/metrics"
	"go.uber.org/zap"
)

// Intent names produced by the classifier.
const (
	IntentNewQuestion = "New question"
	IntentShowStats   = "Show stats"
)

// Router turns chat events into engine actions.
type Router struct {
	engine     *Engine
	stats      *Aggregator
	chat       ChatClient
	classifier Classifier
	logger     *zap.Logger
}

func NewRouter(engine *Engine, stats *Aggregator, chat ChatClient, classifier Classifier, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{engine: engine, stats: stats, chat: chat, classifier: classifier, logger: logger}
}

// HandleAddItem reacts to a new chat item that mentions the bot. Failures are reported
// into the conversation as well as returned.
func (r *Router) HandleAddItem(ctx context.Context, cred domain.Credential, ev domain.ItemEvent) error {
	if ev.CreatorID == cred.UserID || ev.Text == nil || ev.Text.Content == "" {
		return nil
	}
	text, ok := markup.MentionedContent(ev.Text.Content, cred.UserID)
	if !ok {
		return nil
	}
	log := r.logger.With(zap.String("item_id", ev.ItemID), zap.String("conv_id", ev.ConversationID))

	if err := r.dispatch(ctx, cred, ev, text, log); err != nil {
		log.Error("handle item", zap.Error(err))
		if _, perr := r.chat.PostMessage(ctx, cred, ev.ConversationID, ev.ItemID, domain.Message{Content: "Error: " + err.Error()}); perr != nil {
			log.Error("report error", zap.Error(perr))
		}
		return err
	}
	return nil
}

func (r *Router) dispatch(ctx context.Context, cred domain.Credential, ev domain.ItemEvent, text string, log *zap.Logger) error {
	intent, err := r.classifier.DetectIntent(ctx, text, ev.ConversationID)
	if err != nil {
		return fmt.Errorf("detect intent: %w", err)
	}
	parent := ev.ThreadParent()

	switch intent.Name {
	case "":
		metrics.Intents.WithLabelValues("unmatched").Inc()
		log.Info("no intent matched", zap.String("query", intent.QueryText))
		return nil
	case IntentNewQuestion:
		metrics.Intents.WithLabelValues("new_question").Inc()
		_, err := r.engine.PostQuestion(ctx, cred, ev.ConversationID, parent, filtersFrom(intent.Parameters))
		return err
	case IntentShowStats:
		metrics.Intents.WithLabelValues("show_stats").Inc()
		stats, err := r.stats.ComputeStats(ctx, cred)
		if err != nil {
			return err
		}
		_, err = r.chat.PostMessage(ctx, cred, ev.ConversationID, parent, domain.Message{Content: FormatStats(stats)})
		return err
	default:
		metrics.Intents.WithLabelValues("fulfillment").Inc()
		if intent.FulfillmentText == "" {
			return nil
		}
		_, err := r.chat.PostMessage(ctx, cred, ev.ConversationID, parent, domain.Message{Content: intent.FulfillmentText})
		return err
	}
}

// HandleSubmit records the answer carried by a trivia form submission.
func (r *Router) HandleSubmit(ctx context.Context, cred domain.Credential, fs domain.FormSubmission) (domain.Submission, error) {
	if fs.FormID != domain.FormID {
		return domain.Submission{}, domain.ErrFormMismatch
	}
	return r.engine.SubmitAnswer(ctx, cred, fs.ItemID, fs.SubmitterID, submittedValue(fs.Data))
}

// submittedValue prefers the choices control and falls back to the first value.
func submittedValue(data []domain.FormValue) string {
	for _, v := range data {
		if v.Name == domain.RoleChoices {
			return v.Value
		}
	}
	if len(data) > 0 {
		return data[0].Value
	}
	return ""
}

func filtersFrom(params map[string]any) domain.Filters {
	str := func(key string) string {
		s, _ := params[key].(string)
		return s
	}
	return domain.Filters{Difficulty: str("difficulty"), Category: str("category")}
}
