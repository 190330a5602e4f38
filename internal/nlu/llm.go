package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"circuit-trivia-bot/internal/domain"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// IntentSmallTalk names replies that are not one of the configured intents.
const IntentSmallTalk = "Small talk"

// LLMConfig points the classifier at an OpenAI compatible endpoint.
type LLMConfig struct {
	BaseURL string
	Model   string
	Token   string
}

// LLM classifies utterances by prompting a chat model for a JSON verdict.
type LLM struct {
	llm        llms.Model
	intents    []string
	categories []string
	logger     *zap.Logger
}

// NewLLM builds an OpenAI compatible classifier. intents and categories are the names the
// model may answer with.
func NewLLM(cfg LLMConfig, intents, categories []string, logger *zap.Logger) (*LLM, error) {
	var opts []openai.Option
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.Token != "" {
		opts = append(opts, openai.WithToken(cfg.Token))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI LLM: %w", err)
	}
	return newLLM(model, intents, categories, logger), nil
}

func newLLM(model llms.Model, intents, categories []string, logger *zap.Logger) *LLM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLM{llm: model, intents: intents, categories: categories, logger: logger}
}

type verdict struct {
	Intent     string `json:"intent"`
	Difficulty string `json:"difficulty"`
	Category   string `json:"category"`
	Reply      string `json:"reply"`
}

// DetectIntent ignores sessionKey; every utterance is classified on its own.
func (l *LLM) DetectIntent(ctx context.Context, text, _ string) (domain.Intent, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, l.prompt()),
		llms.TextParts(llms.ChatMessageTypeHuman, text),
	}
	resp, err := l.llm.GenerateContent(ctx, messages,
		llms.WithCandidateCount(1),
		llms.WithTemperature(0),
		llms.WithMaxTokens(200),
		llms.WithJSONMode())
	if err != nil {
		return domain.Intent{}, fmt.Errorf("llm classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.Intent{}, fmt.Errorf("llm classify: empty response")
	}

	v, err := parseVerdict(resp.Choices[0].Content)
	if err != nil {
		return domain.Intent{}, err
	}
	intent := domain.Intent{QueryText: text, FulfillmentText: v.Reply}
	switch {
	case l.known(v.Intent):
		intent.Name = v.Intent
	case v.Reply != "":
		intent.Name = IntentSmallTalk
	}
	params := map[string]any{}
	if v.Difficulty != "" {
		params["difficulty"] = v.Difficulty
	}
	if v.Category != "" {
		params["category"] = v.Category
	}
	intent.Parameters = params
	l.logger.Debug("intent detected", zap.String("intent", intent.Name), zap.String("query", text))
	return intent, nil
}

func (l *LLM) prompt() string {
	var b strings.Builder
	b.WriteString("You route chat messages sent to a trivia quiz bot. ")
	b.WriteString("Answer with a single JSON object with the keys intent, difficulty, category and reply.\n")
	b.WriteString("intent is one of: " + quoteAll(l.intents) + ", or \"\" when none applies.\n")
	b.WriteString("difficulty is one of \"easy\", \"medium\", \"hard\", or \"\" when not asked for.\n")
	b.WriteString("category is one of: " + quoteAll(l.categories) + ", or \"\" when not asked for.\n")
	b.WriteString("reply is a short friendly answer for greetings or help requests, otherwise \"\".")
	return b.String()
}

func (l *LLM) known(name string) bool {
	for _, i := range l.intents {
		if i == name {
			return true
		}
	}
	return false
}

// parseVerdict tolerates prose around the JSON object.
func parseVerdict(content string) (verdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return verdict{}, fmt.Errorf("llm classify: no JSON object in %q", content)
	}
	var v verdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return verdict{}, fmt.Errorf("llm classify: decode verdict: %w", err)
	}
	return v, nil
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = `"` + n + `"`
	}
	return strings.Join(quoted, ", ")
}
