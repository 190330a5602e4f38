// Package nlu classifies chat utterances into bot intents.
package nlu

import (
	"context"
	"fmt"

	"circuit-trivia-bot/internal/domain"
	dialogflow "cloud.google.com/go/dialogflow/apiv2"
	"cloud.google.com/go/dialogflow/apiv2/dialogflowpb"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultLanguage = "en-US"

// DialogflowConfig selects the agent and session handling.
type DialogflowConfig struct {
	ProjectID string
	Language  string
	// Session pins every request to one session. When empty each conversation gets its own.
	Session string
}

type detectFunc func(ctx context.Context, req *dialogflowpb.DetectIntentRequest) (*dialogflowpb.DetectIntentResponse, error)

// Dialogflow detects intents with a Dialogflow ES agent.
type Dialogflow struct {
	cfg    DialogflowConfig
	detect detectFunc
	close  func() error
	logger *zap.Logger
}

// NewDialogflow connects with application default credentials.
func NewDialogflow(ctx context.Context, cfg DialogflowConfig, logger *zap.Logger) (*Dialogflow, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("dialogflow project id not configured")
	}
	client, err := dialogflow.NewSessionsClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create dialogflow sessions client: %w", err)
	}
	d := newDialogflow(cfg, func(ctx context.Context, req *dialogflowpb.DetectIntentRequest) (*dialogflowpb.DetectIntentResponse, error) {
		return client.DetectIntent(ctx, req)
	}, logger)
	d.close = client.Close
	return d, nil
}

func newDialogflow(cfg DialogflowConfig, detect detectFunc, logger *zap.Logger) *Dialogflow {
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialogflow{cfg: cfg, detect: detect, close: func() error { return nil }, logger: logger}
}

func (d *Dialogflow) Close() error {
	return d.close()
}

func (d *Dialogflow) DetectIntent(ctx context.Context, text, sessionKey string) (domain.Intent, error) {
	req := &dialogflowpb.DetectIntentRequest{
		Session: d.sessionPath(sessionKey),
		QueryInput: &dialogflowpb.QueryInput{
			Input: &dialogflowpb.QueryInput_Text{
				Text: &dialogflowpb.TextInput{Text: text, LanguageCode: d.cfg.Language},
			},
		},
	}
	resp, err := d.detect(ctx, req)
	if err != nil {
		return domain.Intent{}, fmt.Errorf("dialogflow detect intent: %w", err)
	}

	qr := resp.GetQueryResult()
	intent := domain.Intent{
		QueryText:       qr.GetQueryText(),
		FulfillmentText: qr.GetFulfillmentText(),
		Name:            qr.GetIntent().GetDisplayName(),
	}
	if params := qr.GetParameters(); params != nil {
		intent.Parameters = params.AsMap()
	}
	d.logger.Debug("intent detected", zap.String("intent", intent.Name), zap.String("query", intent.QueryText))
	return intent, nil
}

func (d *Dialogflow) sessionPath(key string) string {
	session := d.cfg.Session
	if session == "" {
		session = SessionID(key)
	}
	return fmt.Sprintf("projects/%s/agent/sessions/%s", d.cfg.ProjectID, session)
}

// SessionID derives a stable session id from a conversation id.
func SessionID(convID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("circuit-trivia:"+convID)).String()
}
