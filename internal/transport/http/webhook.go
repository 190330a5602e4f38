package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"circuit-trivia-bot/internal/domain"
	"circuit-trivia-bot/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Webhook event types sent by the chat platform.
const (
	EventAddItem        = "CONVERSATION.ADD_ITEM"
	EventSubmitFormData = "USER.SUBMIT_FORM_DATA"
)

const maxBodyBytes = 1 << 20

// EventHandler reacts to decoded webhook events.
type EventHandler interface {
	HandleAddItem(ctx context.Context, cred domain.Credential, ev domain.ItemEvent) error
	HandleSubmit(ctx context.Context, cred domain.Credential, fs domain.FormSubmission) (domain.Submission, error)
}

// CredentialSource yields the bot credential for the namespace.
type CredentialSource interface {
	GetCredential(ctx context.Context) (domain.Credential, error)
}

type WebhookHandler struct {
	events EventHandler
	creds  CredentialSource
	logger *zap.Logger
}

func NewWebhookHandler(events EventHandler, creds CredentialSource, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{events: events, creds: creds, logger: logger}
}

type webhookBody struct {
	Type           string                 `json:"type"`
	Item           *domain.ItemEvent      `json:"item,omitempty"`
	SubmitFormData *domain.FormSubmission `json:"submitFormData,omitempty"`
}

// ServeHTTP accepts every webhook event type on one endpoint.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "")
}

// Only returns a handler for the legacy split endpoints that accept a single event type.
// Other types are rejected with "Incorrect type".
func (h *WebhookHandler) Only(eventType string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, eventType)
	})
}

func (h *WebhookHandler) serve(w http.ResponseWriter, r *http.Request, only string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body webhookBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		metrics.WebhookEvents.WithLabelValues("invalid", "rejected").Inc()
		http.Error(w, "invalid webhook payload", http.StatusBadRequest)
		return
	}

	log := h.logger.With(zap.String("request_id", uuid.NewString()), zap.String("type", body.Type))
	if only != "" && body.Type != only {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		log.Info("webhook type not served here", zap.String("accepts", only))
		http.Error(w, "Incorrect type", http.StatusInternalServerError)
		return
	}
	switch body.Type {
	case EventAddItem:
		h.addItem(r.Context(), w, body.Item, log)
	case EventSubmitFormData:
		h.submitForm(r.Context(), w, body.SubmitFormData, log)
	default:
		metrics.WebhookEvents.WithLabelValues("unknown", "ignored").Inc()
		log.Info("unhandled webhook type")
		writeText(w, http.StatusOK, "Unhandled webhook type "+body.Type)
	}
}

func (h *WebhookHandler) addItem(ctx context.Context, w http.ResponseWriter, ev *domain.ItemEvent, log *zap.Logger) {
	if ev == nil {
		metrics.WebhookEvents.WithLabelValues("add_item", "rejected").Inc()
		http.Error(w, "missing item", http.StatusBadRequest)
		return
	}
	log = log.With(zap.String("item_id", ev.ItemID), zap.String("conv_id", ev.ConversationID))

	cred, err := h.creds.GetCredential(ctx)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("add_item", "error").Inc()
		log.Error("load credential", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.events.HandleAddItem(ctx, cred, *ev); err != nil {
		metrics.WebhookEvents.WithLabelValues("add_item", "error").Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	metrics.WebhookEvents.WithLabelValues("add_item", "ok").Inc()
	writeText(w, http.StatusOK, "OK")
}

func (h *WebhookHandler) submitForm(ctx context.Context, w http.ResponseWriter, fs *domain.FormSubmission, log *zap.Logger) {
	if fs == nil {
		metrics.WebhookEvents.WithLabelValues("submit_form", "rejected").Inc()
		http.Error(w, "missing submitFormData", http.StatusBadRequest)
		return
	}
	log = log.With(zap.String("item_id", fs.ItemID), zap.String("submitter_id", fs.SubmitterID))

	cred, err := h.creds.GetCredential(ctx)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("submit_form", "error").Inc()
		log.Error("load credential", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sub, err := h.events.HandleSubmit(ctx, cred, *fs)
	if err != nil {
		outcome, msg := submitError(err)
		metrics.WebhookEvents.WithLabelValues("submit_form", outcome).Inc()
		log.Info("submission rejected", zap.String("reason", msg), zap.Error(err))
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}
	metrics.WebhookEvents.WithLabelValues("submit_form", "ok").Inc()
	log.Debug("submission accepted", zap.Bool("correct", sub.Correct))
	writeText(w, http.StatusOK, "OK")
}

// submitError maps a submission failure to a metric outcome and the response text the platform shows.
func submitError(err error) (string, string) {
	switch {
	case errors.Is(err, domain.ErrFormMismatch):
		return "incorrect_form", "Incorrect form"
	case errors.Is(err, domain.ErrQuestionExpired):
		return "expired", "Question has expired"
	case errors.Is(err, domain.ErrDuplicateSubmission):
		return "duplicate", "Already submitted"
	default:
		return "error", err.Error()
	}
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
