package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trivia_webhook_events_total",
			Help: "Webhook events received by event type and outcome",
		},
		[]string{"type", "outcome"},
	)

	QuestionsPosted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trivia_questions_posted_total",
			Help: "Trivia questions posted to conversations",
		},
	)

	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trivia_submissions_total",
			Help: "Answer submissions by outcome (accepted, expired, duplicate, error)",
		},
		[]string{"outcome"},
	)

	RoundsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trivia_rounds_closed_total",
			Help: "Closed rounds by result (winners, no_winners, no_submissions)",
		},
		[]string{"result"},
	)

	RoundCloseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trivia_round_close_duration_seconds",
			Help:    "Time spent closing a round, grace period included",
			Buckets: prometheus.DefBuckets,
		},
	)

	Intents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trivia_intents_total",
			Help: "Classified intents handled by the router",
		},
		[]string{"intent"},
	)
)

// NewRegistry registers the runtime collectors and every trivia metric.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		WebhookEvents,
		QuestionsPosted,
		Submissions,
		RoundsClosed,
		RoundCloseDuration,
		Intents,
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
