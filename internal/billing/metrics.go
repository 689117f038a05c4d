package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the billing collectors.
//
// Account ids stay out of the label sets: they are unbounded, and
// per-account numbers are served by the Tracker API instead.
type Metrics struct {
	// Turns counts metered assistant turns.
	// Labels: model, estimated (true|false)
	Turns *prometheus.CounterVec

	// Tokens counts tokens by kind.
	// Labels: model, kind (prompt|completion|cache_read|cache_write)
	Tokens *prometheus.CounterVec

	// Cost accumulates spend in USD.
	// Labels: model
	Cost *prometheus.CounterVec

	// Duplicates counts usage records dropped by idempotency.
	Duplicates prometheus.Counter

	// CreditDenials counts CheckCredits refusals.
	CreditDenials prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg. A nil
// reg leaves them unregistered. Register a metric set at most once per
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_billing_turns_total",
				Help: "Metered assistant turns by model",
			},
			[]string{"model", "estimated"},
		),
		Tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_billing_tokens_total",
				Help: "Tokens metered by model and kind",
			},
			[]string{"model", "kind"},
		),
		Cost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_billing_cost_usd_total",
				Help: "Estimated spend in US dollars by model",
			},
			[]string{"model"},
		),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_billing_duplicate_records_total",
			Help: "Usage records dropped because the message id was already metered",
		}),
		CreditDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "weft_billing_credit_denials_total",
			Help: "Iterations refused because an account exceeded its budget",
		}),
	}
}
