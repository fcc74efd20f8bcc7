package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ConversationsCreated prometheus.Counter
	MessagesStored       *prometheus.CounterVec
	LLMRequests          prometheus.Counter
	LLMFailures          prometheus.Counter
	RateLimited          prometheus.Counter
	CLIErrors            prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ConversationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ensaigpt",
				Name:      "conversations_created_total",
				Help:      "Total conversations created",
			}),
			MessagesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ensaigpt",
				Name:      "messages_stored_total",
				Help:      "Total messages appended, by role",
			}, []string{"role"}),
			LLMRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ensaigpt",
				Name:      "llm_requests_total",
				Help:      "Total generation requests sent to the LLM backend",
			}),
			LLMFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ensaigpt",
				Name:      "llm_failures_total",
				Help:      "Total generation requests answered with a synthetic error reply",
			}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ensaigpt",
				Name:      "rate_limited_total",
				Help:      "Total generation requests refused by the hourly limit",
			}),
			CLIErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ensaigpt",
				Name:      "cli_unexpected_errors_total",
				Help:      "Total unexpected errors caught by the menu loop",
			}),
		}
		prometheus.MustRegister(
			global.ConversationsCreated,
			global.MessagesStored,
			global.LLMRequests,
			global.LLMFailures,
			global.RateLimited,
			global.CLIErrors,
		)
	})
	return global
}
