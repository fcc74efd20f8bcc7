// Package stats builds per-user usage summaries. Nothing here is persisted;
// a Statistics value is rebuilt on demand.
package stats

import (
	"context"
	"fmt"
	"time"
)

type Statistics struct {
	Conversations int
	Messages      int
	UsageHours    float64
	Topics        *TopicCounter
}

func New() Statistics {
	return Statistics{Topics: NewTopicCounter()}
}

// Merge adds other into s: numbers are summed and topic counts combined.
func (s *Statistics) Merge(other Statistics) {
	s.Conversations += other.Conversations
	s.Messages += other.Messages
	s.UsageHours += other.UsageHours
	if other.Topics == nil {
		return
	}
	if s.Topics == nil {
		s.Topics = NewTopicCounter()
	}
	s.Topics.Merge(other.Topics)
}

func (s Statistics) TopTopics(k int) []Topic {
	return s.Topics.Top(k)
}

// Span is one connection session; End is nil while it is still open.
type Span struct {
	Start time.Time
	End   *time.Time
}

// UsageHours sums closed spans and counts open ones up to now.
func UsageHours(spans []Span, now time.Time) float64 {
	var total time.Duration
	for _, sp := range spans {
		end := now
		if sp.End != nil {
			end = *sp.End
		}
		if d := end.Sub(sp.Start); d > 0 {
			total += d
		}
	}
	return total.Hours()
}

type Source interface {
	CountConversations(ctx context.Context, userID int64) (int, error)
	CountMessages(ctx context.Context, userID int64) (int, error)
	ConversationTitles(ctx context.Context, userID int64) ([]string, error)
	SessionSpans(ctx context.Context, userID int64) ([]Span, error)
}

type Aggregator struct {
	src Source
	now func() time.Time
}

func NewAggregator(src Source, now func() time.Time) *Aggregator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Aggregator{src: src, now: now}
}

func (a *Aggregator) Build(ctx context.Context, userID int64) (Statistics, error) {
	out := New()

	var err error
	if out.Conversations, err = a.src.CountConversations(ctx, userID); err != nil {
		return Statistics{}, fmt.Errorf("count conversations: %w", err)
	}
	if out.Messages, err = a.src.CountMessages(ctx, userID); err != nil {
		return Statistics{}, fmt.Errorf("count messages: %w", err)
	}

	titles, err := a.src.ConversationTitles(ctx, userID)
	if err != nil {
		return Statistics{}, fmt.Errorf("conversation titles: %w", err)
	}
	for _, t := range titles {
		out.Topics.AddTitle(t)
	}

	spans, err := a.src.SessionSpans(ctx, userID)
	if err != nil {
		return Statistics{}, fmt.Errorf("session spans: %w", err)
	}
	out.UsageHours = UsageHours(spans, a.now())
	return out, nil
}
