package storage

import (
	"context"

	"ensaigpt/internal/stats"
)

// TopTopics ranks the tokens of the user's conversation titles.
func (s *Store) TopTopics(ctx context.Context, userID int64, k int) ([]TopicCount, error) {
	titles, err := s.ConversationTitles(ctx, userID)
	if err != nil {
		return nil, err
	}
	counter := stats.NewTopicCounter()
	for _, t := range titles {
		counter.AddTitle(t)
	}
	top := counter.Top(k)
	out := make([]TopicCount, 0, len(top))
	for _, t := range top {
		out = append(out, TopicCount{Topic: t.Name, Count: t.Count})
	}
	return out, nil
}

// SessionSpans exposes the session log in the shape the stats aggregator reads.
func (s *Store) SessionSpans(ctx context.Context, userID int64) ([]stats.Span, error) {
	sessions, err := s.ListSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]stats.Span, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, stats.Span{Start: sess.ConnectedAt, End: sess.DisconnectedAt})
	}
	return out, nil
}

var _ stats.Source = (*Store)(nil)
