package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ensaigpt/internal/apperr"
	"ensaigpt/internal/llm"
	"ensaigpt/internal/storage"
)

// ErrRateLimited is wrapped by the error SendMessage returns when the user has
// used up the hourly generation budget.
var ErrRateLimited = errors.New("rate limit exceeded")

const emptyReplyText = "L'API n'a renvoyé aucun texte."

type SendResult struct {
	Question storage.Exchange
	Answer   storage.Exchange
	// Degraded is set when Answer describes a gateway failure.
	Degraded bool
}

// SendMessage stores the user's message, asks the gateway for a reply and
// stores that too. Gateway failures are stored and returned like any reply.
func (s *Service) SendMessage(ctx context.Context, conversationID, userID int64, content string, p llm.Params) (SendResult, error) {
	if err := requireID(conversationID, "conversation id"); err != nil {
		return SendResult{}, err
	}
	if err := requireID(userID, "user id"); err != nil {
		return SendResult{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return SendResult{}, apperr.Validation("message content is required")
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return SendResult{}, err
	}
	member, err := s.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return SendResult{}, err
	}
	if !member {
		return SendResult{}, apperr.Validation("you are not a participant of conversation %d", conversationID)
	}
	if err := s.checkRate(ctx, userID); err != nil {
		return SendResult{}, err
	}

	log := s.logger.With().Int64("conversation_id", conversationID).Int64("user_id", userID).Logger()

	question, err := s.store.AppendMessage(ctx, conversationID, storage.Exchange{
		UserID:  &userID,
		Role:    storage.RoleUser,
		Content: content,
	})
	if err != nil {
		return SendResult{}, err
	}
	s.metrics.MessagesStored.WithLabelValues(storage.RoleUser).Inc()

	history, err := s.history(ctx, conv)
	if err != nil {
		return SendResult{}, err
	}

	s.metrics.LLMRequests.Inc()
	reply := s.llm.Generate(ctx, history, p)
	if reply.Failed {
		s.metrics.LLMFailures.Inc()
		log.Warn().Int("status", reply.StatusCode).Msg("llm returned a degraded reply")
	}
	text := reply.Text
	if strings.TrimSpace(text) == "" {
		text = emptyReplyText
	}

	answer, err := s.store.AppendMessage(ctx, conversationID, storage.Exchange{
		Role:    storage.RoleAssistant,
		Content: text,
	})
	if err != nil {
		return SendResult{}, err
	}
	s.metrics.MessagesStored.WithLabelValues(storage.RoleAssistant).Inc()

	log.Debug().Int64("question_id", question.ID).Int64("answer_id", answer.ID).Msg("exchange stored")
	return SendResult{Question: question, Answer: answer, Degraded: reply.Failed}, nil
}

// history puts the personalization prompt first, then the whole feed.
func (s *Service) history(ctx context.Context, conv storage.Conversation) ([]llm.Message, error) {
	feed, err := s.store.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(feed)+1)
	if conv.PromptID != nil {
		prompt, err := s.store.GetPromptByID(ctx, *conv.PromptID)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(prompt.Content) != "" {
			out = append(out, llm.Message{Role: llm.RoleSystem, Content: prompt.Content})
		}
	}
	for _, e := range feed {
		out = append(out, llm.Message{Role: llm.MapRole(e.Role), Content: e.Content})
	}
	return out, nil
}

// checkRate lets the request through when the limiter itself fails.
func (s *Service) checkRate(ctx context.Context, userID int64) error {
	if s.limiter == nil {
		return nil
	}
	q, err := s.limiter.Reserve(ctx, userID, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return nil
	}
	if q.Allowed {
		return nil
	}
	s.metrics.RateLimited.Inc()
	return &apperr.Error{
		Kind: apperr.KindConflict,
		Msg:  fmt.Sprintf("limite de %d messages par heure atteinte, réessayez après %s", q.Limit, q.ResetAt.Format("15:04 UTC")),
		Err:  ErrRateLimited,
	}
}
