// Package conversation validates user input and orchestrates the repository
// and the LLM gateway for everything that happens inside a conversation.
package conversation

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"ensaigpt/internal/apperr"
	"ensaigpt/internal/crypto"
	"ensaigpt/internal/llm"
	"ensaigpt/internal/metrics"
	"ensaigpt/internal/ratelimit"
	"ensaigpt/internal/storage"
)

// Generator produces an assistant reply for a history. *llm.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, history []llm.Message, p llm.Params) llm.Reply
}

type Service struct {
	store   *storage.Store
	llm     Generator
	limiter *ratelimit.Limiter
	sealer  *crypto.Sealer
	params  llm.Params
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Config struct {
	Store *storage.Store
	LLM   Generator
	// Limiter is optional; nil disables the hourly cap.
	Limiter *ratelimit.Limiter
	// Sealer is optional; nil writes exports in clear.
	Sealer  *crypto.Sealer
	Params  llm.Params
	Now     func() time.Time
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func New(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:   cfg.Store,
		llm:     cfg.LLM,
		limiter: cfg.Limiter,
		sealer:  cfg.Sealer,
		params:  cfg.Params,
		now:     cfg.Now,
		logger:  cfg.Logger,
		metrics: m,
	}
}

// Params returns the generation parameters configured at startup.
func (s *Service) Params() llm.Params {
	return s.params
}

// Criteria selects conversations by message content and/or message day.
// Both empty means the plain listing.
type Criteria struct {
	Keyword string
	Date    *time.Time
}

func (s *Service) Create(ctx context.Context, ownerID int64, title, personalization string) (storage.Conversation, error) {
	if err := requireID(ownerID, "user id"); err != nil {
		return storage.Conversation{}, err
	}
	title, err := cleanTitle(title)
	if err != nil {
		return storage.Conversation{}, err
	}

	conv, err := s.store.CreateConversation(ctx, storage.NewConversation{
		Title:           title,
		Personalization: personalization,
		OwnerID:         ownerID,
	})
	if err != nil {
		return storage.Conversation{}, err
	}
	s.metrics.ConversationsCreated.Inc()
	s.logger.Info().Int64("conversation_id", conv.ID).Int64("user_id", ownerID).Msg("conversation created")
	return conv, nil
}

// Get returns the conversation with its participants. The feed is loaded
// separately through ReadFeed.
func (s *Service) Get(ctx context.Context, id int64) (storage.Conversation, error) {
	if err := requireID(id, "conversation id"); err != nil {
		return storage.Conversation{}, err
	}
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return storage.Conversation{}, err
	}
	if conv.Participants, err = s.store.ListParticipants(ctx, id); err != nil {
		return storage.Conversation{}, err
	}
	return conv, nil
}

func (s *Service) Rename(ctx context.Context, id int64, title string) error {
	if err := requireID(id, "conversation id"); err != nil {
		return err
	}
	title, err := cleanTitle(title)
	if err != nil {
		return err
	}
	_, err = s.store.RenameConversation(ctx, id, title)
	return err
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := requireID(id, "conversation id"); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Int64("conversation_id", id).Msg("conversation deleted")
	return nil
}

// List returns the user's conversations, most recently active first.
// limit 0 means no cap.
func (s *Service) List(ctx context.Context, userID int64, limit int) ([]storage.Conversation, error) {
	if err := requireID(userID, "user id"); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, apperr.Validation("limit must be positive")
	}
	convs, err := s.store.ListConversationsForUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []storage.Conversation{}
	}
	return convs, nil
}

func (s *Service) Search(ctx context.Context, userID int64, c Criteria) ([]storage.Conversation, error) {
	if err := requireID(userID, "user id"); err != nil {
		return nil, err
	}
	keyword := strings.TrimSpace(c.Keyword)

	var (
		convs []storage.Conversation
		err   error
	)
	switch {
	case keyword != "" && c.Date != nil:
		convs, err = s.store.SearchByKeywordAndDate(ctx, userID, keyword, *c.Date)
	case keyword != "":
		convs, err = s.store.SearchByKeyword(ctx, userID, keyword)
	case c.Date != nil:
		convs, err = s.store.SearchByDate(ctx, userID, *c.Date)
	default:
		return s.List(ctx, userID, 0)
	}
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []storage.Conversation{}
	}
	return convs, nil
}

// ReadFeed pages through the feed oldest first. The repository has no offset,
// so limit+offset rows are fetched and sliced here.
func (s *Service) ReadFeed(ctx context.Context, conversationID int64, offset, limit int) ([]storage.Exchange, error) {
	if err := requireID(conversationID, "conversation id"); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, apperr.Validation("offset must not be negative")
	}
	if limit <= 0 {
		return nil, apperr.Validation("limit must be positive")
	}
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.store.ListMessages(ctx, conversationID, limit+offset)
	if err != nil {
		return nil, err
	}
	if offset >= len(rows) {
		return []storage.Exchange{}, nil
	}
	return rows[offset:], nil
}

// AddParticipant invites the user with the given handle.
func (s *Service) AddParticipant(ctx context.Context, conversationID int64, handle, role string) (storage.Participant, error) {
	if err := requireID(conversationID, "conversation id"); err != nil {
		return storage.Participant{}, err
	}
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return storage.Participant{}, apperr.Validation("handle is required")
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = storage.ParticipantMember
	}
	if role != storage.ParticipantMember && role != storage.ParticipantOwner {
		return storage.Participant{}, apperr.Validation("role must be %q or %q", storage.ParticipantOwner, storage.ParticipantMember)
	}

	u, err := s.store.GetUserByHandle(ctx, handle)
	if err != nil {
		return storage.Participant{}, err
	}
	p, err := s.store.AddParticipant(ctx, conversationID, u.ID, role)
	if err != nil {
		return storage.Participant{}, err
	}
	p.Handle = u.Handle
	return p, nil
}

func (s *Service) RemoveParticipant(ctx context.Context, conversationID, userID int64) error {
	if err := requireID(conversationID, "conversation id"); err != nil {
		return err
	}
	if err := requireID(userID, "user id"); err != nil {
		return err
	}
	return s.store.RemoveParticipant(ctx, conversationID, userID)
}

func (s *Service) Participants(ctx context.Context, conversationID int64) ([]storage.Participant, error) {
	if err := requireID(conversationID, "conversation id"); err != nil {
		return nil, err
	}
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListParticipants(ctx, conversationID)
}

// SetPersonalization attaches a prompt by name or id. A blank ref clears it.
func (s *Service) SetPersonalization(ctx context.Context, conversationID int64, ref string) error {
	if err := requireID(conversationID, "conversation id"); err != nil {
		return err
	}
	promptID, err := s.store.ResolvePrompt(ctx, ref)
	if err != nil {
		return err
	}
	return s.store.UpdatePersonalization(ctx, conversationID, promptID)
}

func (s *Service) Prompts(ctx context.Context) ([]storage.Prompt, error) {
	return s.store.ListPrompts(ctx)
}

func requireID(id int64, label string) error {
	if id <= 0 {
		return apperr.Validation("%s is required", label)
	}
	return nil
}

func cleanTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", apperr.Validation("title is required")
	}
	if utf8.RuneCountInString(title) > storage.MaxTitleLength {
		return "", apperr.Validation("title must be at most %d characters", storage.MaxTitleLength)
	}
	return title, nil
}
