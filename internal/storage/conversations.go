package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	sq "github.com/Masterminds/squirrel"

	"ensaigpt/internal/apperr"
)

var conversationColumns = []string{"c.id", "c.titre", "c.prompt_id", "c.cree_le"}

func (s *Store) CreateConversation(ctx context.Context, in NewConversation) (Conversation, error) {
	title := strings.TrimSpace(in.Title)
	if err := validateTitle(title); err != nil {
		return Conversation{}, err
	}

	conv := Conversation{Title: title, CreatedAt: s.timestamp()}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		promptID, err := s.resolvePrompt(ctx, tx, in.Personalization)
		if err != nil {
			return err
		}
		conv.PromptID = promptID

		q := s.sql.Insert("conversations").
			Columns("titre", "prompt_id", "cree_le").
			Values(conv.Title, promptID, conv.CreatedAt).
			Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build create conversation query: %w", err)
		}
		if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&conv.ID); err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}

		if in.OwnerID > 0 {
			p, err := s.insertParticipant(ctx, tx, conv.ID, in.OwnerID, ParticipantOwner)
			if err != nil {
				return err
			}
			conv.Participants = []Participant{p}
		}
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	q := s.sql.Select(conversationColumns...).
		From("conversations c").
		Where(sq.Eq{"c.id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}

	c, err := scanConversation(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, apperr.NotFound("conversation %d not found", id)
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// RenameConversation returns the number of rows changed.
func (s *Store) RenameConversation(ctx context.Context, id int64, title string) (int64, error) {
	title = strings.TrimSpace(title)
	if err := validateTitle(title); err != nil {
		return 0, err
	}
	q := s.sql.Update("conversations").
		Set("titre", title).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build rename conversation query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("rename conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rename conversation rows: %w", err)
	}
	if n == 0 {
		return 0, apperr.NotFound("conversation %d not found", id)
	}
	return n, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id int64) error {
	q := s.sql.Delete("conversations").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete conversation query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete conversation rows: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("conversation %d not found", id)
	}
	return nil
}

// ListConversationsForUser orders by latest message, conversations without
// messages last. limit <= 0 means no cap.
func (s *Store) ListConversationsForUser(ctx context.Context, userID int64, limit int) ([]Conversation, error) {
	return s.listConversations(ctx, userID, nil, limit)
}

func (s *Store) listConversations(ctx context.Context, userID int64, ids []int64, limit int) ([]Conversation, error) {
	where := sq.And{sq.Eq{"cp.utilisateur_id": userID}}
	if ids != nil {
		where = append(where, sq.Eq{"c.id": ids})
	}
	q := s.sql.Select(conversationColumns...).
		From("conversations c").
		Join("conversations_participants cp ON cp.conversation_id = c.id").
		LeftJoin("messages m ON m.conversation_id = c.id").
		Where(where).
		GroupBy(conversationColumns...).
		OrderBy("MAX(m.cree_le) DESC NULLS LAST", "c.id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *Store) CountConversations(ctx context.Context, userID int64) (int, error) {
	convs, err := s.ListConversationsForUser(ctx, userID, 0)
	if err != nil {
		return 0, err
	}
	return len(convs), nil
}

// ConversationTitles returns the titles of every conversation the user takes
// part in, oldest first.
func (s *Store) ConversationTitles(ctx context.Context, userID int64) ([]string, error) {
	q := s.sql.Select("c.titre").
		From("conversations c").
		Join("conversations_participants cp ON cp.conversation_id = c.id").
		Where(sq.Eq{"cp.utilisateur_id": userID}).
		OrderBy("c.cree_le ASC", "c.id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build conversation titles query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversation titles: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, fmt.Errorf("scan title row: %w", err)
		}
		out = append(out, title)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate title rows: %w", err)
	}
	return out, nil
}

// UpdatePersonalization sets or clears (nil) the conversation prompt.
func (s *Store) UpdatePersonalization(ctx context.Context, conversationID int64, promptID *int64) error {
	if promptID != nil {
		if _, err := s.GetPromptByID(ctx, *promptID); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return apperr.Validation("prompt %d not found", *promptID)
			}
			return err
		}
	}
	q := s.sql.Update("conversations").
		Set("prompt_id", promptID).
		Where(sq.Eq{"id": conversationID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update personalization query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update personalization: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update personalization rows: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("conversation %d not found", conversationID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var promptID sql.NullInt64
	if err := row.Scan(&c.ID, &c.Title, &promptID, &c.CreatedAt); err != nil {
		return Conversation{}, err
	}
	if promptID.Valid {
		id := promptID.Int64
		c.PromptID = &id
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func validateTitle(title string) error {
	if title == "" {
		return apperr.Validation("title is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return apperr.Validation("title must be at most %d characters", MaxTitleLength)
	}
	return nil
}
