package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"ensaigpt/internal/apperr"
)

// Searches run in two phases: matching conversation ids are collected from
// messages, then the conversations are fetched in listing order. No match is
// an empty slice.

func (s *Store) SearchByKeyword(ctx context.Context, userID int64, keyword string) ([]Conversation, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, apperr.Validation("keyword is required")
	}
	return s.search(ctx, userID, s.keywordCond(keyword))
}

func (s *Store) SearchByDate(ctx context.Context, userID int64, day time.Time) ([]Conversation, error) {
	return s.search(ctx, userID, dayCond(day))
}

func (s *Store) SearchByKeywordAndDate(ctx context.Context, userID int64, keyword string, day time.Time) ([]Conversation, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, apperr.Validation("keyword is required")
	}
	return s.search(ctx, userID, sq.And{s.keywordCond(keyword), dayCond(day)})
}

func (s *Store) search(ctx context.Context, userID int64, cond sq.Sqlizer) ([]Conversation, error) {
	ids, err := s.matchingConversationIDs(ctx, userID, cond)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Conversation{}, nil
	}
	return s.listConversations(ctx, userID, ids, 0)
}

func (s *Store) matchingConversationIDs(ctx context.Context, userID int64, cond sq.Sqlizer) ([]int64, error) {
	q := s.sql.Select("DISTINCT m.conversation_id").
		From("messages m").
		Join("conversations_participants cp ON cp.conversation_id = m.conversation_id").
		Where(sq.Eq{"cp.utilisateur_id": userID}).
		Where(cond)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build search query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return ids, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// keywordCond is a case-insensitive substring match. % and _ in the keyword
// are matched literally.
func (s *Store) keywordCond(keyword string) sq.Sqlizer {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(keyword)) + "%"
	if s.driver == "postgres" {
		return sq.Expr(`m.contenu ILIKE ? ESCAPE '\'`, pattern)
	}
	return sq.Expr(`ulower(m.contenu) LIKE ? ESCAPE '\'`, pattern)
}

// dayCond matches the UTC calendar day containing day.
func dayCond(day time.Time) sq.Sqlizer {
	start := DayStart(day)
	return sq.And{
		sq.GtOrEq{"m.cree_le": start},
		sq.Lt{"m.cree_le": start.Add(24 * time.Hour)},
	}
}

func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
