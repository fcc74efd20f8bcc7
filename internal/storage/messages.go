package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"ensaigpt/internal/apperr"
)

// AppendMessage stores one exchange. Role labels are normalized; ID and
// CreatedAt are filled from the database and the store clock.
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, e Exchange) (Exchange, error) {
	if strings.TrimSpace(e.Content) == "" {
		return Exchange{}, apperr.Validation("message content is required")
	}
	e.ConversationID = conversationID
	e.Role = NormalizeRole(e.Role)
	e.CreatedAt = s.timestamp()

	if err := s.requireConversation(ctx, s.db, conversationID); err != nil {
		return Exchange{}, err
	}

	q := s.sql.Insert("messages").
		Columns("conversation_id", "utilisateur_id", "emetteur", "contenu", "cree_le").
		Values(e.ConversationID, e.UserID, e.Role, e.Content, e.CreatedAt).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Exchange{}, fmt.Errorf("build append message query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&e.ID); err != nil {
		return Exchange{}, fmt.Errorf("append message: %w", err)
	}
	return e, nil
}

// ListMessages returns the feed oldest first. limit <= 0 returns everything.
func (s *Store) ListMessages(ctx context.Context, conversationID int64, limit int) ([]Exchange, error) {
	q := s.sql.Select("m.id", "m.conversation_id", "m.utilisateur_id", "m.emetteur", "m.contenu", "m.cree_le", "u.pseudo").
		From("messages m").
		LeftJoin("utilisateur u ON u.id = m.utilisateur_id").
		Where(sq.Eq{"m.conversation_id": conversationID}).
		OrderBy("m.cree_le ASC", "m.id ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Exchange, 0)
	for rows.Next() {
		var e Exchange
		var userID sql.NullInt64
		var author sql.NullString
		if err := rows.Scan(&e.ID, &e.ConversationID, &userID, &e.Role, &e.Content, &e.CreatedAt, &author); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if userID.Valid {
			id := userID.Int64
			e.UserID = &id
		}
		if author.Valid {
			name := author.String
			e.Author = &name
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// CountMessages counts every message in the conversations the user takes part in.
func (s *Store) CountMessages(ctx context.Context, userID int64) (int, error) {
	q := s.sql.Select("COUNT(m.id)").
		From("messages m").
		Join("conversations_participants cp ON cp.conversation_id = m.conversation_id").
		Where(sq.Eq{"cp.utilisateur_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count messages query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// NormalizeRole maps stored or localized sender labels onto system, user or
// assistant. Unknown labels are treated as user.
func NormalizeRole(label string) string {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "system", "systeme", "système":
		return RoleSystem
	case "assistant", "bot", "ia", "ai", "model", "modele", "modèle", "agent", "ensaigpt":
		return RoleAssistant
	default:
		return RoleUser
	}
}
