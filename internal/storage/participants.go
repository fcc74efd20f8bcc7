package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"ensaigpt/internal/apperr"
)

func (s *Store) AddParticipant(ctx context.Context, conversationID, userID int64, role string) (Participant, error) {
	role = normalizeParticipantRole(role)
	var out Participant
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireConversation(ctx, tx, conversationID); err != nil {
			return err
		}
		if err := s.requireUser(ctx, tx, userID); err != nil {
			return err
		}
		member, err := s.isParticipant(ctx, tx, conversationID, userID)
		if err != nil {
			return err
		}
		if member {
			return apperr.Conflict("user %d already participates in conversation %d", userID, conversationID)
		}
		out, err = s.insertParticipant(ctx, tx, conversationID, userID, role)
		return err
	})
	if err != nil {
		return Participant{}, err
	}
	return out, nil
}

// RemoveParticipant refuses to leave a conversation without participants.
func (s *Store) RemoveParticipant(ctx context.Context, conversationID, userID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		member, err := s.isParticipant(ctx, tx, conversationID, userID)
		if err != nil {
			return err
		}
		if !member {
			return apperr.NotFound("user %d does not participate in conversation %d", userID, conversationID)
		}

		count, err := s.countParticipants(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if count <= 1 {
			return apperr.Conflict("conversation %d must keep at least one participant", conversationID)
		}

		q := s.sql.Delete("conversations_participants").
			Where(sq.Eq{"conversation_id": conversationID, "utilisateur_id": userID})
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build remove participant query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("remove participant: %w", err)
		}
		return nil
	})
}

func (s *Store) ListParticipants(ctx context.Context, conversationID int64) ([]Participant, error) {
	q := s.sql.Select("cp.id", "cp.conversation_id", "cp.utilisateur_id", "u.pseudo", "cp.role", "cp.rejoint_le").
		From("conversations_participants cp").
		Join("utilisateur u ON u.id = cp.utilisateur_id").
		Where(sq.Eq{"cp.conversation_id": conversationID}).
		OrderBy("cp.rejoint_le ASC", "cp.id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list participants query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	out := make([]Participant, 0)
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.UserID, &p.Handle, &p.Role, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		p.JoinedAt = p.JoinedAt.UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant rows: %w", err)
	}
	return out, nil
}

func (s *Store) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	return s.isParticipant(ctx, s.db, conversationID, userID)
}

func (s *Store) insertParticipant(ctx context.Context, r runner, conversationID, userID int64, role string) (Participant, error) {
	p := Participant{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		JoinedAt:       s.timestamp(),
	}
	q := s.sql.Insert("conversations_participants").
		Columns("conversation_id", "utilisateur_id", "role", "rejoint_le").
		Values(p.ConversationID, p.UserID, p.Role, p.JoinedAt).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Participant{}, fmt.Errorf("build add participant query: %w", err)
	}
	if err := r.QueryRowContext(ctx, sqlStr, args...).Scan(&p.ID); err != nil {
		return Participant{}, fmt.Errorf("add participant: %w", err)
	}
	return p, nil
}

func (s *Store) isParticipant(ctx context.Context, r runner, conversationID, userID int64) (bool, error) {
	q := s.sql.Select("COUNT(*)").
		From("conversations_participants").
		Where(sq.Eq{"conversation_id": conversationID, "utilisateur_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build participant check query: %w", err)
	}
	var n int
	if err := r.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return n > 0, nil
}

func (s *Store) countParticipants(ctx context.Context, r runner, conversationID int64) (int, error) {
	q := s.sql.Select("COUNT(*)").
		From("conversations_participants").
		Where(sq.Eq{"conversation_id": conversationID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count participants query: %w", err)
	}
	var n int
	if err := r.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return n, nil
}

func (s *Store) requireConversation(ctx context.Context, r runner, id int64) error {
	return s.requireRow(ctx, r, "conversations", id, "conversation")
}

func (s *Store) requireUser(ctx context.Context, r runner, id int64) error {
	return s.requireRow(ctx, r, "utilisateur", id, "user")
}

func (s *Store) requireRow(ctx context.Context, r runner, table string, id int64, label string) error {
	q := s.sql.Select("id").From(table).Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s lookup query: %w", label, err)
	}
	var found int64
	if err := r.QueryRowContext(ctx, sqlStr, args...).Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("%s %d not found", label, id)
		}
		return fmt.Errorf("lookup %s: %w", label, err)
	}
	return nil
}

func normalizeParticipantRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case ParticipantOwner, "proprietaire", "propriétaire":
		return ParticipantOwner
	default:
		return ParticipantMember
	}
}
