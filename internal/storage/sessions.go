package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"ensaigpt/internal/apperr"
)

func (s *Store) OpenSession(ctx context.Context, userID int64) (Session, error) {
	sess := Session{UserID: userID, ConnectedAt: s.timestamp()}
	q := s.sql.Insert("sessions").
		Columns("user_id", "connexion").
		Values(sess.UserID, sess.ConnectedAt).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("build open session query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&sess.ID); err != nil {
		return Session{}, fmt.Errorf("open session: %w", err)
	}
	return sess, nil
}

// CloseSession stamps the disconnection time of an open session.
func (s *Store) CloseSession(ctx context.Context, id int64) error {
	q := s.sql.Update("sessions").
		Set("deconnexion", s.timestamp()).
		Where(sq.Eq{"id": id, "deconnexion": nil})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build close session query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close session rows: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("open session %d not found", id)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, userID int64) ([]Session, error) {
	q := s.sql.Select("id", "user_id", "connexion", "deconnexion").
		From("sessions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("connexion ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		var sess Session
		var closed sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.ConnectedAt, &closed); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.ConnectedAt = sess.ConnectedAt.UTC()
		if closed.Valid {
			t := closed.Time.UTC()
			sess.DisconnectedAt = &t
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}
