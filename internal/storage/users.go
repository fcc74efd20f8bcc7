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

func (s *Store) CreateUser(ctx context.Context, handle, passwordHash string) (User, error) {
	u := User{Handle: strings.TrimSpace(handle), PasswordHash: passwordHash}
	if u.Handle == "" || u.PasswordHash == "" {
		return User{}, apperr.Validation("handle and password are required")
	}
	if _, err := s.GetUserByHandle(ctx, u.Handle); err == nil {
		return User{}, apperr.Conflict("handle %q is already taken", u.Handle)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return User{}, err
	}

	q := s.sql.Insert("utilisateur").
		Columns("pseudo", "mdp").
		Values(u.Handle, u.PasswordHash).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build create user query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&u.ID); err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByHandle(ctx context.Context, handle string) (User, error) {
	return s.getUser(ctx, sq.Eq{"pseudo": strings.TrimSpace(handle)})
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (User, error) {
	return s.getUser(ctx, sq.Eq{"id": id})
}

func (s *Store) getUser(ctx context.Context, where sq.Sqlizer) (User, error) {
	q := s.sql.Select("id", "pseudo", "mdp").From("utilisateur").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get user query: %w", err)
	}
	var u User
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&u.ID, &u.Handle, &u.PasswordHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, apperr.NotFound("user not found")
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}
