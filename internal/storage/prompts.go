package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"ensaigpt/internal/apperr"
)

func (s *Store) CreatePrompt(ctx context.Context, p Prompt) (Prompt, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Prompt{}, apperr.Validation("prompt name is required")
	}
	if strings.TrimSpace(p.Content) == "" {
		return Prompt{}, apperr.Validation("prompt content is required")
	}
	if p.Version <= 0 {
		p.Version = 1
	}
	if _, err := s.GetPromptByName(ctx, p.Name); err == nil {
		return Prompt{}, apperr.Conflict("prompt %q already exists", p.Name)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return Prompt{}, err
	}

	q := s.sql.Insert("prompts").
		Columns("nom", "contenu", "version").
		Values(p.Name, p.Content, p.Version).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Prompt{}, fmt.Errorf("build create prompt query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&p.ID); err != nil {
		return Prompt{}, fmt.Errorf("create prompt: %w", err)
	}
	return p, nil
}

func (s *Store) GetPromptByName(ctx context.Context, name string) (Prompt, error) {
	return s.getPrompt(ctx, s.db, sq.Eq{"nom": strings.TrimSpace(name)})
}

func (s *Store) GetPromptByID(ctx context.Context, id int64) (Prompt, error) {
	return s.getPrompt(ctx, s.db, sq.Eq{"id": id})
}

func (s *Store) ListPrompts(ctx context.Context) ([]Prompt, error) {
	q := s.sql.Select("id", "nom", "contenu", "version").
		From("prompts").
		OrderBy("nom ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list prompts query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	out := make([]Prompt, 0)
	for rows.Next() {
		var p Prompt
		if err := rows.Scan(&p.ID, &p.Name, &p.Content, &p.Version); err != nil {
			return nil, fmt.Errorf("scan prompt row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompt rows: %w", err)
	}
	return out, nil
}

// ResolvePrompt turns a personalization reference into a prompt id. Blank
// means no personalization; a positive integer is checked as an id; anything
// else is looked up by name.
func (s *Store) ResolvePrompt(ctx context.Context, ref string) (*int64, error) {
	return s.resolvePrompt(ctx, s.db, ref)
}

func (s *Store) resolvePrompt(ctx context.Context, r runner, ref string) (*int64, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}

	where := sq.Eq{"nom": ref}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		where = sq.Eq{"id": id}
	}
	p, err := s.getPrompt(ctx, r, where)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Validation("prompt %q not found", ref)
		}
		return nil, err
	}
	return &p.ID, nil
}

func (s *Store) getPrompt(ctx context.Context, r runner, where sq.Sqlizer) (Prompt, error) {
	q := s.sql.Select("id", "nom", "contenu", "version").
		From("prompts").
		Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Prompt{}, fmt.Errorf("build get prompt query: %w", err)
	}
	var p Prompt
	if err := r.QueryRowContext(ctx, sqlStr, args...).Scan(&p.ID, &p.Name, &p.Content, &p.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Prompt{}, apperr.NotFound("prompt not found")
		}
		return Prompt{}, fmt.Errorf("get prompt: %w", err)
	}
	return p, nil
}
