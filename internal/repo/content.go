package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"attestline/internal/domain"
)

func (r Repo) UpsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	if !json.Valid(d.Body) {
		return domain.Invalid("document body must be valid JSON")
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO content_documents(target_type,target_id,title,version,body_json,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(target_type,target_id) DO UPDATE SET title=excluded.title, version=excluded.version, body_json=excluded.body_json, updated_at=excluded.updated_at`,
		d.Target.Type, d.Target.ID, d.Title, d.Target.Version, string(d.Body), d.UpdatedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, targetType, targetID string) (domain.Document, error) {
	var (
		d    domain.Document
		body string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT target_type,target_id,version,title,body_json,updated_at FROM content_documents WHERE target_type=? AND target_id=?`,
		targetType, targetID).Scan(&d.Target.Type, &d.Target.ID, &d.Target.Version, &d.Title, &body, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Document{}, fmt.Errorf("content %s/%s: %w", targetType, targetID, ErrNotFound)
	}
	if err != nil {
		return domain.Document{}, err
	}
	d.Body = json.RawMessage(body)
	return d, nil
}

// ContentStore resolves signature targets against content_documents.
type ContentStore struct {
	Repo Repo
}

// Resolve returns the current content of target. A target that names a
// version only resolves while that version is current.
func (s ContentStore) Resolve(ctx context.Context, target domain.TargetRef) (domain.Content, error) {
	d, err := s.Repo.GetDocument(ctx, target.Type, target.ID)
	if err != nil {
		return domain.Content{}, err
	}
	if target.Version != "" && d.Target.Version != target.Version {
		return domain.Content{}, fmt.Errorf("content %s: current version is %q: %w", target, d.Target.Version, ErrNotFound)
	}
	return domain.Content{Title: d.Title, Body: d.Body}, nil
}
