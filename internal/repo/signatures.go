package repo

import (
	"context"
	"database/sql"
	"errors"

	"attestline/internal/domain"
)

const signatureColumns = `id,target_type,target_id,target_version,signer_id,signer_name,signer_email,signer_title,meaning,reason,content_hash,signed_at,time_source,auth_method,client_ip,user_agent,COALESCE(previous_signature_id,''),challenge_id,is_valid,COALESCE(invalidated_at,''),COALESCE(invalidated_by,''),COALESCE(invalidation_reason,''),created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignature(row rowScanner) (domain.Signature, error) {
	var (
		s       domain.Signature
		meaning string
		valid   int
	)
	err := row.Scan(&s.ID, &s.Target.Type, &s.Target.ID, &s.Target.Version, &s.Signer.ID, &s.Signer.Name, &s.Signer.Email, &s.Signer.Title,
		&meaning, &s.Reason, &s.ContentHash, &s.SignedAt, &s.TimeSource, &s.AuthMethod, &s.ClientIP, &s.UserAgent,
		&s.PreviousSignatureID, &s.ChallengeID, &valid, &s.InvalidatedAt, &s.InvalidatedBy, &s.InvalidationReason, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Signature{}, ErrNotFound
	}
	if err != nil {
		return domain.Signature{}, err
	}
	s.Meaning = domain.Meaning(meaning)
	s.IsValid = valid == 1
	return s, nil
}

func (r Repo) InsertSignature(ctx context.Context, tx *sql.Tx, s domain.Signature) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO signatures(id,target_type,target_id,target_version,signer_id,signer_name,signer_email,signer_title,meaning,reason,content_hash,signed_at,time_source,auth_method,client_ip,user_agent,previous_signature_id,challenge_id,is_valid,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Target.Type, s.Target.ID, s.Target.Version, s.Signer.ID, s.Signer.Name, s.Signer.Email, s.Signer.Title,
		string(s.Meaning), s.Reason, s.ContentHash, s.SignedAt, s.TimeSource, s.AuthMethod, s.ClientIP, s.UserAgent,
		nullable(s.PreviousSignatureID), s.ChallengeID, boolInt(s.IsValid), s.CreatedAt)
	return err
}

func (r Repo) GetSignature(ctx context.Context, tx *sql.Tx, id string) (domain.Signature, error) {
	return scanSignature(r.conn(tx).QueryRowContext(ctx, `SELECT `+signatureColumns+` FROM signatures WHERE id=?`, id))
}

// LatestValidSignature returns the most recent valid signature on the target.
func (r Repo) LatestValidSignature(ctx context.Context, tx *sql.Tx, target domain.TargetRef) (domain.Signature, error) {
	return scanSignature(r.conn(tx).QueryRowContext(ctx, `SELECT `+signatureColumns+` FROM signatures
WHERE target_type=? AND target_id=? AND is_valid=1 ORDER BY created_at DESC, rowid DESC LIMIT 1`, target.Type, target.ID))
}

// InvalidateSignature applies the one-way valid -> invalid transition and
// reports false when the signature was already invalid.
func (r Repo) InvalidateSignature(ctx context.Context, tx *sql.Tx, id, at, by, reason string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE signatures SET is_valid=0, invalidated_at=?, invalidated_by=?, invalidation_reason=? WHERE id=? AND is_valid=1`,
		at, by, reason, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ListSignaturesForTarget(ctx context.Context, target domain.TargetRef, includeInvalid bool) ([]domain.Signature, error) {
	query := `SELECT ` + signatureColumns + ` FROM signatures WHERE target_type=? AND target_id=?`
	args := []any{target.Type, target.ID}
	if target.Version != "" {
		query += ` AND target_version=?`
		args = append(args, target.Version)
	}
	if !includeInvalid {
		query += ` AND is_valid=1`
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Signature{}
	for rows.Next() {
		s, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountSignatures(ctx context.Context) (domain.SignatureCounts, error) {
	var c domain.SignatureCounts
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(is_valid),0) FROM signatures`).Scan(&c.Total, &c.Valid)
	c.Invalid = c.Total - c.Valid
	return c, err
}
