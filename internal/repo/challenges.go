package repo

import (
	"context"
	"database/sql"
	"errors"

	"attestline/internal/domain"
)

const challengeColumns = `id,token_hash,user_id,meaning,target_type,target_id,target_version,content_hash,reason,created_at,expires_at,consumed,COALESCE(consumed_at,''),COALESCE(signature_id,'')`

func scanChallenge(row *sql.Row) (domain.Challenge, error) {
	var (
		c        domain.Challenge
		meaning  string
		consumed int
	)
	err := row.Scan(&c.ID, &c.TokenHash, &c.UserID, &meaning, &c.Target.Type, &c.Target.ID, &c.Target.Version,
		&c.ContentHash, &c.Reason, &c.CreatedAt, &c.ExpiresAt, &consumed, &c.ConsumedAt, &c.SignatureID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Challenge{}, ErrNotFound
	}
	if err != nil {
		return domain.Challenge{}, err
	}
	c.Meaning = domain.Meaning(meaning)
	c.Consumed = consumed == 1
	return c, nil
}

func (r Repo) InsertChallenge(ctx context.Context, tx *sql.Tx, c domain.Challenge) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO signature_challenges(id,token_hash,user_id,meaning,target_type,target_id,target_version,content_hash,reason,created_at,expires_at,consumed)
VALUES (?,?,?,?,?,?,?,?,?,?,?,0)`,
		c.ID, c.TokenHash, c.UserID, string(c.Meaning), c.Target.Type, c.Target.ID, c.Target.Version,
		c.ContentHash, c.Reason, c.CreatedAt, c.ExpiresAt)
	return err
}

func (r Repo) GetChallengeByTokenHash(ctx context.Context, tokenHash string) (domain.Challenge, error) {
	return scanChallenge(r.DB.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM signature_challenges WHERE token_hash=?`, tokenHash))
}

func (r Repo) GetChallenge(ctx context.Context, tx *sql.Tx, id string) (domain.Challenge, error) {
	return scanChallenge(r.conn(tx).QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM signature_challenges WHERE id=?`, id))
}

// ConsumeChallenge flips consumed 0 -> 1. It reports false when another
// completion already consumed the challenge.
func (r Repo) ConsumeChallenge(ctx context.Context, tx *sql.Tx, id, signatureID, at string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE signature_challenges SET consumed=1, consumed_at=?, signature_id=? WHERE id=? AND consumed=0`,
		at, signatureID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountChallenges classifies challenges against now.
func (r Repo) CountChallenges(ctx context.Context, now string) (domain.ChallengeCounts, error) {
	var c domain.ChallengeCounts
	err := r.DB.QueryRowContext(ctx, `SELECT
  COALESCE(SUM(CASE WHEN consumed=0 AND expires_at>=? THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN consumed=1 THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN consumed=0 AND expires_at<? THEN 1 ELSE 0 END),0)
FROM signature_challenges`, now, now).Scan(&c.Pending, &c.Consumed, &c.Expired)
	return c, err
}
