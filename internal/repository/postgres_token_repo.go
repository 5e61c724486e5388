package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/ballotbox/internal/model"
)

// activeTokenIndex は有効トークンの部分一意インデックス名。
const activeTokenIndex = "uq_ia_tokens_active_user_poll"

// PostgresTokenRepo はPostgreSQLを使用した発行記録リポジトリ。
type PostgresTokenRepo struct {
	db *sql.DB
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// FindActive は(本人, 投票)の有効なトークンを取得する。見つからない場合はnilを返す。
func (r *PostgresTokenRepo) FindActive(ctx context.Context, stableID, pollID string) (*model.TokenRecord, error) {
	rec := &model.TokenRecord{}
	var tag sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_stable_id, poll_id, token_hash, tag, tier, scope, issued_at, expires_at, is_revoked
		 FROM ia_tokens
		 WHERE user_stable_id = $1 AND poll_id = $2 AND NOT is_revoked`,
		stableID, pollID,
	).Scan(&rec.ID, &rec.UserStableID, &rec.PollID, &rec.TokenHash, &tag, &rec.Tier,
		&rec.Scope, &rec.IssuedAt, &rec.ExpiresAt, &rec.IsRevoked)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active token: %w", err)
	}
	rec.Tag = nullStringValue(tag)
	return rec, nil
}

// Insert は発行記録を追加する。部分一意インデックスに違反した場合は ErrDuplicate を返す。
func (r *PostgresTokenRepo) Insert(ctx context.Context, rec *model.TokenRecord) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO ia_tokens (user_stable_id, poll_id, token_hash, tag, tier, scope, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		rec.UserStableID, rec.PollID, rec.TokenHash, rec.Tag, rec.Tier, rec.Scope, rec.IssuedAt, rec.ExpiresAt,
	).Scan(&rec.ID)
	if isUniqueViolation(err, activeTokenIndex) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// Revoke は有効なトークンを失効させる。
func (r *PostgresTokenRepo) Revoke(ctx context.Context, stableID, pollID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE ia_tokens SET is_revoked = TRUE, revoked_at = now()
		 WHERE user_stable_id = $1 AND poll_id = $2 AND NOT is_revoked`,
		stableID, pollID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// SealPoll はソルトの破棄とタグの消去を同一トランザクションで行う。
func (r *PostgresTokenRepo) SealPoll(ctx context.Context, pollID string, at time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// ソルト未作成（発行0件）の投票も封印済みとして記録する
	_, err = tx.ExecContext(ctx,
		`INSERT INTO ia_poll_salts (poll_id, sealed_salt, created_at, destroyed_at)
		 VALUES ($1, NULL, $2, $2)
		 ON CONFLICT (poll_id) DO UPDATE SET sealed_salt = NULL, destroyed_at = $2`,
		pollID, at,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to destroy poll salt: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE ia_tokens SET tag = NULL WHERE poll_id = $1 AND tag IS NOT NULL`,
		pollID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear tags: %w", err)
	}
	cleared, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return cleared, nil
}

// compile-time interface check
var _ TokenRepository = (*PostgresTokenRepo)(nil)
