package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/ballotbox/internal/model"
)

// PostgresTokenStatusRepo は ia_token_status ビューを読むPO側のリポジトリ。
// ビューには本人情報の列がないため、POが stable_id を知ることはない。
type PostgresTokenStatusRepo struct {
	db *sql.DB
}

// NewPostgresTokenStatusRepo はPostgresTokenStatusRepoを生成する。
func NewPostgresTokenStatusRepo(db *sql.DB) *PostgresTokenStatusRepo {
	return &PostgresTokenStatusRepo{db: db}
}

// FindByHash は token_hash で発行状態を取得する。見つからない場合はnilを返す。
func (r *PostgresTokenStatusRepo) FindByHash(ctx context.Context, tokenHash []byte) (*model.TokenStatus, error) {
	s := &model.TokenStatus{}
	var tag sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT token_hash, poll_id, tag, tier, expires_at, is_revoked
		 FROM ia_token_status WHERE token_hash = $1`,
		tokenHash,
	).Scan(&s.TokenHash, &s.PollID, &tag, &s.Tier, &s.ExpiresAt, &s.IsRevoked)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find token status: %w", err)
	}
	s.Tag = nullStringValue(tag)
	return s, nil
}

// compile-time interface check
var _ TokenStatusReader = (*PostgresTokenStatusRepo)(nil)
