package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/ballotbox/internal/model"
)

// PostgresSaltRepo はPostgreSQLを使用した投票ソルトリポジトリ。
type PostgresSaltRepo struct {
	db *sql.DB
}

// NewPostgresSaltRepo はPostgresSaltRepoを生成する。
func NewPostgresSaltRepo(db *sql.DB) *PostgresSaltRepo {
	return &PostgresSaltRepo{db: db}
}

// Find はソルトを取得する。見つからない場合はnilを返す。
func (r *PostgresSaltRepo) Find(ctx context.Context, pollID string) (*model.PollSalt, error) {
	s := &model.PollSalt{}
	var destroyed sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT poll_id, sealed_salt, created_at, destroyed_at FROM ia_poll_salts WHERE poll_id = $1`,
		pollID,
	).Scan(&s.PollID, &s.SealedSalt, &s.CreatedAt, &destroyed)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find poll salt: %w", err)
	}
	s.DestroyedAt = nullTimePtr(destroyed)
	return s, nil
}

// CreateIfAbsent はソルトがなければ作成し、保存されている方を返す。
func (r *PostgresSaltRepo) CreateIfAbsent(ctx context.Context, salt *model.PollSalt) (*model.PollSalt, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ia_poll_salts (poll_id, sealed_salt, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (poll_id) DO NOTHING`,
		salt.PollID, salt.SealedSalt, salt.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert poll salt: %w", err)
	}

	stored, err := r.Find(ctx, salt.PollID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("poll salt disappeared after insert: %s", salt.PollID)
	}
	return stored, nil
}

// compile-time interface check
var _ SaltRepository = (*PostgresSaltRepo)(nil)
