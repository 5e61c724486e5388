package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/ballotbox/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用した本人情報リポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByStableID は本人情報を取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByStableID(ctx context.Context, stableID string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT stable_id, verification_tier, is_active, created_at, updated_at
		 FROM ia_users WHERE stable_id = $1`,
		stableID,
	).Scan(&user.StableID, &user.VerificationTier, &user.IsActive, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	return user, nil
}

// Create は本人情報を作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ia_users (stable_id, verification_tier, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		user.StableID, user.VerificationTier, user.IsActive, user.CreatedAt, user.UpdatedAt,
	)
	if isUniqueViolation(err, "") {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// UpdateTier は認証レベルを更新する。
func (r *PostgresUserRepo) UpdateTier(ctx context.Context, stableID string, tier model.Tier) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE ia_users SET verification_tier = $2, updated_at = now() WHERE stable_id = $1`,
		stableID, tier,
	)
	if err != nil {
		return fmt.Errorf("failed to update tier: %w", err)
	}
	return requireAffected(result)
}

// Deactivate は本人情報と紐づく認証器を同一トランザクションで無効化する。
func (r *PostgresUserRepo) Deactivate(ctx context.Context, stableID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE ia_users SET is_active = FALSE, updated_at = now() WHERE stable_id = $1`,
		stableID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE ia_webauthn_credentials SET is_active = FALSE WHERE user_stable_id = $1`,
		stableID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate credentials: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CountActive は有効な本人情報の数を返す。
func (r *PostgresUserRepo) CountActive(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM ia_users WHERE is_active`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active users: %w", err)
	}
	return n, nil
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
