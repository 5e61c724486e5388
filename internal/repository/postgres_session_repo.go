package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/ballotbox/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したチャレンジセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.VerificationSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ia_verification_sessions (session_id, user_stable_id, challenge, created_at, expires_at, is_used)
		 VALUES ($1, $2, $3, $4, $5, FALSE)`,
		session.SessionID, session.UserStableID, session.Challenge, session.CreatedAt, session.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create verification session: %w", err)
	}
	return nil
}

// FindByID はセッションを取得する。見つからない場合はnilを返す。
// 期限切れや使用済みでも返し、判定は呼び出し側で行う。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, sessionID string) (*model.VerificationSession, error) {
	s := &model.VerificationSession{}
	err := r.db.QueryRowContext(ctx,
		`SELECT session_id, user_stable_id, challenge, created_at, expires_at, is_used
		 FROM ia_verification_sessions
		 WHERE session_id = $1`,
		sessionID,
	).Scan(&s.SessionID, &s.UserStableID, &s.Challenge, &s.CreatedAt, &s.ExpiresAt, &s.IsUsed)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find verification session: %w", err)
	}
	return s, nil
}

// CompleteAssertion はセッションを使用済みにし、署名カウンタを更新する。
// どちらも条件付きUPDATEなので、同じアサーションを並行して送っても成功するのは1つだけ。
func (r *PostgresSessionRepo) CompleteAssertion(ctx context.Context, sessionID, credentialID string, signCount uint32, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE ia_verification_sessions SET is_used = TRUE
		 WHERE session_id = $1 AND NOT is_used AND expires_at > $2`,
		sessionID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to consume verification session: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return ErrSessionConsumed
	}

	result, err = tx.ExecContext(ctx,
		`UPDATE ia_webauthn_credentials SET sign_count = $2, last_used_at = $3
		 WHERE credential_id = $1 AND sign_count < $2`,
		credentialID, int64(signCount), at,
	)
	if err != nil {
		return fmt.Errorf("failed to update sign counter: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return ErrCounterNotIncreased
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ConsumeSession はセッションを使用済みにする。既に使用済みでもエラーにしない。
func (r *PostgresSessionRepo) ConsumeSession(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE ia_verification_sessions SET is_used = TRUE WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to consume verification session: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM ia_verification_sessions WHERE expires_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ VerificationSessionRepository = (*PostgresSessionRepo)(nil)
