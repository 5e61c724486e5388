package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/ballotbox/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用した認証器リポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// FindByID は認証器を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByID(ctx context.Context, credentialID string) (*model.Credential, error) {
	cred := &model.Credential{}
	var signCount int64
	var lastUsed sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT credential_id, user_stable_id, public_key, sign_count, is_active, created_at, last_used_at
		 FROM ia_webauthn_credentials
		 WHERE credential_id = $1`,
		credentialID,
	).Scan(&cred.CredentialID, &cred.UserStableID, &cred.PublicKey, &signCount, &cred.IsActive, &cred.CreatedAt, &lastUsed)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}

	cred.SignCount = uint32(signCount)
	cred.LastUsedAt = nullTimePtr(lastUsed)
	return cred, nil
}

// Create は認証器を登録する。
func (r *PostgresCredentialRepo) Create(ctx context.Context, cred *model.Credential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ia_webauthn_credentials (credential_id, user_stable_id, public_key, sign_count, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cred.CredentialID, cred.UserStableID, cred.PublicKey, int64(cred.SignCount), cred.IsActive, cred.CreatedAt,
	)
	if isUniqueViolation(err, "") {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
