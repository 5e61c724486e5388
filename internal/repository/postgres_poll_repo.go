package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/ballotbox/internal/merkle"
	"github.com/hitoshi/ballotbox/internal/model"
)

const pollColumns = `poll_id, title, description, options, start_time, end_time, status,
	ia_public_key, min_tier, total_votes, eligible_population, participation_rate, created_at, updated_at`

// PostgresPollRepo はPostgreSQLを使用した投票リポジトリ。
type PostgresPollRepo struct {
	db *sql.DB
}

// NewPostgresPollRepo はPostgresPollRepoを生成する。
func NewPostgresPollRepo(db *sql.DB) *PostgresPollRepo {
	return &PostgresPollRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoll(row rowScanner) (*model.Poll, error) {
	p := &model.Poll{}
	var options pq.StringArray
	err := row.Scan(
		&p.PollID, &p.Title, &p.Description, &options, &p.StartTime, &p.EndTime, &p.Status,
		&p.IAPublicKey, &p.MinTier, &p.TotalVotes, &p.EligiblePopulation, &p.ParticipationRate,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Options = []string(options)
	return p, nil
}

// Create は投票と空のMerkleツリーを同一トランザクションで作成する。
func (r *PostgresPollRepo) Create(ctx context.Context, poll *model.Poll) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO po_polls (poll_id, title, description, options, start_time, end_time, status,
		                       ia_public_key, min_tier, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		poll.PollID, poll.Title, poll.Description, pq.Array(poll.Options), poll.StartTime, poll.EndTime,
		poll.Status, poll.IAPublicKey, minTier(poll.MinTier), poll.CreatedAt, poll.UpdatedAt,
	)
	if isUniqueViolation(err, "") {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("投票の作成に失敗しました: %w", err)
	}

	empty := merkle.EmptyRoot()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO po_merkle_trees (poll_id, root, leaf_count, frontier, updated_at)
		 VALUES ($1, $2, 0, '[]', $3)`,
		poll.PollID, empty[:], poll.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Merkleツリーの作成に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

func minTier(t model.Tier) model.Tier {
	if t == "" {
		return model.TierT0
	}
	return t
}

// FindByID は投票を取得する。見つからない場合はnilを返す。
func (r *PostgresPollRepo) FindByID(ctx context.Context, pollID string) (*model.Poll, error) {
	p, err := scanPoll(r.db.QueryRowContext(ctx,
		`SELECT `+pollColumns+` FROM po_polls WHERE poll_id = $1`,
		pollID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投票の取得に失敗しました: %w", err)
	}
	return p, nil
}

// List は投票を作成日時の新しい順に返す。
func (r *PostgresPollRepo) List(ctx context.Context) ([]*model.Poll, error) {
	return r.query(ctx, `SELECT `+pollColumns+` FROM po_polls ORDER BY created_at DESC`)
}

// ListDueForTransition は開始時刻を過ぎたdraftと終了時刻を過ぎたactiveを返す。
func (r *PostgresPollRepo) ListDueForTransition(ctx context.Context, now time.Time) ([]*model.Poll, error) {
	return r.query(ctx,
		`SELECT `+pollColumns+` FROM po_polls
		 WHERE (status = 'draft' AND start_time <= $1 AND end_time > $1)
		    OR (status = 'active' AND end_time <= $1)
		 ORDER BY start_time ASC`,
		now,
	)
}

func (r *PostgresPollRepo) query(ctx context.Context, q string, args ...any) ([]*model.Poll, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("投票一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var polls []*model.Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, fmt.Errorf("投票の読み取りに失敗しました: %w", err)
		}
		polls = append(polls, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("投票一覧の走査に失敗しました: %w", err)
	}
	return polls, nil
}

// UpdateStatus は状態がfromの場合のみtoへ更新する。
func (r *PostgresPollRepo) UpdateStatus(ctx context.Context, pollID string, from, to model.PollStatus, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE po_polls SET status = $3, updated_at = $4 WHERE poll_id = $1 AND status = $2`,
		pollID, from, to, at,
	)
	if err != nil {
		return false, fmt.Errorf("投票状態の更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// UpdateEligiblePopulation は有権者数を更新し、投票率を再計算する。
func (r *PostgresPollRepo) UpdateEligiblePopulation(ctx context.Context, pollID string, population int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE po_polls SET
		    eligible_population = $2,
		    participation_rate = CASE WHEN $2 > 0 THEN total_votes::double precision / $2 ELSE 0 END,
		    updated_at = now()
		 WHERE poll_id = $1`,
		pollID, population,
	)
	if err != nil {
		return fmt.Errorf("有権者数の更新に失敗しました: %w", err)
	}
	return requireAffected(result)
}

// compile-time interface check
var _ PollRepository = (*PostgresPollRepo)(nil)
