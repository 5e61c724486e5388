package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/ballotbox/internal/merkle"
	"github.com/hitoshi/ballotbox/internal/model"
)

// voteTagConstraint は (poll_id, tag) の一意制約名。二重投票の最終的な防御線。
const voteTagConstraint = "uq_po_votes_poll_tag"

// querier は *sql.DB と *sql.Tx の共通部分。
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresLedgerRepo はPostgreSQLを使用した台帳リポジトリ。
type PostgresLedgerRepo struct {
	db *sql.DB
}

// NewPostgresLedgerRepo はPostgresLedgerRepoを生成する。
func NewPostgresLedgerRepo(db *sql.DB) *PostgresLedgerRepo {
	return &PostgresLedgerRepo{db: db}
}

// WithPollLock は投票のツリー行をロックしてfnを実行する。
// 同じ投票への追記はこのロックで直列化され、別の投票とは並行に進む。
func (r *PostgresLedgerRepo) WithPollLock(ctx context.Context, pollID string, fn func(tx LedgerTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	tree, err := scanTree(tx.QueryRowContext(ctx,
		`SELECT poll_id, root, leaf_count, frontier, updated_at
		 FROM po_merkle_trees WHERE poll_id = $1
		 FOR UPDATE`,
		pollID,
	))
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock merkle tree: %w", err)
	}

	if err := fn(&postgresLedgerTx{tx: tx, pollID: pollID, tree: tree}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ReadSnapshot は REPEATABLE READ の読み取り専用トランザクションでfnを実行する。
func (r *PostgresLedgerRepo) ReadSnapshot(ctx context.Context, pollID string, fn func(view LedgerView) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&postgresLedgerView{q: tx, pollID: pollID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot transaction: %w", err)
	}
	return nil
}

func (r *PostgresLedgerRepo) view(pollID string) *postgresLedgerView {
	return &postgresLedgerView{q: r.db, pollID: pollID}
}

// Tree はツリー状態を取得する。見つからない場合はnilを返す。
func (r *PostgresLedgerRepo) Tree(ctx context.Context, pollID string) (*model.TreeState, error) {
	return r.view(pollID).Tree(ctx)
}

// Nodes はノードを読むReaderを返す。
func (r *PostgresLedgerRepo) Nodes(ctx context.Context, pollID string) merkle.NodeReader {
	return &nodeReader{ctx: ctx, q: r.db, pollID: pollID}
}

// FindVoteByTag はタグの票を取得する。見つからない場合はnilを返す。
func (r *PostgresLedgerRepo) FindVoteByTag(ctx context.Context, pollID, tag string) (*model.Vote, error) {
	v, err := scanVote(r.db.QueryRowContext(ctx,
		`SELECT poll_id, leaf_index, tag, choice, voted_at, merkle_leaf, merkle_proof, root_at_insert
		 FROM po_votes WHERE poll_id = $1 AND tag = $2`,
		pollID, tag,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find vote: %w", err)
	}
	return v, nil
}

// ListVotes はleaf_index順に票を返す。
func (r *PostgresLedgerRepo) ListVotes(ctx context.Context, pollID string) ([]*model.Vote, error) {
	return r.view(pollID).ListVotes(ctx)
}

// FindRoot は指定サイズの署名付きルートを取得する。見つからない場合はnilを返す。
func (r *PostgresLedgerRepo) FindRoot(ctx context.Context, pollID string, treeSize uint64) (*model.RootSnapshot, error) {
	s, err := scanRoot(r.db.QueryRowContext(ctx,
		`SELECT poll_id, tree_size, root, signature, created_at
		 FROM po_merkle_roots WHERE poll_id = $1 AND tree_size = $2`,
		pollID, int64(treeSize),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find root snapshot: %w", err)
	}
	return s, nil
}

// LatestRoot は最新の署名付きルートを取得する。見つからない場合はnilを返す。
func (r *PostgresLedgerRepo) LatestRoot(ctx context.Context, pollID string) (*model.RootSnapshot, error) {
	return r.view(pollID).LatestRoot(ctx)
}

// readQuerier は *sql.DB と *sql.Tx の読み取り部分。
type readQuerier interface {
	querier
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// postgresLedgerView は1つの投票の台帳を読む。qがトランザクションなら同じ時点を見る。
type postgresLedgerView struct {
	q      readQuerier
	pollID string
}

func (v *postgresLedgerView) Poll(ctx context.Context) (*model.Poll, error) {
	p, err := scanPoll(v.q.QueryRowContext(ctx,
		`SELECT `+pollColumns+` FROM po_polls WHERE poll_id = $1`,
		v.pollID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find poll: %w", err)
	}
	return p, nil
}

func (v *postgresLedgerView) Tree(ctx context.Context) (*model.TreeState, error) {
	tree, err := scanTree(v.q.QueryRowContext(ctx,
		`SELECT poll_id, root, leaf_count, frontier, updated_at
		 FROM po_merkle_trees WHERE poll_id = $1`,
		v.pollID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find merkle tree: %w", err)
	}
	return tree, nil
}

func (v *postgresLedgerView) ListVotes(ctx context.Context) ([]*model.Vote, error) {
	rows, err := v.q.QueryContext(ctx,
		`SELECT poll_id, leaf_index, tag, choice, voted_at, merkle_leaf, merkle_proof, root_at_insert
		 FROM po_votes WHERE poll_id = $1 ORDER BY leaf_index ASC`,
		v.pollID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	defer rows.Close()

	var votes []*model.Vote
	for rows.Next() {
		vote, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		votes = append(votes, vote)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate votes: %w", err)
	}
	return votes, nil
}

func (v *postgresLedgerView) LatestRoot(ctx context.Context) (*model.RootSnapshot, error) {
	s, err := scanRoot(v.q.QueryRowContext(ctx,
		`SELECT poll_id, tree_size, root, signature, created_at
		 FROM po_merkle_roots WHERE poll_id = $1
		 ORDER BY tree_size DESC LIMIT 1`,
		v.pollID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest root snapshot: %w", err)
	}
	return s, nil
}

func (v *postgresLedgerView) TallyCounts(ctx context.Context) (map[int]int64, error) {
	return countsBy[int](ctx, v.q, `SELECT choice, count FROM po_tally WHERE poll_id = $1`, v.pollID)
}

func (v *postgresLedgerView) TierCounts(ctx context.Context) (map[model.Tier]int64, error) {
	return countsBy[model.Tier](ctx, v.q, `SELECT tier, count FROM po_tally_tiers WHERE poll_id = $1`, v.pollID)
}

func (v *postgresLedgerView) CountVotesByChoice(ctx context.Context) (map[int]int64, error) {
	return countsBy[int](ctx, v.q, `SELECT choice, count(*) FROM po_votes WHERE poll_id = $1 GROUP BY choice`, v.pollID)
}

func countsBy[K comparable](ctx context.Context, q readQuerier, query, pollID string) (map[K]int64, error) {
	rows, err := q.QueryContext(ctx, query, pollID)
	if err != nil {
		return nil, fmt.Errorf("failed to count votes: %w", err)
	}
	defer rows.Close()

	counts := make(map[K]int64)
	for rows.Next() {
		var key K
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counts: %w", err)
	}
	return counts, nil
}

// postgresLedgerTx はロック済みトランザクション内の台帳操作。
type postgresLedgerTx struct {
	tx     *sql.Tx
	pollID string
	tree   *model.TreeState
}

func (t *postgresLedgerTx) Tree() *model.TreeState {
	return t.tree
}

// LockPoll は po_polls の行を FOR NO KEY UPDATE でロックする。
// 同じトランザクションの SaveTree が集計列を更新するため共有ロックにはしない。
func (t *postgresLedgerTx) LockPoll(ctx context.Context) (*model.Poll, error) {
	p, err := scanPoll(t.tx.QueryRowContext(ctx,
		`SELECT `+pollColumns+` FROM po_polls WHERE poll_id = $1 FOR NO KEY UPDATE`,
		t.pollID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock poll: %w", err)
	}
	return p, nil
}

func (t *postgresLedgerTx) Nodes(ctx context.Context) merkle.NodeReader {
	return &nodeReader{ctx: ctx, q: t.tx, pollID: t.pollID}
}

func (t *postgresLedgerTx) TagExists(ctx context.Context, tag string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM po_votes WHERE poll_id = $1 AND tag = $2)`,
		t.pollID, tag,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check tag: %w", err)
	}
	return exists, nil
}

func (t *postgresLedgerTx) InsertVote(ctx context.Context, v *model.Vote) error {
	proof, err := json.Marshal(v.MerkleProof)
	if err != nil {
		return fmt.Errorf("failed to encode merkle proof: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO po_votes (poll_id, leaf_index, tag, choice, voted_at, merkle_leaf, merkle_proof, root_at_insert)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.pollID, int64(v.LeafIndex), v.Tag, v.Choice, v.VotedAt, v.MerkleLeaf[:], proof, v.RootAtInsert[:],
	)
	if isUniqueViolation(err, voteTagConstraint) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert vote: %w", err)
	}
	return nil
}

func (t *postgresLedgerTx) InsertNodes(ctx context.Context, nodes []merkle.Node) error {
	for _, n := range nodes {
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO po_merkle_nodes (poll_id, level, idx, hash) VALUES ($1, $2, $3, $4)`,
			t.pollID, int(n.Level), int64(n.Index), n.Hash[:],
		)
		if err != nil {
			return fmt.Errorf("failed to insert merkle node level=%d index=%d: %w", n.Level, n.Index, err)
		}
	}
	return nil
}

func (t *postgresLedgerTx) InsertRoot(ctx context.Context, s *model.RootSnapshot) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO po_merkle_roots (poll_id, tree_size, root, signature, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.pollID, int64(s.TreeSize), s.Root[:], s.Signature, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert root snapshot: %w", err)
	}
	return nil
}

func (t *postgresLedgerTx) IncrementTally(ctx context.Context, choice int, tier model.Tier) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO po_tally (poll_id, choice, count) VALUES ($1, $2, 1)
		 ON CONFLICT (poll_id, choice) DO UPDATE SET count = po_tally.count + 1`,
		t.pollID, choice,
	)
	if err != nil {
		return fmt.Errorf("failed to increment tally: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO po_tally_tiers (poll_id, tier, count) VALUES ($1, $2, 1)
		 ON CONFLICT (poll_id, tier) DO UPDATE SET count = po_tally_tiers.count + 1`,
		t.pollID, tier,
	)
	if err != nil {
		return fmt.Errorf("failed to increment tier tally: %w", err)
	}
	return nil
}

func (t *postgresLedgerTx) SaveTree(ctx context.Context, tree *model.TreeState) error {
	frontier, err := json.Marshal(tree.Frontier)
	if err != nil {
		return fmt.Errorf("failed to encode frontier: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`UPDATE po_merkle_trees SET root = $2, leaf_count = $3, frontier = $4, updated_at = $5
		 WHERE poll_id = $1`,
		t.pollID, tree.Root[:], int64(tree.LeafCount), frontier, tree.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update merkle tree: %w", err)
	}

	_, err = t.tx.ExecContext(ctx,
		`UPDATE po_polls SET
		    total_votes = $2,
		    participation_rate = CASE WHEN eligible_population > 0
		        THEN $2::double precision / eligible_population ELSE 0 END,
		    updated_at = $3
		 WHERE poll_id = $1`,
		t.pollID, int64(tree.LeafCount), tree.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update poll totals: %w", err)
	}

	t.tree = tree
	return nil
}

// nodeReader は po_merkle_nodes を読む merkle.NodeReader。
type nodeReader struct {
	ctx    context.Context
	q      querier
	pollID string
}

func (n *nodeReader) ReadNode(level uint8, index uint64) (merkle.Hash, error) {
	var raw []byte
	err := n.q.QueryRowContext(n.ctx,
		`SELECT hash FROM po_merkle_nodes WHERE poll_id = $1 AND level = $2 AND idx = $3`,
		n.pollID, int(level), int64(index),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return merkle.Hash{}, merkle.ErrNodeNotFound
	}
	if err != nil {
		return merkle.Hash{}, fmt.Errorf("failed to read merkle node: %w", err)
	}
	return merkle.HashFromBytes(raw)
}

func scanTree(row rowScanner) (*model.TreeState, error) {
	t := &model.TreeState{}
	var root, frontier []byte
	var leafCount int64
	if err := row.Scan(&t.PollID, &root, &leafCount, &frontier, &t.UpdatedAt); err != nil {
		return nil, err
	}
	h, err := merkle.HashFromBytes(root)
	if err != nil {
		return nil, fmt.Errorf("corrupt tree root: %w", err)
	}
	t.Root = h
	t.LeafCount = uint64(leafCount)
	if err := json.Unmarshal(frontier, &t.Frontier); err != nil {
		return nil, fmt.Errorf("corrupt frontier: %w", err)
	}
	return t, nil
}

func scanVote(row rowScanner) (*model.Vote, error) {
	v := &model.Vote{}
	var leafIndex int64
	var leaf, proof, rootAt []byte
	if err := row.Scan(&v.PollID, &leafIndex, &v.Tag, &v.Choice, &v.VotedAt, &leaf, &proof, &rootAt); err != nil {
		return nil, err
	}
	v.LeafIndex = uint64(leafIndex)
	var err error
	if v.MerkleLeaf, err = merkle.HashFromBytes(leaf); err != nil {
		return nil, fmt.Errorf("corrupt merkle leaf: %w", err)
	}
	if v.RootAtInsert, err = merkle.HashFromBytes(rootAt); err != nil {
		return nil, fmt.Errorf("corrupt root: %w", err)
	}
	if err := json.Unmarshal(proof, &v.MerkleProof); err != nil {
		return nil, fmt.Errorf("corrupt merkle proof: %w", err)
	}
	return v, nil
}

func scanRoot(row rowScanner) (*model.RootSnapshot, error) {
	s := &model.RootSnapshot{}
	var treeSize int64
	var root []byte
	if err := row.Scan(&s.PollID, &treeSize, &root, &s.Signature, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.TreeSize = uint64(treeSize)
	h, err := merkle.HashFromBytes(root)
	if err != nil {
		return nil, fmt.Errorf("corrupt root snapshot: %w", err)
	}
	s.Root = h
	return s, nil
}

// compile-time interface check
var (
	_ LedgerRepository = (*PostgresLedgerRepo)(nil)
	_ LedgerTx         = (*postgresLedgerTx)(nil)
	_ LedgerView       = (*postgresLedgerView)(nil)
)
