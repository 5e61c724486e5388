// Package repository はデータ永続化のインターフェースを定義する。
//
// IA側（ia_*テーブル）とPO側（po_*テーブル）は同じパッケージに置くが、
// POのリポジトリはIAのテーブルを書き込まない。POが参照するのは
// 読み取り専用ビュー ia_token_status のみ。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/ballotbox/internal/merkle"
	"github.com/hitoshi/ballotbox/internal/model"
)

// 共通のセンチネルエラー。
var (
	// ErrDuplicate は一意制約違反を表す。
	ErrDuplicate = errors.New("duplicate key")
	// ErrNotFound は更新対象の行が存在しないことを表す。
	ErrNotFound = errors.New("not found")
	// ErrSessionConsumed はチャレンジが期限切れか使用済みであることを表す。
	ErrSessionConsumed = errors.New("verification session expired or already used")
	// ErrCounterNotIncreased は署名カウンタが保存値より大きくないことを表す。
	ErrCounterNotIncreased = errors.New("sign counter did not increase")
)

// UserRepository は本人情報の永続化インターフェース。
type UserRepository interface {
	// FindByStableID は本人情報を取得する。見つからない場合はnilを返す。
	FindByStableID(ctx context.Context, stableID string) (*model.User, error)

	// Create は本人情報を作成する。既に存在する場合は ErrDuplicate を返す。
	Create(ctx context.Context, user *model.User) error

	// UpdateTier は認証レベルを更新する。
	UpdateTier(ctx context.Context, stableID string, tier model.Tier) error

	// Deactivate は本人情報と紐づく認証器を無効化する。行は削除しない。
	Deactivate(ctx context.Context, stableID string) error

	// CountActive は有効な本人情報の数を返す。
	CountActive(ctx context.Context) (int64, error)
}

// CredentialRepository は認証器公開鍵の永続化インターフェース。
type CredentialRepository interface {
	// FindByID は認証器を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, credentialID string) (*model.Credential, error)

	// Create は認証器を登録する。
	Create(ctx context.Context, cred *model.Credential) error
}

// VerificationSessionRepository はチャレンジセッションの永続化インターフェース。
type VerificationSessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.VerificationSession) error

	// FindByID はセッションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, sessionID string) (*model.VerificationSession, error)

	// CompleteAssertion はセッションの使用済み化と署名カウンタの更新を同一トランザクションで行う。
	// カウンタは保存値より大きい場合のみ更新し、そうでなければ ErrCounterNotIncreased を返す。
	CompleteAssertion(ctx context.Context, sessionID, credentialID string, signCount uint32, at time.Time) error

	// ConsumeSession はセッションを使用済みにする。検証に失敗したチャレンジの再利用を防ぐ。
	ConsumeSession(ctx context.Context, sessionID string) error

	// DeleteExpired はbefore以前に期限切れとなったセッションを削除する。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// TokenRepository はトークン発行記録の永続化インターフェース。
type TokenRepository interface {
	// FindActive は(本人, 投票)の有効なトークンを取得する。見つからない場合はnilを返す。
	FindActive(ctx context.Context, stableID, pollID string) (*model.TokenRecord, error)

	// Insert は発行記録を追加する。有効なトークンが既にある場合は ErrDuplicate を返す。
	Insert(ctx context.Context, rec *model.TokenRecord) error

	// Revoke は有効なトークンを失効させる。対象がなければfalseを返す。
	Revoke(ctx context.Context, stableID, pollID string) (bool, error)

	// SealPoll は投票ソルトを破棄し、発行記録のタグを消去する。消去した件数を返す。
	SealPoll(ctx context.Context, pollID string, at time.Time) (int64, error)
}

// SaltRepository は投票ソルトの永続化インターフェース。
type SaltRepository interface {
	// Find はソルトを取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, pollID string) (*model.PollSalt, error)

	// CreateIfAbsent はソルトがなければ作成し、保存されている方を返す。
	// 同時発行で別のソルトが作られることはない。
	CreateIfAbsent(ctx context.Context, salt *model.PollSalt) (*model.PollSalt, error)
}

// PollRepository は投票定義の永続化インターフェース。
type PollRepository interface {
	// Create は投票と空のMerkleツリーを同一トランザクションで作成する。
	Create(ctx context.Context, poll *model.Poll) error

	// FindByID は投票を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, pollID string) (*model.Poll, error)

	// List は投票を作成日時の新しい順に返す。
	List(ctx context.Context) ([]*model.Poll, error)

	// UpdateStatus は状態がfromの場合のみtoへ更新する。更新できなければfalseを返す。
	UpdateStatus(ctx context.Context, pollID string, from, to model.PollStatus, at time.Time) (bool, error)

	// ListDueForTransition は開始時刻を過ぎたdraftと終了時刻を過ぎたactiveを返す。
	ListDueForTransition(ctx context.Context, now time.Time) ([]*model.Poll, error)

	// UpdateEligiblePopulation は有権者数を更新し、投票率を再計算する。
	UpdateEligiblePopulation(ctx context.Context, pollID string, population int64) error
}

// TokenStatusReader はIAの発行記録を読み取り専用ビュー経由で参照する。
type TokenStatusReader interface {
	// FindByHash は token_hash で発行状態を取得する。見つからない場合はnilを返す。
	FindByHash(ctx context.Context, tokenHash []byte) (*model.TokenStatus, error)
}

// LedgerTx は投票ごとのツリー行をロックしたトランザクション内の操作。
type LedgerTx interface {
	// Tree はロック済みのツリー状態を返す。
	Tree() *model.TreeState

	// LockPoll は投票行をロックして取得する。状態の変更はこのトランザクションの終了まで待たされる。
	// 見つからない場合はnilを返す。
	LockPoll(ctx context.Context) (*model.Poll, error)

	// Nodes はトランザクション内でノードを読むReaderを返す。
	Nodes(ctx context.Context) merkle.NodeReader

	// TagExists はタグの票が既に記録されているか判定する。
	TagExists(ctx context.Context, tag string) (bool, error)

	// InsertVote は票を追加する。タグが重複する場合は ErrDuplicate を返す。
	InsertVote(ctx context.Context, vote *model.Vote) error

	// InsertNodes は完成したノードを追加する。
	InsertNodes(ctx context.Context, nodes []merkle.Node) error

	// InsertRoot は署名付きルートを追加する。
	InsertRoot(ctx context.Context, root *model.RootSnapshot) error

	// IncrementTally は選択肢と認証レベルの集計カウンタをそれぞれ1増やす。
	IncrementTally(ctx context.Context, choice int, tier model.Tier) error

	// SaveTree はツリー状態と投票の総数・投票率を更新する。
	SaveTree(ctx context.Context, tree *model.TreeState) error
}

// LedgerRepository は票とMerkle台帳の永続化インターフェース。
type LedgerRepository interface {
	// WithPollLock は投票のツリー行を SELECT ... FOR UPDATE でロックしてfnを実行する。
	// fnがエラーを返した場合はロールバックする。ツリーがなければ ErrNotFound を返す。
	WithPollLock(ctx context.Context, pollID string, fn func(tx LedgerTx) error) error

	// Tree はツリー状態を取得する。見つからない場合はnilを返す。
	Tree(ctx context.Context, pollID string) (*model.TreeState, error)

	// Nodes はノードを読むReaderを返す。
	Nodes(ctx context.Context, pollID string) merkle.NodeReader

	// FindVoteByTag はタグの票を取得する。見つからない場合はnilを返す。
	FindVoteByTag(ctx context.Context, pollID, tag string) (*model.Vote, error)

	// ListVotes はleaf_index順に票を返す。
	ListVotes(ctx context.Context, pollID string) ([]*model.Vote, error)

	// FindRoot は指定サイズの署名付きルートを取得する。見つからない場合はnilを返す。
	FindRoot(ctx context.Context, pollID string, treeSize uint64) (*model.RootSnapshot, error)

	// LatestRoot は最新の署名付きルートを取得する。見つからない場合はnilを返す。
	LatestRoot(ctx context.Context, pollID string) (*model.RootSnapshot, error)

	// ReadSnapshot は REPEATABLE READ の読み取り専用トランザクションでfnを実行する。
	// fn内の読み取りはすべて同じ時点の台帳を見るため、並行する追記があっても
	// 件数・カウンタ・ルートが食い違わない。
	ReadSnapshot(ctx context.Context, pollID string, fn func(view LedgerView) error) error
}

// LedgerView は1つの投票について、ある時点の台帳を読む。
type LedgerView interface {
	// Poll は投票を取得する。見つからない場合はnilを返す。
	Poll(ctx context.Context) (*model.Poll, error)

	// Tree はツリー状態を取得する。見つからない場合はnilを返す。
	Tree(ctx context.Context) (*model.TreeState, error)

	// ListVotes はleaf_index順に票を返す。
	ListVotes(ctx context.Context) ([]*model.Vote, error)

	// LatestRoot は最新の署名付きルートを取得する。見つからない場合はnilを返す。
	LatestRoot(ctx context.Context) (*model.RootSnapshot, error)

	// TallyCounts は集計カウンタを選択肢ごとに返す。
	TallyCounts(ctx context.Context) (map[int]int64, error)

	// TierCounts は集計カウンタを認証レベルごとに返す。
	TierCounts(ctx context.Context) (map[model.Tier]int64, error)

	// CountVotesByChoice は po_votes から選択肢ごとの票数を数え直す。
	CountVotesByChoice(ctx context.Context) (map[int]int64, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
