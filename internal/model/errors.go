// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// Code は安定した識別子であり、クライアントはこれで分岐する。
type APIError struct {
	Code      string // エラーコード
	Message   string // エラーメッセージ
	Category  string // カテゴリ: auth, issuance, submission, validation, ledger, integrity, system
	Action    string // 利用者向け対処方法
	Retryable bool   // 同じリクエストを再送して成功しうるか
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	// 認証
	ErrCodeReplayDetected     = "REPLAY_DETECTED"
	ErrCodeInvalidSignature   = "INVALID_SIGNATURE"
	ErrCodeChallengeExpired   = "CHALLENGE_EXPIRED"
	ErrCodeCredentialNotFound = "CREDENTIAL_NOT_FOUND"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"

	// 発行
	ErrCodeDuplicateIssuance      = "DUPLICATE_ISSUANCE"
	ErrCodePollNotOpenForIssuance = "POLL_NOT_OPEN_FOR_ISSUANCE"
	ErrCodeTokenNotFound          = "TOKEN_NOT_FOUND"
	ErrCodeIdentityNotFound       = "IDENTITY_NOT_FOUND"
	ErrCodeIdentityInactive       = "IDENTITY_INACTIVE"
	ErrCodeIdentityExists         = "IDENTITY_EXISTS"
	ErrCodeInvalidTier            = "INVALID_TIER"
	ErrCodeInsufficientTier       = "INSUFFICIENT_TIER"
	ErrCodePollSealed             = "POLL_SEALED"

	// 投票
	ErrCodeInvalidToken   = "INVALID_TOKEN"
	ErrCodeTokenExpired   = "TOKEN_EXPIRED"
	ErrCodeTokenRevoked   = "TOKEN_REVOKED"
	ErrCodeTagMismatch    = "TAG_MISMATCH"
	ErrCodeInvalidChoice  = "INVALID_CHOICE"
	ErrCodeDuplicateVote  = "DUPLICATE_VOTE"
	ErrCodePollNotActive  = "POLL_NOT_ACTIVE"
	ErrCodePollNotFound   = "POLL_NOT_FOUND"
	ErrCodeVoteNotFound   = "VOTE_NOT_FOUND"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeInvalidPoll    = "INVALID_POLL"
	ErrCodeInvalidStatus  = "INVALID_STATUS_TRANSITION"
	ErrCodeRootNotFound   = "ROOT_NOT_FOUND"
	ErrCodeInvalidRange   = "INVALID_TREE_RANGE"

	// システム
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeIntegrityFault = "INTEGRITY_FAULT"
)

// NewReplayDetectedError は署名カウンタが増加していないアサーションのエラーを生成する。
func NewReplayDetectedError() *APIError {
	return &APIError{
		Code:     ErrCodeReplayDetected,
		Message:  "認証器の署名カウンタが前回以下です。リプレイの可能性があります。",
		Category: "auth",
		Action:   "新しいチャレンジを取得して認証をやり直してください。",
	}
}

// NewInvalidSignatureError はアサーション検証失敗エラーを生成する。
// 失敗理由は利用者に返さない。
func NewInvalidSignatureError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignature,
		Message:  "認証情報を検証できませんでした。",
		Category: "auth",
		Action:   "登録済みの認証器で再度認証してください。",
	}
}

// NewChallengeExpiredError はチャレンジの期限切れ・使用済みエラーを生成する。
func NewChallengeExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeChallengeExpired,
		Message:  "チャレンジの有効期限が切れているか、既に使用されています。",
		Category: "auth",
		Action:   "新しいチャレンジを取得してください。",
	}
}

// NewCredentialNotFoundError は認証器が未登録の場合のエラーを生成する。
func NewCredentialNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeCredentialNotFound,
		Message:  "認証器が登録されていません。",
		Category: "auth",
		Action:   "認証器を登録してから再度お試しください。",
	}
}

// NewUnauthorizedError は認可ヘッダが無効な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "本人確認をやり直してください。",
	}
}

// NewForbiddenError はアサーションの本人とリクエストの対象が一致しない場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "本人のアサーションで再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:      ErrCodeRateLimited,
		Message:   "リクエストが多すぎます。",
		Category:  "system",
		Action:    "Retry-After の秒数が経過してから再度お試しください。",
		Retryable: true,
	}
}

// NewDuplicateIssuanceError は同一投票への二重発行エラーを生成する。
func NewDuplicateIssuanceError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateIssuance,
		Message:  "この投票のトークンは既に発行されています。",
		Category: "issuance",
		Action:   "トークンを紛失した場合は失効させてから再発行してください。",
	}
}

// NewPollNotOpenForIssuanceError は発行受付外の投票に対するエラーを生成する。
func NewPollNotOpenForIssuanceError(pollID string) *APIError {
	return &APIError{
		Code:     ErrCodePollNotOpenForIssuance,
		Message:  fmt.Sprintf("投票はトークン発行を受け付けていません: %s", pollID),
		Category: "issuance",
		Action:   "投票の開始後に再度お試しください。",
	}
}

// NewTokenNotFoundError は失効対象のトークンがない場合のエラーを生成する。
func NewTokenNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenNotFound,
		Message:  "有効なトークンが見つかりません。",
		Category: "issuance",
		Action:   "投票IDを確認してください。",
	}
}

// NewIdentityNotFoundError は本人情報が見つからない場合のエラーを生成する。
func NewIdentityNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentityNotFound,
		Message:  "本人情報が見つかりません。",
		Category: "auth",
		Action:   "登録状況を確認してください。",
	}
}

// NewIdentityInactiveError は無効化された本人情報に対するエラーを生成する。
func NewIdentityInactiveError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentityInactive,
		Message:  "本人情報は無効化されています。",
		Category: "auth",
		Action:   "管理者に問い合わせてください。",
	}
}

// NewIdentityExistsError は登録済みの本人情報を再登録しようとした場合のエラーを生成する。
func NewIdentityExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentityExists,
		Message:  "本人情報は既に登録されています。",
		Category: "validation",
		Action:   "別のIDを指定してください。",
	}
}

// NewInvalidTierError は認証レベルが不正な場合のエラーを生成する。
func NewInvalidTierError(tier string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTier,
		Message:  fmt.Sprintf("無効な認証レベルです: %s", tier),
		Category: "validation",
		Action:   "認証レベルには T0、T1、T2、T3 のいずれかを指定してください。",
	}
}

// NewInsufficientTierError は投票が要求する認証レベルに満たない場合のエラーを生成する。
func NewInsufficientTierError(tier, required Tier) *APIError {
	return &APIError{
		Code:     ErrCodeInsufficientTier,
		Message:  fmt.Sprintf("認証レベル %s ではこの投票に参加できません (必要: %s 以上)", tier, required),
		Category: "issuance",
		Action:   "より強い方法で本人確認を行ってください。",
	}
}

// NewPollSealedError は封印済み投票への発行エラーを生成する。
func NewPollSealedError(pollID string) *APIError {
	return &APIError{
		Code:     ErrCodePollSealed,
		Message:  fmt.Sprintf("投票は封印済みです: %s", pollID),
		Category: "issuance",
		Action:   "封印後はトークンを発行できません。",
	}
}

// NewInvalidTokenError はトークンが不正・未発行の場合のエラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "トークンが無効です。",
		Category: "submission",
		Action:   "発行されたトークンをそのまま送信してください。",
	}
}

// NewTokenExpiredError は期限切れトークンのエラーを生成する。
func NewTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExpired,
		Message:  "トークンの有効期限が切れています。",
		Category: "submission",
		Action:   "投票期間を確認してください。",
	}
}

// NewTokenRevokedError は失効済みトークンのエラーを生成する。
func NewTokenRevokedError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenRevoked,
		Message:  "トークンは失効しています。",
		Category: "submission",
		Action:   "新しいトークンの発行を受けてください。",
	}
}

// NewTagMismatchError はタグとトークンが一致しない場合のエラーを生成する。
func NewTagMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeTagMismatch,
		Message:  "タグがトークンと一致しません。",
		Category: "submission",
		Action:   "発行時に受け取ったタグを送信してください。",
	}
}

// NewInvalidChoiceError は選択肢の範囲外エラーを生成する。
func NewInvalidChoiceError(choice, optionCount int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidChoice,
		Message:  fmt.Sprintf("無効な選択肢です: %d (選択肢数 %d)", choice, optionCount),
		Category: "validation",
		Action:   fmt.Sprintf("0 から %d の範囲で選択してください。", optionCount-1),
	}
}

// NewDuplicateVoteError は同一タグの二重投票エラーを生成する。
func NewDuplicateVoteError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateVote,
		Message:  "このタグの投票は既に受け付けています。",
		Category: "submission",
		Action:   "包含証明を取得して投票が記録されていることを確認してください。",
	}
}

// NewPollNotActiveError は受付期間外の投票エラーを生成する。
func NewPollNotActiveError(pollID string) *APIError {
	return &APIError{
		Code:     ErrCodePollNotActive,
		Message:  fmt.Sprintf("投票は受付中ではありません: %s", pollID),
		Category: "submission",
		Action:   "投票期間を確認してください。",
	}
}

// NewPollNotFoundError は投票が存在しない場合のエラーを生成する。
func NewPollNotFoundError(pollID string) *APIError {
	return &APIError{
		Code:     ErrCodePollNotFound,
		Message:  fmt.Sprintf("指定された投票が見つかりません: %s", pollID),
		Category: "validation",
		Action:   "投票IDを確認してください。",
	}
}

// NewVoteNotFoundError はタグに対応する投票がない場合のエラーを生成する。
func NewVoteNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeVoteNotFound,
		Message:  "指定されたタグの投票は記録されていません。",
		Category: "ledger",
		Action:   "タグと投票IDを確認してください。",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewInvalidPollError は投票定義の検証エラーを生成する。
func NewInvalidPollError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPoll,
		Message:  fmt.Sprintf("投票定義が不正です: %s", reason),
		Category: "validation",
		Action:   "タイトル、選択肢、期間を確認してください。",
	}
}

// NewInvalidStatusTransitionError は許可されない状態遷移のエラーを生成する。
func NewInvalidStatusTransitionError(from, to PollStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatus,
		Message:  fmt.Sprintf("投票状態を %s から %s に変更できません。", from, to),
		Category: "validation",
		Action:   "draft → active → closed の順にのみ遷移できます。",
	}
}

// NewRootNotFoundError は指定サイズのルートがない場合のエラーを生成する。
func NewRootNotFoundError(treeSize uint64) *APIError {
	return &APIError{
		Code:     ErrCodeRootNotFound,
		Message:  fmt.Sprintf("ツリーサイズ %d のルートは記録されていません。", treeSize),
		Category: "ledger",
		Action:   "現在のツリーサイズ以下を指定してください。",
	}
}

// NewInvalidTreeRangeError は証明範囲が不正な場合のエラーを生成する。
func NewInvalidTreeRangeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRange,
		Message:  fmt.Sprintf("ツリー範囲が不正です: %s", reason),
		Category: "validation",
		Action:   "0 < first <= second <= 現在のツリーサイズ を満たすよう指定してください。",
	}
}

// NewInternalError は再試行可能な内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:      ErrCodeInternal,
		Message:   "内部エラーが発生しました。",
		Category:  "system",
		Action:    "しばらく待ってから再度お試しください。",
		Retryable: true,
	}
}

// NewIntegrityFaultError は台帳の整合性違反エラーを生成する。
// 自動修復はしない。
func NewIntegrityFaultError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeIntegrityFault,
		Message:  fmt.Sprintf("台帳の整合性違反を検出しました: %s", detail),
		Category: "integrity",
		Action:   "受付を停止し、監査を実施してください。",
	}
}
