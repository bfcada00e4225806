// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string `json:"code"`     // エラーコード
	Message  string `json:"message"`  // エラーメッセージ
	Category string `json:"category"` // カテゴリ: auth, profile, data, mutation, geolocation, validation, system
	Action   string `json:"action"`   // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryAuth        = "auth"
	CategoryProfile     = "profile"
	CategoryData        = "data"
	CategoryMutation    = "mutation"
	CategoryGeolocation = "geolocation"
	CategoryValidation  = "validation"
	CategorySystem      = "system"
)

// 定義済みエラーコード
const (
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeEmailNotConfirmed   = "EMAIL_NOT_CONFIRMED"
	ErrCodeEmailTaken          = "EMAIL_TAKEN"
	ErrCodeUsernameTaken       = "USERNAME_TAKEN"
	ErrCodeInvalidSignUp       = "INVALID_SIGNUP"
	ErrCodePasswordMismatch    = "PASSWORD_MISMATCH"
	ErrCodeInvalidConfirmation = "INVALID_CONFIRMATION"
	ErrCodeSessionFetchFailed  = "SESSION_FETCH_FAILED"
	ErrCodeProfileResolution   = "PROFILE_RESOLUTION_FAILED"
	ErrCodeProfileNotFound     = "PROFILE_NOT_FOUND"
	ErrCodeInvalidProfile      = "INVALID_PROFILE"
	ErrCodeDataFetchFailed     = "DATA_FETCH_FAILED"
	ErrCodeMutationFailed      = "MUTATION_FAILED"
	ErrCodeAlreadyInVibe       = "ALREADY_IN_VIBE"
	ErrCodeTransitionPending   = "TRANSITION_PENDING"
	ErrCodeNoActiveVibe        = "NO_ACTIVE_VIBE"
	ErrCodeEventUnavailable    = "EVENT_UNAVAILABLE"
	ErrCodeNotCreator          = "NOT_CREATOR"
	ErrCodeCreatorCannotLeave  = "CREATOR_CANNOT_LEAVE"
	ErrCodeInvalidEvent        = "INVALID_EVENT"
	ErrCodeOutOfRange          = "OUT_OF_RANGE"
	ErrCodeInvalidMessage      = "INVALID_MESSAGE"
	ErrCodeInvalidNote         = "INVALID_NOTE"
	ErrCodeLocationDenied      = "LOCATION_PERMISSION_DENIED"
	ErrCodeLocationUnavailable = "LOCATION_UNAVAILABLE"
	ErrCodeLocationTimeout     = "LOCATION_TIMEOUT"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeCSRF                = "CSRF_VALIDATION_FAILED"
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// HasCode はerrのチェーンに指定コードのAPIErrorが含まれるかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: CategoryAuth,
		Action:   "ログインしてください。",
	}
}

// NewInvalidCredentialsError は認証情報の不一致エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: CategoryAuth,
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewEmailNotConfirmedError はメール未確認エラーを生成する。
func NewEmailNotConfirmedError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailNotConfirmed,
		Message:  "メールアドレスの確認が完了していません。",
		Category: CategoryAuth,
		Action:   "受信した確認メールのリンクを開いてからログインしてください。",
	}
}

// NewEmailTakenError はメールアドレス重複エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "このメールアドレスは既に登録されています。",
		Category: CategoryAuth,
		Action:   "ログインするか、別のメールアドレスを使用してください。",
	}
}

// NewUsernameTakenError はユーザー名重複エラーを生成する。
func NewUsernameTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeUsernameTaken,
		Message:  "このユーザー名は既に使われています。",
		Category: CategoryAuth,
		Action:   "別のユーザー名を入力してください。",
	}
}

// NewInvalidSignUpError はサインアップ入力の不備エラーを生成する。
func NewInvalidSignUpError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignUp,
		Message:  fmt.Sprintf("サインアップ内容が不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "すべての項目を入力してください。",
	}
}

// NewPasswordMismatchError は確認用パスワード不一致エラーを生成する。
func NewPasswordMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordMismatch,
		Message:  "パスワードが一致しません。",
		Category: CategoryValidation,
		Action:   "確認用パスワードを再入力してください。",
	}
}

// NewInvalidConfirmationError はメール確認トークンの不正エラーを生成する。
func NewInvalidConfirmationError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidConfirmation,
		Message:  "確認リンクが無効か、既に使用されています。",
		Category: CategoryAuth,
		Action:   "ログインをお試しください。",
	}
}

// NewSessionFetchFailedError はセッション取得失敗エラーを生成する。
func NewSessionFetchFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionFetchFailed,
		Message:  "セッションの取得に失敗しました。",
		Category: CategoryAuth,
		Action:   "再度ログインしてください。",
	}
}

// NewProfileResolutionError はプロフィール解決失敗エラーを生成する。
func NewProfileResolutionError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeProfileResolution,
		Message:  fmt.Sprintf("プロフィールを読み込めませんでした: %s", reason),
		Category: CategoryProfile,
		Action:   "再度ログインしてください。",
	}
}

// NewProfileNotFoundError はプロフィール未検出エラーを生成する。
func NewProfileNotFoundError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeProfileNotFound,
		Message:  fmt.Sprintf("ユーザーが見つかりません: %s", username),
		Category: CategoryProfile,
		Action:   "ユーザー名を確認してください。",
	}
}

// NewInvalidProfileError はプロフィール更新内容の不備エラーを生成する。
func NewInvalidProfileError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidProfile,
		Message:  fmt.Sprintf("プロフィールの内容が不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "公開範囲には public、community、private のいずれかを指定してください。",
	}
}

// NewDataFetchError はデータ読み込み失敗エラーを生成する。
// 表示中のキャッシュは保持され、閉じられるバナーとして表示される。
func NewDataFetchError(resource string) *APIError {
	return &APIError{
		Code:     ErrCodeDataFetchFailed,
		Message:  fmt.Sprintf("%sの読み込みに失敗しました。", resource),
		Category: CategoryData,
		Action:   "しばらく待ってから再読み込みしてください。",
	}
}

// NewMutationError は書き込み操作の失敗エラーを生成する。
func NewMutationError(op string) *APIError {
	return &APIError{
		Code:     ErrCodeMutationFailed,
		Message:  fmt.Sprintf("操作に失敗しました: %s", op),
		Category: CategoryMutation,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewAlreadyInVibeError は参加中のVibeがある状態での作成・参加エラーを生成する。
func NewAlreadyInVibeError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyInVibe,
		Message:  "既に別のVibeに参加しています。",
		Category: CategoryMutation,
		Action:   "現在のVibeから退出するか、終了してから操作してください。",
	}
}

// NewTransitionPendingError は作成・参加処理の実行中エラーを生成する。
func NewTransitionPendingError() *APIError {
	return &APIError{
		Code:     ErrCodeTransitionPending,
		Message:  "前の操作を処理中です。",
		Category: CategoryMutation,
		Action:   "完了を待ってから再度お試しください。",
	}
}

// NewNoActiveVibeError は参加中Vibeがない状態での操作エラーを生成する。
func NewNoActiveVibeError() *APIError {
	return &APIError{
		Code:     ErrCodeNoActiveVibe,
		Message:  "参加中のVibeがありません。",
		Category: CategoryMutation,
		Action:   "Vibeに参加してから操作してください。",
	}
}

// NewEventUnavailableError は条件付き書き込みが対象行に一致しなかった場合のエラーを生成する。
func NewEventUnavailableError(eventID int64) *APIError {
	return &APIError{
		Code:     ErrCodeEventUnavailable,
		Message:  fmt.Sprintf("このVibeは利用できません: %d", eventID),
		Category: CategoryMutation,
		Action:   "Vibeが終了または期限切れになっていないか確認してください。",
	}
}

// NewNotCreatorError は作成者限定操作の権限エラーを生成する。
func NewNotCreatorError() *APIError {
	return &APIError{
		Code:     ErrCodeNotCreator,
		Message:  "この操作はVibeの作成者のみ実行できます。",
		Category: CategoryMutation,
		Action:   "作成者に依頼してください。",
	}
}

// NewCreatorCannotLeaveError は作成者の退出エラーを生成する。
func NewCreatorCannotLeaveError() *APIError {
	return &APIError{
		Code:     ErrCodeCreatorCannotLeave,
		Message:  "作成者はVibeから退出できません。",
		Category: CategoryMutation,
		Action:   "Vibeを終了してください。",
	}
}

// NewInvalidEventError はイベント作成入力の不備エラーを生成する。
func NewInvalidEventError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEvent,
		Message:  fmt.Sprintf("Vibeの内容が不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "タイトルと1つ以上のトピックを指定してください。",
	}
}

// NewOutOfRangeError は作成可能範囲外の地点を指定した場合のエラーを生成する。
func NewOutOfRangeError(maxMeters float64) *APIError {
	return &APIError{
		Code:     ErrCodeOutOfRange,
		Message:  fmt.Sprintf("現在地から%.0fm以内の地点を指定してください。", maxMeters),
		Category: CategoryValidation,
		Action:   "地図上で現在地に近い地点を選択してください。",
	}
}

// NewInvalidMessageError はチャットメッセージの不備エラーを生成する。
func NewInvalidMessageError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMessage,
		Message:  fmt.Sprintf("メッセージが不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "メッセージを入力してください。",
	}
}

// NewInvalidNoteError はメモの不備エラーを生成する。
func NewInvalidNoteError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidNote,
		Message:  fmt.Sprintf("メモが不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "メモを入力してください。",
	}
}

// NewLocationDeniedError は位置情報の利用拒否エラーを生成する。
func NewLocationDeniedError() *APIError {
	return &APIError{
		Code:     ErrCodeLocationDenied,
		Message:  "位置情報の利用が許可されていません。",
		Category: CategoryGeolocation,
		Action:   "ブラウザの設定で位置情報を許可してください。デフォルトの地点を表示しています。",
	}
}

// NewLocationUnavailableError は位置情報の取得不能エラーを生成する。
func NewLocationUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeLocationUnavailable,
		Message:  "位置情報を取得できませんでした。",
		Category: CategoryGeolocation,
		Action:   "デフォルトの地点を表示しています。しばらくしてから再度お試しください。",
	}
}

// NewLocationTimeoutError は位置情報取得のタイムアウトエラーを生成する。
func NewLocationTimeoutError() *APIError {
	return &APIError{
		Code:     ErrCodeLocationTimeout,
		Message:  "位置情報の取得がタイムアウトしました。",
		Category: CategoryGeolocation,
		Action:   "デフォルトの地点を表示しています。しばらくしてから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCSRFError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRF,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: CategoryAuth,
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewBadRequestError はリクエスト形式の不備エラーを生成する。
func NewBadRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeBadRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "入力内容を確認してください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}
