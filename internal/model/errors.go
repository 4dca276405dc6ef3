package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// errors.Is はCodeが一致するAPIErrorを同一とみなす。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, storage, remote, sync, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因となったエラー（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因となったエラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is はエラーコードで比較する。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// 定義済みエラーコード
const (
	ErrCodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	ErrCodeStorageError       = "STORAGE_ERROR"
	ErrCodeRemoteUnavailable  = "REMOTE_UNAVAILABLE"
	ErrCodeRemoteRejected     = "REMOTE_REJECTED"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeEventNotFound      = "EVENT_NOT_FOUND"
	ErrCodeInvalidField       = "INVALID_FIELD"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodePendingMutations   = "PENDING_MUTATIONS"
)

// errors.Is の比較対象となる番兵エラー。
var (
	ErrStorageUnavailable = &APIError{Code: ErrCodeStorageUnavailable}
	ErrStorageError       = &APIError{Code: ErrCodeStorageError}
	ErrRemoteUnavailable  = &APIError{Code: ErrCodeRemoteUnavailable}
	ErrRemoteRejected     = &APIError{Code: ErrCodeRemoteRejected}
	ErrUserNotFound       = &APIError{Code: ErrCodeUserNotFound}
	ErrEventNotFound      = &APIError{Code: ErrCodeEventNotFound}
	ErrInvalidField       = &APIError{Code: ErrCodeInvalidField}
	ErrUnauthorized       = &APIError{Code: ErrCodeUnauthorized}
	ErrPendingMutations   = &APIError{Code: ErrCodePendingMutations}
)

// NewStorageUnavailableError はローカルDBを開けない場合のエラーを生成する。
func NewStorageUnavailableError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeStorageUnavailable,
		Message:  "端末内のデータベースを開けませんでした。",
		Category: "storage",
		Action:   "アプリを再起動してください。解決しない場合は端末の空き容量を確認してください。",
		Err:      cause,
	}
}

// NewStorageError は単一のローカルDB操作が失敗した場合のエラーを生成する。
func NewStorageError(op string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeStorageError,
		Message:  fmt.Sprintf("端末内のデータ操作に失敗しました: %s", op),
		Category: "storage",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      cause,
	}
}

// NewRemoteUnavailableError はリモートストアに到達できない場合のエラーを生成する。
// タイムアウトもこのエラーとして扱う。
func NewRemoteUnavailableError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeRemoteUnavailable,
		Message:  "サーバーに接続できませんでした。",
		Category: "remote",
		Action:   "ネットワーク接続を確認してください。変更は接続回復後に同期されます。",
		Err:      cause,
	}
}

// NewRemoteRejectedError はリモートストアが要求を拒否した場合のエラーを生成する。
func NewRemoteRejectedError(reason string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeRemoteRejected,
		Message:  fmt.Sprintf("サーバーが要求を拒否しました: %s", reason),
		Category: "remote",
		Action:   "入力内容と権限を確認してから再度お試しください。",
		Err:      cause,
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewEventNotFoundError はイベントが見つからない場合のエラーを生成する。
func NewEventNotFoundError(eventID string) *APIError {
	return &APIError{
		Code:     ErrCodeEventNotFound,
		Message:  fmt.Sprintf("指定されたイベントが見つかりません: %s", eventID),
		Category: "validation",
		Action:   "イベント一覧を更新してください。",
	}
}

// NewInvalidFieldError は更新フィールドが不正な場合のエラーを生成する。
func NewInvalidFieldError(field, reason string) *APIError {
	msg := fmt.Sprintf("入力内容が不正です: %s", reason)
	if field != "" {
		msg = fmt.Sprintf("入力内容が不正です (%s): %s", field, reason)
	}
	return &APIError{
		Code:     ErrCodeInvalidField,
		Message:  msg,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnauthorizedError は未認証の場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewPendingMutationsError はリモートに未反映の変更が残っているためサインアウトできない場合のエラーを生成する。
func NewPendingMutationsError(count int) *APIError {
	return &APIError{
		Code:     ErrCodePendingMutations,
		Message:  fmt.Sprintf("サーバーに未反映の変更が%d件あります。", count),
		Category: "sync",
		Action:   "接続が回復してから再度お試しください。変更を破棄する場合は強制的にサインアウトしてください。",
	}
}
