package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/eventsync/internal/model"
)

// ErrCodeRateLimitExceeded はレート制限を超えた場合のエラーコード。
const ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

// ErrorResponseBody はAPIエラーレスポンスの形式。
// Retryableは同じ要求を後で再送すれば成功しうることを示す。
// オフライン時の表示と、入力の修正が必要なエラーをUIが区別するために使う。
type ErrorResponseBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Action    string `json:"action"`
	Retryable bool   `json:"retryable"`
}

// retryableCodes は時間をおいて再送すれば成功しうるエラーコード。
var retryableCodes = map[string]bool{
	model.ErrCodeRemoteUnavailable:  true,
	model.ErrCodeStorageUnavailable: true,
	ErrCodeRateLimitExceeded:        true,
}

// IsRetryable はエラーコードが再送で解消しうるかを返す。
func IsRetryable(code string) bool {
	return retryableCodes[code]
}

// WriteErrorResponse はAPIErrorをJSONのエラーレスポンスとして書き込む。
// 原因エラー（Err）の内容はレスポンスに含めない。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
		Retryable: IsRetryable(apiErr.Code),
	})
}

// WriteInternalServerError は500の汎用レスポンスを書き込む。詳細はログにのみ記録すること。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
