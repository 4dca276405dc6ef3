package handler

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/hitoshi/eventsync/internal/model"
	"github.com/hitoshi/eventsync/internal/session"
)

// minPasswordLength は登録時のパスワードの最小長。
const minPasswordLength = 6

// SessionServiceInterface はセッションハンドラーが必要とするサービスインターフェース。
// session.Resolverが実装する。
type SessionServiceInterface interface {
	// Resolve は端末のセッションとリモートの認証状態を照合する。
	Resolve(ctx context.Context) (*session.Resolution, error)
	// SignIn はリモートで認証してセッションを保存する。
	SignIn(ctx context.Context, email, password string) (*session.Resolution, error)
	// Register はアカウントを作成してサインインする。
	Register(ctx context.Context, email, password, username string) (*session.Resolution, error)
	// SignOut はセッションとローカルのユーザーを破棄する。
	SignOut(ctx context.Context, opts session.SignOutOptions) error
}

// SessionHandler はサインイン・サインアウトのHTTPハンドラー。
type SessionHandler struct {
	service SessionServiceInterface
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionServiceInterface) *SessionHandler {
	return &SessionHandler{
		service: service,
	}
}

// signInRequest はサインインリクエストのボディ。
type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// registerRequest はアカウント登録リクエストのボディ。
type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

// sessionResponse は認証状態のAPIレスポンス。
type sessionResponse struct {
	State  string      `json:"state"`
	UserID string      `json:"user_id,omitempty"`
	User   *model.User `json:"user,omitempty"`
}

func toSessionResponse(res *session.Resolution) sessionResponse {
	return sessionResponse{
		State:  res.State.String(),
		UserID: res.UserID,
		User:   res.User,
	}
}

// GetSession は現在の認証状態を解決して返す。
// GET /api/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Resolve(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(res))
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /api/session
func (h *SessionHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidRequest(w)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		handleServiceError(w, model.NewInvalidFieldError("email", "メールアドレスとパスワードを入力してください"))
		return
	}

	res, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		// 認証情報の誤りはリモートの拒否として返るため、401として扱う
		var apiErr *model.APIError
		if errors.Is(err, model.ErrRemoteRejected) && errors.As(err, &apiErr) {
			writeAPIErrorResponse(w, http.StatusUnauthorized, apiErr)
			return
		}
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(res))
}

// SignOut はサインアウトする。
// everywhere=trueで全端末の認証を失効させる。
// 未反映の変更がある場合は409を返し、force=trueの場合のみ変更を残したままサインアウトする。
// DELETE /api/session
func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := session.SignOutOptions{
		Everywhere: q.Get("everywhere") == "true",
		Force:      q.Get("force") == "true",
	}
	if err := h.service.SignOut(r.Context(), opts); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Register はアカウントを作成してサインインする。
// POST /api/users
func (h *SessionHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidRequest(w)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Username = strings.TrimSpace(req.Username)

	if _, err := mail.ParseAddress(req.Email); err != nil {
		handleServiceError(w, model.NewInvalidFieldError("email", "メールアドレスの形式が正しくありません"))
		return
	}
	if len(req.Password) < minPasswordLength {
		handleServiceError(w, model.NewInvalidFieldError("password", "パスワードは6文字以上にしてください"))
		return
	}
	if req.Username == "" {
		handleServiceError(w, model.NewInvalidFieldError("username", "必須項目です"))
		return
	}

	res, err := h.service.Register(r.Context(), req.Email, req.Password, req.Username)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(res))
}
