package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/eventsync/internal/middleware"
	"github.com/hitoshi/eventsync/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
// syncer.Coordinatorが実装する。
type UserServiceInterface interface {
	// LoadActiveUser はローカル優先でユーザーを返す。
	LoadActiveUser(ctx context.Context, uid string) (*model.User, error)
	// UpdateProfile はプロフィールの部分更新をローカルに反映してからリモートに送る。
	UpdateProfile(ctx context.Context, uid string, fields model.Fields) (model.SyncStatus, *model.User, error)
}

// PhotoServiceInterface はプロフィール写真の操作に必要なサービスインターフェース。
// photo.Serviceが実装する。
type PhotoServiceInterface interface {
	// Upload は写真を保存し、プロフィールの参照を更新する。
	Upload(ctx context.Context, uid string, data []byte, contentType string) (model.SyncStatus, *model.User, error)
	// CacheLocal はリモートの写真をローカルにキャッシュする。
	CacheLocal(ctx context.Context, uid string) (*model.User, error)
}

// UserHandler はアクティブユーザーのHTTPハンドラー。
type UserHandler struct {
	service      UserServiceInterface
	photos       PhotoServiceInterface
	maxPhotoSize int64
}

// NewUserHandler はUserHandlerを生成する。
// photosがnilの場合、写真関連のエンドポイントは503を返す。
func NewUserHandler(service UserServiceInterface, photos PhotoServiceInterface, maxPhotoSize int64) *UserHandler {
	return &UserHandler{
		service:      service,
		photos:       photos,
		maxPhotoSize: maxPhotoSize,
	}
}

// writeResultResponse は書き込み操作の結果のAPIレスポンス。
type writeResultResponse struct {
	Status model.SyncStatus `json:"status"`
	Data   any              `json:"data,omitempty"`
}

// GetMe はアクティブユーザーのプロフィールを返す。
// GET /api/users/me
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	user, err := h.service.LoadActiveUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateMe はアクティブユーザーのプロフィールを部分更新する。
// リモートに反映済みなら200、オフラインでキューに積んだ場合は202を返す。
// PATCH /api/users/me
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	fields, ok := readFields(w, r)
	if !ok {
		return
	}

	status, user, err := h.service.UpdateProfile(r.Context(), userID, fields)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, syncStatusCode(status), writeResultResponse{Status: status, Data: user})
}

// UploadPhoto はリクエストボディの画像をプロフィール写真として保存する。
// POST /api/users/me/photo
func (h *UserHandler) UploadPhoto(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}
	if h.photos == nil {
		writePhotoDisabled(w)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPhotoSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			handleServiceError(w, model.NewInvalidFieldError("profilePhoto", "画像サイズが上限を超えています"))
			return
		}
		writeInvalidRequest(w)
		return
	}

	status, user, err := h.photos.Upload(r.Context(), userID, data, r.Header.Get("Content-Type"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, syncStatusCode(status), writeResultResponse{Status: status, Data: user})
}

// CachePhoto はリモートのプロフィール写真をオフライン表示用にローカルへ保存する。
// POST /api/users/me/photo/cache
func (h *UserHandler) CachePhoto(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}
	if h.photos == nil {
		writePhotoDisabled(w)
		return
	}

	user, err := h.photos.CacheLocal(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func writePhotoDisabled(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
		Code:     "PHOTO_STORAGE_DISABLED",
		Message:  "写真の保存先が設定されていません。",
		Category: "system",
		Action:   "管理者に連絡してください。",
	})
}
