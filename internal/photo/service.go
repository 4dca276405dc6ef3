// Package photo はプロフィール写真のアップロードとローカルキャッシュを提供する。
// 写真本体はS3互換ストレージに置き、ユーザーにはその参照URLだけを保存する。
// オフライン表示用のbase64はローカルにのみ保持し、リモートには送らない。
package photo

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/eventsync/internal/model"
	"github.com/hitoshi/eventsync/internal/security"
)

// BlobStore は写真の保存先。
type BlobStore interface {
	// Put はオブジェクトを保存し、公開URLを返す。
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ProfileStore は写真の参照とローカルキャッシュを保存する先。同期コーディネータが実装する。
type ProfileStore interface {
	LoadActiveUser(ctx context.Context, uid string) (*model.User, error)
	UpdateProfile(ctx context.Context, uid string, fields model.Fields) (model.SyncStatus, *model.User, error)
	CachePhotoData(ctx context.Context, uid, data string) (*model.User, error)
}

// Service はプロフィール写真の操作を提供する。
type Service struct {
	blobs   BlobStore
	users   ProfileStore
	fetcher security.RemoteFetcher
	maxSize int64
	logger  *slog.Logger
}

// NewService はServiceを生成する。
func NewService(blobs BlobStore, users ProfileStore, fetcher security.RemoteFetcher, maxSize int64, logger *slog.Logger) *Service {
	return &Service{
		blobs:   blobs,
		users:   users,
		fetcher: fetcher,
		maxSize: maxSize,
		logger:  logger,
	}
}

// ObjectKey はユーザーのプロフィール写真のオブジェクトキーを返す。
func ObjectKey(uid string) string {
	return "users/" + uid + "/profile"
}

// Upload は写真をストレージに保存し、そのURLをprofilePhotoとしてプロフィールに反映する。
// アップロードした内容はローカルにもキャッシュする。
// ストレージへの保存にはリモートへの接続が必要。
func (s *Service) Upload(ctx context.Context, uid string, data []byte, contentType string) (model.SyncStatus, *model.User, error) {
	if len(data) == 0 {
		return "", nil, model.NewInvalidFieldError("profilePhoto", "画像が空です")
	}
	if int64(len(data)) > s.maxSize {
		return "", nil, model.NewInvalidFieldError("profilePhoto", fmt.Sprintf("画像サイズが上限（%dバイト）を超えています", s.maxSize))
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", nil, model.NewInvalidFieldError("profilePhoto", "画像ファイルを指定してください")
	}

	url, err := s.blobs.Put(ctx, ObjectKey(uid), data, contentType)
	if err != nil {
		s.logger.Error("プロフィール写真の保存に失敗しました",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		return "", nil, err
	}

	status, _, err := s.users.UpdateProfile(ctx, uid, model.Fields{"profilePhoto": url})
	if err != nil {
		return "", nil, err
	}

	user, err := s.users.CachePhotoData(ctx, uid, base64.StdEncoding.EncodeToString(data))
	if err != nil {
		return "", nil, err
	}
	return status, user, nil
}

// CacheLocal はprofilePhotoのURLから写真を取得し、base64でローカルにのみ保存する。
// 写真が設定されていない場合は何もしない。
func (s *Service) CacheLocal(ctx context.Context, uid string) (*model.User, error) {
	user, err := s.users.LoadActiveUser(ctx, uid)
	if err != nil {
		return nil, err
	}
	if user.ProfilePhotoRef == "" {
		return user, nil
	}

	data, contentType, err := s.fetcher.Fetch(ctx, user.ProfilePhotoRef)
	if err != nil {
		s.logger.Warn("プロフィール写真を取得できませんでした",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		return nil, model.NewRemoteUnavailableError(err)
	}
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return nil, model.NewRemoteRejectedError("profile photo is not an image: "+contentType, nil)
	}

	return s.users.CachePhotoData(ctx, uid, base64.StdEncoding.EncodeToString(data))
}
