// Package remote はシステム・オブ・レコードであるリモートのドキュメントストアを扱う。
// 呼び出しはすべて呼び出し元が指定するタイムアウトで打ち切られ、
// 失敗はREMOTE_UNAVAILABLE（通信不可・タイムアウト）かREMOTE_REJECTED（認証・権限・検証エラー）に分類される。
package remote

import (
	"context"
	"errors"

	"github.com/lib/pq"

	"github.com/hitoshi/eventsync/internal/model"
)

// コレクション名
const (
	CollectionUsers  = "users"
	CollectionEvents = "events"
)

// Store はコアが利用するリモートストアの機能。
type Store interface {
	// Authenticate はメールアドレスとパスワードで認証し、プリンシパルIDを返す。
	Authenticate(ctx context.Context, email, password string) (string, error)

	// FetchUserDocument はusers/{principalID}を取得する。存在しない場合はnilを返す。
	FetchUserDocument(ctx context.Context, principalID string) (*model.User, error)

	// WriteUserDocument はusers/{uid}をフィールド単位で上書きする（後勝ち、マージなし）。
	WriteUserDocument(ctx context.Context, uid string, fields model.Fields) error

	// CreateEventDocument はevents/{uid}を作成し、リモートが採番したuidを返す。
	CreateEventDocument(ctx context.Context, event *model.Event) (string, error)

	// UpdateEventDocument はevents/{uid}をフィールド単位で上書きする。
	UpdateEventDocument(ctx context.Context, uid string, fields model.Fields) error

	// DeleteEventDocument はevents/{uid}を削除する。存在しない場合も成功とする。
	DeleteEventDocument(ctx context.Context, uid string) error

	// CurrentPrincipal は現在のリモート認証状態のプリンシパルIDを返す。
	// 未認証の場合は空文字列を返す。端末に保存されたセッションとは独立している。
	CurrentPrincipal(ctx context.Context) (string, error)
}

// Classify はリモート呼び出しで発生したエラーをREMOTE_UNAVAILABLEかREMOTE_REJECTEDに分類する。
// 既にAPIErrorの場合はそのまま返す。
// 分類できないエラーはデータを失わないようREMOTE_UNAVAILABLEとして扱う。
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.NewRemoteUnavailableError(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		// 08: connection exception, 53: insufficient resources, 57: operator intervention
		case "08", "53", "57":
			return model.NewRemoteUnavailableError(err)
		default:
			return model.NewRemoteRejectedError(pqErr.Code.Name(), err)
		}
	}

	// ネットワークエラー・接続断など
	return model.NewRemoteUnavailableError(err)
}
