// Package repository はローカルストア（端末内の組み込みDB）の永続化インターフェースと実装を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/eventsync/internal/model"
)

// UserRepository はユーザーのローカルキャッシュの永続化インターフェース。
type UserRepository interface {
	// Upsert はuidが存在すれば更新し、なければ挿入する。永続化された行を返す。
	// 単一トランザクションで実行され、同じuidへの同時Upsertが部分的に混ざることはない。
	Upsert(ctx context.Context, user *model.User) (*model.User, error)

	// FindByUID は指定uidのユーザーを取得する。見つからない場合はnilを返す。
	FindByUID(ctx context.Context, uid string) (*model.User, error)

	// List はキャッシュされている全ユーザーを返す。
	List(ctx context.Context) ([]*model.User, error)

	// DeleteByUID は指定uidのユーザーを削除する。
	DeleteByUID(ctx context.Context, uid string) error
}

// EventRepository はイベントのローカルキャッシュの永続化インターフェース。
type EventRepository interface {
	// Upsert はuidが存在すれば更新し、なければ挿入する。永続化された行を返す。
	Upsert(ctx context.Context, event *model.Event) (*model.Event, error)

	// FindByUID は指定uidのイベントを取得する。見つからない場合はnilを返す。
	FindByUID(ctx context.Context, uid string) (*model.Event, error)

	// List はキャッシュされている全イベントを返す。
	List(ctx context.Context) ([]*model.Event, error)

	// DeleteByUID は指定uidのイベントを削除する。
	DeleteByUID(ctx context.Context, uid string) error
}

// PendingMutationRepository は保留中の変更キューの永続化インターフェース。
// 同期コーディネータのみが保持する。
type PendingMutationRepository interface {
	// Append はキューの末尾に変更を追加する。IDとCreatedAtが設定される。
	Append(ctx context.Context, m *model.PendingMutation) error

	// ListPending は保留中の変更をFIFO順で返す。
	ListPending(ctx context.Context) ([]*model.PendingMutation, error)

	// Remove は指定IDの変更を削除する。リモートへの反映が確認できた場合にのみ呼ぶ。
	Remove(ctx context.Context, id int64) error

	// RecordAttempt は再送の試行回数と最後のエラーを記録する。
	RecordAttempt(ctx context.Context, id int64, lastErr string) error

	// Count は保留中の変更の件数を返す。
	Count(ctx context.Context) (int, error)
}
