package model

import "time"

// Session は端末に保存するログイン状態を表す。
// 存在することは認証済みの必要条件であって十分条件ではない。
type Session struct {
	UserID string `json:"userId"`
}

// MutationKind は保留中の変更の種類。
type MutationKind string

const (
	// MutationUserUpdate はユーザープロフィールの部分更新。
	MutationUserUpdate MutationKind = "user_update"
	// MutationEventUpdate はイベントの部分更新。
	MutationEventUpdate MutationKind = "event_update"
	// MutationEventDelete はイベントの削除。
	MutationEventDelete MutationKind = "event_delete"
)

// PendingMutation はローカルでは成功したがリモートに未反映の変更。
// IDの昇順がFIFOの順序となる。
type PendingMutation struct {
	ID        int64
	Kind      MutationKind
	TargetUID string
	Fields    Fields
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// SyncStatus は書き込み操作の結果を表す。
type SyncStatus string

const (
	// SyncStatusSynced はローカルとリモートの両方に反映済み。
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusQueued はローカルのみ反映済みで、接続回復後に同期される（degraded success）。
	SyncStatusQueued SyncStatus = "queued"
)

// FlushReport は保留キューのフラッシュ結果。
type FlushReport struct {
	Synced    int
	Remaining int
	Rejected  []RejectedMutation
}

// RejectedMutation はリモートに拒否され破棄された変更。
type RejectedMutation struct {
	Mutation PendingMutation
	Reason   string
}
