package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/eventsync/internal/model"
)

// SyncServiceInterface は同期ハンドラーが必要とするサービスインターフェース。
type SyncServiceInterface interface {
	ListPending(ctx context.Context) ([]pendingMutationResponse, error)
	Flush(ctx context.Context) (*flushReportResponse, error)
}

// SyncHandler は保留キューのHTTPハンドラー。
type SyncHandler struct {
	service SyncServiceInterface
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(service SyncServiceInterface) *SyncHandler {
	return &SyncHandler{
		service: service,
	}
}

// pendingMutationResponse は保留中の変更のAPIレスポンス。
type pendingMutationResponse struct {
	ID        int64        `json:"id"`
	Kind      string       `json:"kind"`
	TargetUID string       `json:"target_uid"`
	Fields    model.Fields `json:"fields,omitempty"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt string       `json:"created_at"`
}

// pendingListResponse は保留キューのAPIレスポンス。
type pendingListResponse struct {
	Count     int                       `json:"count"`
	Mutations []pendingMutationResponse `json:"mutations"`
}

// rejectedMutationResponse はリモートに拒否され破棄された変更。
type rejectedMutationResponse struct {
	Mutation pendingMutationResponse `json:"mutation"`
	Reason   string                  `json:"reason"`
}

// flushReportResponse はフラッシュ結果のAPIレスポンス。
type flushReportResponse struct {
	Synced    int                        `json:"synced"`
	Remaining int                        `json:"remaining"`
	Rejected  []rejectedMutationResponse `json:"rejected"`
}

// ListPending はリモートに未反映の変更を返す。
// GET /api/sync/pending
func (h *SyncHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	mutations, err := h.service.ListPending(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pendingListResponse{Count: len(mutations), Mutations: mutations})
}

// Flush は保留キューを直ちにフラッシュする。
// 運用者が明示的に実行する操作で、自動の再送は接続監視からの要求に限られる。
// POST /api/sync/flush
func (h *SyncHandler) Flush(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Flush(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
