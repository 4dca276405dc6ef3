package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/eventsync/internal/model"
)

// EventServiceInterface はイベントハンドラーが必要とするサービスインターフェース。
// syncer.Coordinatorが実装する。
type EventServiceInterface interface {
	CreateEvent(ctx context.Context, event model.Event) (*model.Event, error)
	GetEvent(ctx context.Context, uid string) (*model.Event, error)
	ListEvents(ctx context.Context) ([]*model.Event, error)
	// RefreshEvents はリモートのイベントをローカルに取り込んでから一覧を返す。
	RefreshEvents(ctx context.Context) ([]*model.Event, error)
	UpdateEvent(ctx context.Context, uid string, fields model.Fields) (model.SyncStatus, *model.Event, error)
	DeleteEvent(ctx context.Context, uid string) (model.SyncStatus, error)
}

// EventHandler はイベント管理のHTTPハンドラー。
type EventHandler struct {
	service EventServiceInterface
}

// NewEventHandler はEventHandlerを生成する。
func NewEventHandler(service EventServiceInterface) *EventHandler {
	return &EventHandler{
		service: service,
	}
}

// eventListResponse はイベント一覧のAPIレスポンス。
// Refreshedがfalseの場合はローカルのキャッシュのみを返している。
type eventListResponse struct {
	Events    []*model.Event `json:"events"`
	Refreshed bool           `json:"refreshed"`
}

// ListEvents はイベント一覧を返す。
// refresh=trueの場合はリモートから取り込んでから返す。
// リモートに到達できない場合はローカルのキャッシュを返す。
// GET /api/events
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		events, err := h.service.RefreshEvents(r.Context())
		if err == nil {
			writeJSON(w, http.StatusOK, eventListResponse{Events: nonNilEvents(events), Refreshed: true})
			return
		}
		if !errors.Is(err, model.ErrRemoteUnavailable) {
			handleServiceError(w, err)
			return
		}
		slog.Warn("リモートに到達できないためローカルのイベントを返します",
			slog.String("error", err.Error()),
		)
	}

	events, err := h.service.ListEvents(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventListResponse{Events: nonNilEvents(events)})
}

// CreateEvent はイベントを作成する。リモートが採番するため接続が必要。
// POST /api/events
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.Event
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidRequest(w)
		return
	}
	req.UID = ""

	event, err := h.service.CreateEvent(r.Context(), req)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// GetEvent はイベントを返す。
// GET /api/events/{id}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.service.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// UpdateEvent はイベントを部分更新する。
// PATCH /api/events/{id}
func (h *EventHandler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	fields, ok := readFields(w, r)
	if !ok {
		return
	}

	status, event, err := h.service.UpdateEvent(r.Context(), chi.URLParam(r, "id"), fields)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, syncStatusCode(status), writeResultResponse{Status: status, Data: event})
}

// DeleteEvent はイベントを削除する。
// DELETE /api/events/{id}
func (h *EventHandler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.DeleteEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, syncStatusCode(status), writeResultResponse{Status: status})
}

func nonNilEvents(events []*model.Event) []*model.Event {
	if events == nil {
		return []*model.Event{}
	}
	return events
}
