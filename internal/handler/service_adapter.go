package handler

import (
	"context"
	"time"

	"github.com/hitoshi/eventsync/internal/model"
)

// SyncCoordinator はSyncServiceAdapterが利用する同期コーディネータの機能。
type SyncCoordinator interface {
	PendingMutations(ctx context.Context) ([]*model.PendingMutation, error)
	FlushPendingMutations(ctx context.Context) (*model.FlushReport, error)
}

// SyncServiceAdapter は syncer.Coordinator を SyncServiceInterface に適合させるアダプタ。
type SyncServiceAdapter struct {
	coord SyncCoordinator
}

// NewSyncServiceAdapter はSyncServiceAdapterを生成する。
func NewSyncServiceAdapter(coord SyncCoordinator) *SyncServiceAdapter {
	return &SyncServiceAdapter{coord: coord}
}

// ListPending は保留中の変更をhandlerレスポンス型で返す。
func (a *SyncServiceAdapter) ListPending(ctx context.Context) ([]pendingMutationResponse, error) {
	entries, err := a.coord.PendingMutations(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]pendingMutationResponse, len(entries))
	for i, m := range entries {
		results[i] = toPendingMutationResponse(m)
	}
	return results, nil
}

// Flush は保留キューをフラッシュし、結果をhandlerレスポンス型で返す。
func (a *SyncServiceAdapter) Flush(ctx context.Context) (*flushReportResponse, error) {
	report, err := a.coord.FlushPendingMutations(ctx)
	if err != nil {
		return nil, err
	}

	resp := &flushReportResponse{
		Synced:    report.Synced,
		Remaining: report.Remaining,
		Rejected:  make([]rejectedMutationResponse, len(report.Rejected)),
	}
	for i, rej := range report.Rejected {
		resp.Rejected[i] = rejectedMutationResponse{
			Mutation: toPendingMutationResponse(&rej.Mutation),
			Reason:   rej.Reason,
		}
	}
	return resp, nil
}

func toPendingMutationResponse(m *model.PendingMutation) pendingMutationResponse {
	return pendingMutationResponse{
		ID:        m.ID,
		Kind:      string(m.Kind),
		TargetUID: m.TargetUID,
		Fields:    m.Fields,
		Attempts:  m.Attempts,
		LastError: m.LastError,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
	}
}
