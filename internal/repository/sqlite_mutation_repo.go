package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/eventsync/internal/model"
)

// SQLiteMutationRepo は保留中の変更キューをSQLiteに永続化する。
// プロセス再起動後もキューが失われないようにする。
type SQLiteMutationRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteMutationRepo はSQLiteMutationRepoを生成する。
func NewSQLiteMutationRepo(db *sql.DB) *SQLiteMutationRepo {
	return &SQLiteMutationRepo{db: db, now: time.Now}
}

// Append はキューの末尾に変更を追加し、採番されたIDとCreatedAtを設定する。
func (r *SQLiteMutationRepo) Append(ctx context.Context, m *model.PendingMutation) error {
	payload, err := json.Marshal(m.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode mutation payload: %w", err)
	}
	m.CreatedAt = r.now().UTC()

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO pending_mutations (kind, target_uid, payload, attempts, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(m.Kind), m.TargetUID, string(payload), m.Attempts, m.LastError, m.CreatedAt,
	)
	if err != nil {
		return model.NewStorageError("append pending mutation", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return model.NewStorageError("append pending mutation", err)
	}
	m.ID = id
	return nil
}

// ListPending は保留中の変更をFIFO順（ID昇順）で返す。
func (r *SQLiteMutationRepo) ListPending(ctx context.Context) ([]*model.PendingMutation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, kind, target_uid, payload, attempts, last_error, created_at
		 FROM pending_mutations
		 ORDER BY id ASC`,
	)
	if err != nil {
		return nil, model.NewStorageError("list pending mutations", err)
	}
	defer rows.Close()

	var mutations []*model.PendingMutation
	for rows.Next() {
		var (
			m       model.PendingMutation
			kind    string
			payload string
		)
		if err := rows.Scan(&m.ID, &kind, &m.TargetUID, &payload, &m.Attempts, &m.LastError, &m.CreatedAt); err != nil {
			return nil, model.NewStorageError("scan pending mutation", err)
		}
		m.Kind = model.MutationKind(kind)
		if err := json.Unmarshal([]byte(payload), &m.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode mutation payload (id=%d): %w", m.ID, err)
		}
		mutations = append(mutations, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("list pending mutations", err)
	}
	return mutations, nil
}

// Remove は指定IDの変更をキューから削除する。
func (r *SQLiteMutationRepo) Remove(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, id); err != nil {
		return model.NewStorageError("remove pending mutation", err)
	}
	return nil
}

// RecordAttempt は再送の試行回数と最後のエラーを記録する。
func (r *SQLiteMutationRepo) RecordAttempt(ctx context.Context, id int64, lastErr string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pending_mutations SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		lastErr, id,
	)
	if err != nil {
		return model.NewStorageError("record mutation attempt", err)
	}
	return nil
}

// Count は保留中の変更の件数を返す。
func (r *SQLiteMutationRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations`).Scan(&n); err != nil {
		return 0, model.NewStorageError("count pending mutations", err)
	}
	return n, nil
}

// compile-time interface check
var _ PendingMutationRepository = (*SQLiteMutationRepo)(nil)
