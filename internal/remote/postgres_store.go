package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/eventsync/internal/model"
)

// defaultTimeout はタイムアウト未指定時のリモート呼び出しの上限。
const defaultTimeout = 10 * time.Second

// PostgresStore はPostgreSQLのJSONBをドキュメントストアとして使うStore実装。
// users/{uid}、events/{uid}はdocumentsテーブルの行として保持する。
// 認証状態（現在のトークン）はクライアント側で保持し、TokenCacheで再起動後も復元する。
type PostgresStore struct {
	db      *sql.DB
	timeout time.Duration
	cache   TokenCache
	logger  *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewPostgresStore はPostgresStoreを生成する。
// timeoutが0以下の場合はデフォルト値10秒を使用する。cacheはnilでもよい。
func NewPostgresStore(db *sql.DB, timeout time.Duration, cache TokenCache, logger *slog.Logger) *PostgresStore {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s := &PostgresStore{
		db:      db,
		timeout: timeout,
		cache:   cache,
		logger:  logger,
	}
	if cache != nil {
		token, err := cache.LoadToken()
		if err != nil {
			logger.Warn("認証トークンキャッシュの読み込みに失敗しました",
				slog.String("error", err.Error()),
			)
		}
		s.token = token
	}
	return s
}

// withTimeout は呼び出し元のコンテキストにタイムアウトを設定する。
// タイムアウト超過はClassifyによりREMOTE_UNAVAILABLEとなる。
func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Ping はリモートストアへの到達性を確認する。
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return Classify(s.db.PingContext(ctx))
}

// Register はアカウントとusers/{uid}ドキュメントを同一トランザクションで作成する。
// ドキュメントは初期値（nivel=1、プロフィールは空）で作成される。
func (s *PostgresStore) Register(ctx context.Context, email, password, username string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return "", model.NewInvalidFieldError("email", "メールアドレスとパスワードは必須です")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", model.NewRemoteRejectedError("パスワードを処理できません", err)
	}

	principalID := uuid.NewString()
	doc, err := json.Marshal(model.User{
		UID:         principalID,
		Username:    username,
		Email:       email,
		AccessLevel: 1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode user document: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", Classify(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (principal_id, email, password_hash) VALUES ($1, $2, $3)`,
		principalID, email, string(hash),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return "", model.NewRemoteRejectedError("このメールアドレスは既に登録されています", err)
		}
		return "", Classify(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)`,
		CollectionUsers, principalID, documentJSON(doc),
	)
	if err != nil {
		return "", Classify(err)
	}

	if err := tx.Commit(); err != nil {
		return "", Classify(err)
	}

	return principalID, nil
}

// Authenticate はメールアドレスとパスワードを検証し、新しい認証トークンを発行する。
// 発行したトークンは現在の認証状態として保持される。
func (s *PostgresStore) Authenticate(ctx context.Context, email, password string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var principalID, hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT principal_id, password_hash FROM accounts WHERE email = $1`,
		strings.TrimSpace(strings.ToLower(email)),
	).Scan(&principalID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.NewRemoteRejectedError("メールアドレスまたはパスワードが正しくありません", nil)
	}
	if err != nil {
		return "", Classify(err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", model.NewRemoteRejectedError("メールアドレスまたはパスワードが正しくありません", nil)
	}

	token := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_tokens (token, principal_id) VALUES ($1, $2)`,
		token, principalID,
	); err != nil {
		return "", Classify(err)
	}

	s.setToken(token)
	return principalID, nil
}

// CurrentPrincipal は保持しているトークンが有効であればそのプリンシパルIDを返す。
// 失効済み（全端末からのサインアウト等）の場合はトークンを破棄して空文字列を返す。
func (s *PostgresStore) CurrentPrincipal(ctx context.Context) (string, error) {
	token := s.currentToken()
	if token == "" {
		return "", nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var principalID string
	err := s.db.QueryRowContext(ctx,
		`SELECT principal_id FROM auth_tokens WHERE token = $1 AND revoked_at IS NULL`,
		token,
	).Scan(&principalID)
	if errors.Is(err, sql.ErrNoRows) {
		s.setToken("")
		return "", nil
	}
	if err != nil {
		return "", Classify(err)
	}
	return principalID, nil
}

// SignOut は現在のトークンを失効させ、認証状態を破棄する。
// リモートに到達できない場合でもローカルの認証状態は破棄する。
func (s *PostgresStore) SignOut(ctx context.Context) error {
	token := s.currentToken()
	s.setToken("")
	if token == "" {
		return nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_tokens SET revoked_at = now() WHERE token = $1 AND revoked_at IS NULL`,
		token,
	)
	return Classify(err)
}

// RevokeAll は指定プリンシパルの全トークンを失効させる（全端末からのサインアウト）。
func (s *PostgresStore) RevokeAll(ctx context.Context, principalID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_tokens SET revoked_at = now() WHERE principal_id = $1 AND revoked_at IS NULL`,
		principalID,
	)
	return Classify(err)
}

// FetchUserDocument はusers/{principalID}を取得する。存在しない場合はnilを返す。
func (s *PostgresStore) FetchUserDocument(ctx context.Context, principalID string) (*model.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		CollectionUsers, principalID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Classify(err)
	}

	user := &model.User{}
	if err := json.Unmarshal(data, user); err != nil {
		return nil, model.NewRemoteRejectedError("ユーザードキュメントの形式が不正です", err)
	}
	user.UID = principalID
	// profilePhotoDataはローカル専用のキャッシュ
	user.ProfilePhotoData = ""
	return user, nil
}

// WriteUserDocument はusers/{uid}をフィールド単位で上書きする。
// 本人のドキュメントにのみ書き込める。
func (s *PostgresStore) WriteUserDocument(ctx context.Context, uid string, fields model.Fields) error {
	if err := model.ValidateUserFields(fields); err != nil {
		return model.NewRemoteRejectedError("更新できないフィールドが含まれています", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	principalID, err := s.CurrentPrincipal(ctx)
	if err != nil {
		return err
	}
	if principalID == "" || principalID != uid {
		return model.NewRemoteRejectedError("このユーザーを更新する権限がありません", nil)
	}

	return s.patchDocument(ctx, CollectionUsers, uid, fields)
}

// CreateEventDocument はevents/{uid}を作成し、採番したuidを返す。
func (s *PostgresStore) CreateEventDocument(ctx context.Context, event *model.Event) (string, error) {
	fields, err := event.Fields()
	if err != nil {
		return "", model.NewRemoteRejectedError("イベントの形式が不正です", err)
	}
	doc, err := json.Marshal(fields)
	if err != nil {
		return "", model.NewRemoteRejectedError("イベントの形式が不正です", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.requirePrincipal(ctx); err != nil {
		return "", err
	}

	uid := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)`,
		CollectionEvents, uid, documentJSON(doc),
	); err != nil {
		return "", Classify(err)
	}
	return uid, nil
}

// UpdateEventDocument はevents/{uid}をフィールド単位で上書きする。
func (s *PostgresStore) UpdateEventDocument(ctx context.Context, uid string, fields model.Fields) error {
	if err := model.ValidateEventFields(fields); err != nil {
		return model.NewRemoteRejectedError("更新できないフィールドが含まれています", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.requirePrincipal(ctx); err != nil {
		return err
	}
	return s.patchDocument(ctx, CollectionEvents, uid, fields)
}

// DeleteEventDocument はevents/{uid}を削除する。存在しない場合も成功とするため再送しても安全。
func (s *PostgresStore) DeleteEventDocument(ctx context.Context, uid string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.requirePrincipal(ctx); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		CollectionEvents, uid,
	)
	return Classify(err)
}

// ListEventDocuments はevents配下の全ドキュメントを返す。
func (s *PostgresStore) ListEventDocuments(ctx context.Context) ([]*model.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE collection = $1 ORDER BY updated_at, id`,
		CollectionEvents,
	)
	if err != nil {
		return nil, Classify(err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, Classify(err)
		}
		event := &model.Event{}
		if err := json.Unmarshal(data, event); err != nil {
			s.logger.Warn("形式が不正なイベントドキュメントをスキップしました",
				slog.String("event_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		event.UID = id
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(err)
	}
	return events, nil
}

// patchDocument はJSONBの連結でフィールド単位の上書きを行う。
// 同じパッチを2回適用しても結果は変わらない。
func (s *PostgresStore) patchDocument(ctx context.Context, collection, id string, fields model.Fields) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return model.NewRemoteRejectedError("更新内容を変換できません", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET data = data || $3::jsonb, updated_at = now()
		 WHERE collection = $1 AND id = $2`,
		collection, id, documentJSON(patch),
	)
	if err != nil {
		return Classify(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return Classify(err)
	}
	if n == 0 {
		return model.NewRemoteRejectedError(fmt.Sprintf("ドキュメントが存在しません: %s/%s", collection, id), nil)
	}
	return nil
}

func (s *PostgresStore) requirePrincipal(ctx context.Context) error {
	principalID, err := s.CurrentPrincipal(ctx)
	if err != nil {
		return err
	}
	if principalID == "" {
		return model.NewRemoteRejectedError("認証されていません", nil)
	}
	return nil
}

func (s *PostgresStore) currentToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *PostgresStore) setToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	if s.cache == nil {
		return
	}
	var err error
	if token == "" {
		err = s.cache.ClearToken()
	} else {
		err = s.cache.SaveToken(token)
	}
	if err != nil {
		s.logger.Warn("認証トークンキャッシュの更新に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// documentJSON はJSONBパラメータとして渡すために文字列へ変換する。
func documentJSON(b []byte) string {
	return string(b)
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
