// Package session は端末に保存するログイン状態と、認証状態の解決を提供する。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/eventsync/internal/model"
)

// Key はセッションを保存する既定のキー。
const Key = "eventsync:session"

// Store は{userId}の単一レコードを保存するキーバリューストア。
// レコードが存在しないことはログアウト状態を意味する。
type Store interface {
	// Load は保存されたセッションを返す。存在しない場合はnilを返す。
	Load(ctx context.Context) (*model.Session, error)
	// Save はセッションを保存する。
	Save(ctx context.Context, s model.Session) error
	// Clear はセッションを削除する。存在しない場合も成功とする。
	Clear(ctx context.Context) error
}

// FileStore は端末上のJSONファイルにセッションを保存するStore。
type FileStore struct {
	path string
}

// NewFileStore はFileStoreを生成する。
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load は保存されたセッションを返す。
func (s *FileStore) Load(ctx context.Context) (*model.Session, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return decodeSession(data)
}

// Save は一時ファイルに書き込んでからリネームし、途中状態のファイルを残さない。
func (s *FileStore) Save(ctx context.Context, sess model.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace session: %w", err)
	}
	return nil
}

// Clear はセッションファイルを削除する。
func (s *FileStore) Clear(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// RedisStore はRedisの1キーにセッションを保存するStore。
// サーバー上で複数プロセスが同じログイン状態を共有する構成で使用する。
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore はRedisStoreを生成する。keyが空の場合はKeyを使用する。
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = Key
	}
	return &RedisStore{client: client, key: key}
}

// Load は保存されたセッションを返す。
func (s *RedisStore) Load(ctx context.Context) (*model.Session, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	return decodeSession(data)
}

// Save はセッションを有効期限なしで保存する。
func (s *RedisStore) Save(ctx context.Context, sess model.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

// Clear はセッションのキーを削除する。
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del session: %w", err)
	}
	return nil
}

// decodeSession は保存データをデコードする。userIdが空のレコードはセッションなしとして扱う。
func decodeSession(data []byte) (*model.Session, error) {
	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if sess.UserID == "" {
		return nil, nil
	}
	return &sess, nil
}

// compile-time interface check
var (
	_ Store = (*FileStore)(nil)
	_ Store = (*RedisStore)(nil)
)
