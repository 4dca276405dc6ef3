package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// TokenCache はリモート認証トークンをプロセス再起動後も保持するためのキャッシュ。
type TokenCache interface {
	LoadToken() (string, error)
	SaveToken(token string) error
	ClearToken() error
}

// FileTokenCache はトークンを1つのJSONファイルに保存するTokenCache。
type FileTokenCache struct {
	path string
}

// NewFileTokenCache はFileTokenCacheを生成する。
func NewFileTokenCache(path string) *FileTokenCache {
	return &FileTokenCache{path: path}
}

type tokenFile struct {
	Token string `json:"token"`
}

// LoadToken は保存されたトークンを返す。ファイルがない場合は空文字列を返す。
func (c *FileTokenCache) LoadToken() (string, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token cache: %w", err)
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return "", fmt.Errorf("failed to decode token cache: %w", err)
	}
	return tf.Token, nil
}

// SaveToken はトークンを一時ファイル経由で書き込み、アトミックに置き換える。
func (c *FileTokenCache) SaveToken(token string) error {
	data, err := json.Marshal(tokenFile{Token: token})
	if err != nil {
		return fmt.Errorf("failed to encode token cache: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token cache: %w", err)
	}
	if err := os.Rename(tmp, filepath.Clean(c.path)); err != nil {
		return fmt.Errorf("failed to replace token cache: %w", err)
	}
	return nil
}

// ClearToken は保存されたトークンを削除する。
func (c *FileTokenCache) ClearToken() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove token cache: %w", err)
	}
	return nil
}
