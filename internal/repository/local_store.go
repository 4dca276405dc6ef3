package repository

import (
	"database/sql"

	"github.com/hitoshi/eventsync/internal/database"
	"github.com/hitoshi/eventsync/internal/model"
)

// LocalStore は端末内の組み込みDBと、その上のリポジトリをまとめたもの。
// スキーマの所有者であり、Open時にテーブルを作成する。
type LocalStore struct {
	db *sql.DB

	Users     *SQLiteUserRepo
	Events    *SQLiteEventRepo
	Mutations *SQLiteMutationRepo
}

// OpenLocalStore はローカルDBを開き、スキーマを適用する。冪等。
// DBエンジンを開けない場合はSTORAGE_UNAVAILABLEを返す。
func OpenLocalStore(path string) (*LocalStore, error) {
	db, err := database.OpenLocal(path)
	if err != nil {
		return nil, err
	}

	if err := database.MigrateLocal(db); err != nil {
		db.Close()
		return nil, model.NewStorageUnavailableError(err)
	}

	return &LocalStore{
		db:        db,
		Users:     NewSQLiteUserRepo(db),
		Events:    NewSQLiteEventRepo(db),
		Mutations: NewSQLiteMutationRepo(db),
	}, nil
}

// DB は内部の接続を返す。
func (s *LocalStore) DB() *sql.DB {
	return s.db
}

// Close はDB接続を閉じる。
func (s *LocalStore) Close() error {
	return s.db.Close()
}
