// Package database はデータベース接続とマイグレーション管理を提供する。
// ローカル（SQLite）とリモート（PostgreSQL）で別々のマイグレーションを持つ。
package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/local/*.sql migrations/remote/*.sql
var migrationsFS embed.FS

// NewRemoteMigrator はリモートストアのマイグレーション実行用インスタンスを生成する。
// databaseURLはPostgreSQLの接続URLを指定する。
func NewRemoteMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations/remote")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunRemoteMigrations はリモートストアのすべてのマイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。
func RunRemoteMigrations(databaseURL string) error {
	m, err := NewRemoteMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// MigrateLocal は開いているSQLite接続にローカルスキーマを適用する。冪等。
// migrate.Closeはdbも閉じてしまうため呼び出さない。dbの所有者は呼び出し元。
func MigrateLocal(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations/local")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite3 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run local migrations: %w", err)
	}

	return nil
}
