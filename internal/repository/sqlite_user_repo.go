package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hitoshi/eventsync/internal/model"
)

const userColumns = `uid, username, email, nivel, nombre, apellido, edad,
	whatsapp, carrera, sede, profilePhoto, profilePhotoData`

// SQLiteUserRepo はSQLiteを使用したユーザーのローカルキャッシュ。
type SQLiteUserRepo struct {
	db *sql.DB
}

// NewSQLiteUserRepo はSQLiteUserRepoを生成する。
func NewSQLiteUserRepo(db *sql.DB) *SQLiteUserRepo {
	return &SQLiteUserRepo{db: db}
}

// Upsert はuidが存在すれば全ての可変カラムを更新し、なければ挿入する。
// 行の同一性を保つためDELETE+INSERTは使わない。
// 1トランザクションで書き込みと読み戻しを行い、永続化された行を返す。
func (r *SQLiteUserRepo) Upsert(ctx context.Context, user *model.User) (*model.User, error) {
	if user == nil || user.UID == "" {
		return nil, model.NewInvalidFieldError("uid", "uidは必須です")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, model.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(uid) DO UPDATE SET
			username = excluded.username,
			email = excluded.email,
			nivel = excluded.nivel,
			nombre = excluded.nombre,
			apellido = excluded.apellido,
			edad = excluded.edad,
			whatsapp = excluded.whatsapp,
			carrera = excluded.carrera,
			sede = excluded.sede,
			profilePhoto = excluded.profilePhoto,
			profilePhotoData = excluded.profilePhotoData`,
		user.UID, user.Username, user.Email, user.AccessLevel, user.FirstName, user.LastName, user.Age,
		user.ContactNumber, user.Program, user.Site, user.ProfilePhotoRef, user.ProfilePhotoData,
	)
	if err != nil {
		return nil, model.NewStorageError("upsert user", err)
	}

	persisted, err := scanUser(tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE uid = ?`, user.UID,
	))
	if err != nil {
		return nil, model.NewStorageError("read back user", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, model.NewStorageError("commit transaction", err)
	}

	return persisted, nil
}

// FindByUID は指定uidのユーザーを取得する。見つからない場合はnilを返す。
func (r *SQLiteUserRepo) FindByUID(ctx context.Context, uid string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE uid = ?`, uid,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewStorageError("find user", err)
	}
	return user, nil
}

// List はキャッシュされている全ユーザーを返す。
// 通常運用では0件または1件だが、件数の制約は課さない。
func (r *SQLiteUserRepo) List(ctx context.Context) ([]*model.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY uid`)
	if err != nil {
		return nil, model.NewStorageError("list users", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, model.NewStorageError("scan user", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("list users", err)
	}
	return users, nil
}

// DeleteByUID は指定uidのユーザーを削除する。存在しない場合も成功とする。
func (r *SQLiteUserRepo) DeleteByUID(ctx context.Context, uid string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE uid = ?`, uid); err != nil {
		return model.NewStorageError("delete user", err)
	}
	return nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(
		&u.UID, &u.Username, &u.Email, &u.AccessLevel, &u.FirstName, &u.LastName, &u.Age,
		&u.ContactNumber, &u.Program, &u.Site, &u.ProfilePhotoRef, &u.ProfilePhotoData,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// compile-time interface check
var _ UserRepository = (*SQLiteUserRepo)(nil)
