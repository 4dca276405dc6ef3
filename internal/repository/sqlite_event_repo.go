package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hitoshi/eventsync/internal/model"
)

const eventColumns = `uid, sede, tipoActividad, tituloEvento, fechaActividad,
	horarioInicio, horarioTermino, dependencia, modalidad, docenteRepresentante,
	invitados, directorParticipante, liderParticipante, subliderParticipante,
	embajadores, inscritos, asistentesPresencial, asistentesOnline, enlaces`

// SQLiteEventRepo はSQLiteを使用したイベントのローカルキャッシュ。
type SQLiteEventRepo struct {
	db *sql.DB
}

// NewSQLiteEventRepo はSQLiteEventRepoを生成する。
func NewSQLiteEventRepo(db *sql.DB) *SQLiteEventRepo {
	return &SQLiteEventRepo{db: db}
}

// Upsert はuidが存在すれば更新し、なければ挿入する。永続化された行を返す。
func (r *SQLiteEventRepo) Upsert(ctx context.Context, event *model.Event) (*model.Event, error) {
	if event == nil || event.UID == "" {
		return nil, model.NewInvalidFieldError("uid", "uidは必須です")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, model.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(uid) DO UPDATE SET
			sede = excluded.sede,
			tipoActividad = excluded.tipoActividad,
			tituloEvento = excluded.tituloEvento,
			fechaActividad = excluded.fechaActividad,
			horarioInicio = excluded.horarioInicio,
			horarioTermino = excluded.horarioTermino,
			dependencia = excluded.dependencia,
			modalidad = excluded.modalidad,
			docenteRepresentante = excluded.docenteRepresentante,
			invitados = excluded.invitados,
			directorParticipante = excluded.directorParticipante,
			liderParticipante = excluded.liderParticipante,
			subliderParticipante = excluded.subliderParticipante,
			embajadores = excluded.embajadores,
			inscritos = excluded.inscritos,
			asistentesPresencial = excluded.asistentesPresencial,
			asistentesOnline = excluded.asistentesOnline,
			enlaces = excluded.enlaces`,
		event.UID, event.Site, event.ActivityType, event.Title, event.ActivityDate,
		event.StartTime, event.EndTime, event.Department, event.Modality, event.RepresentativeTutor,
		event.Guests, event.DirectorParticipant, event.LeaderParticipant, event.SubleaderParticipant,
		event.Ambassadors, event.RegisteredCount, event.InPersonAttendance, event.OnlineAttendance, event.Links,
	)
	if err != nil {
		return nil, model.NewStorageError("upsert event", err)
	}

	persisted, err := scanEvent(tx.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE uid = ?`, event.UID,
	))
	if err != nil {
		return nil, model.NewStorageError("read back event", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, model.NewStorageError("commit transaction", err)
	}

	return persisted, nil
}

// FindByUID は指定uidのイベントを取得する。見つからない場合はnilを返す。
func (r *SQLiteEventRepo) FindByUID(ctx context.Context, uid string) (*model.Event, error) {
	event, err := scanEvent(r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE uid = ?`, uid,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewStorageError("find event", err)
	}
	return event, nil
}

// List はキャッシュされている全イベントを開催日順に返す。
func (r *SQLiteEventRepo) List(ctx context.Context) ([]*model.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY fechaActividad, horarioInicio, uid`,
	)
	if err != nil {
		return nil, model.NewStorageError("list events", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, model.NewStorageError("scan event", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("list events", err)
	}
	return events, nil
}

// DeleteByUID は指定uidのイベントを削除する。存在しない場合も成功とする。
func (r *SQLiteEventRepo) DeleteByUID(ctx context.Context, uid string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE uid = ?`, uid); err != nil {
		return model.NewStorageError("delete event", err)
	}
	return nil
}

func scanEvent(row rowScanner) (*model.Event, error) {
	e := &model.Event{}
	err := row.Scan(
		&e.UID, &e.Site, &e.ActivityType, &e.Title, &e.ActivityDate,
		&e.StartTime, &e.EndTime, &e.Department, &e.Modality, &e.RepresentativeTutor,
		&e.Guests, &e.DirectorParticipant, &e.LeaderParticipant, &e.SubleaderParticipant,
		&e.Ambassadors, &e.RegisteredCount, &e.InPersonAttendance, &e.OnlineAttendance, &e.Links,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// compile-time interface check
var _ EventRepository = (*SQLiteEventRepo)(nil)
