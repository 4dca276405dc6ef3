package syncer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/eventsync/internal/model"
	"github.com/hitoshi/eventsync/internal/remote"
	"github.com/hitoshi/eventsync/internal/remote/remotetest"
	"github.com/hitoshi/eventsync/internal/repository"
	"github.com/hitoshi/eventsync/internal/security"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type fixture struct {
	coord  *Coordinator
	local  *repository.LocalStore
	remote *remotetest.Store
	logs   *bytes.Buffer
}

// newFixture はインメモリのローカルストアとフェイクのリモートストアでCoordinatorを生成する。
func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithRemote(t, nil)
}

func newFixtureWithRemote(t *testing.T, wrap func(*remotetest.Store) remote.Store) *fixture {
	t.Helper()
	local, err := repository.OpenLocalStore(":memory:")
	if err != nil {
		t.Fatalf("OpenLocalStore returned error: %v", err)
	}
	t.Cleanup(func() { local.Close() })

	fake := remotetest.New()
	var rs remote.Store = fake
	if wrap != nil {
		rs = wrap(fake)
	}

	logs := &bytes.Buffer{}
	coord := NewCoordinator(
		local.Users, local.Events, local.Mutations, rs,
		security.NewTextSanitizer(), nil, newTestLogger(logs),
		Config{FlushRate: rate.Inf, FlushBurst: 1},
	)
	return &fixture{coord: coord, local: local, remote: fake, logs: logs}
}

func (f *fixture) seedLocalUser(t *testing.T, u model.User) {
	t.Helper()
	if _, err := f.local.Users.Upsert(context.Background(), &u); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
}

func (f *fixture) localUser(t *testing.T, uid string) *model.User {
	t.Helper()
	u, err := f.local.Users.FindByUID(context.Background(), uid)
	if err != nil {
		t.Fatalf("FindByUID returned error: %v", err)
	}
	return u
}

func (f *fixture) pending(t *testing.T) []*model.PendingMutation {
	t.Helper()
	list, err := f.local.Mutations.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending returned error: %v", err)
	}
	return list
}

func (f *fixture) appendPending(t *testing.T, kind model.MutationKind, target string, fields model.Fields) {
	t.Helper()
	m := &model.PendingMutation{Kind: kind, TargetUID: target, Fields: fields}
	if err := f.local.Mutations.Append(context.Background(), m); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
}

// --- loadActiveUser ---

func TestLoadActiveUser_LocalFirstThenRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// ローカルのみに存在する場合はリモートに問い合わせない
	f.seedLocalUser(t, model.User{UID: "u1", FirstName: "Ana"})
	got, err := f.coord.LoadActiveUser(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadActiveUser returned error: %v", err)
	}
	if got.UID != "u1" || got.FirstName != "Ana" {
		t.Errorf("LoadActiveUser = %+v, want u1/Ana", got)
	}
	if n := f.remote.Calls("FetchUserDocument"); n != 0 {
		t.Errorf("FetchUserDocument calls = %d, want 0", n)
	}

	// ローカルを空にしてリモートだけに置くと、取得してローカルに書き込む
	if err := f.local.Users.DeleteByUID(ctx, "u1"); err != nil {
		t.Fatalf("DeleteByUID returned error: %v", err)
	}
	f.remote.SeedUser(model.User{UID: "u1", FirstName: "Ana"})

	got, err = f.coord.LoadActiveUser(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadActiveUser returned error: %v", err)
	}
	if got.UID != "u1" || got.FirstName != "Ana" {
		t.Errorf("LoadActiveUser = %+v, want u1/Ana", got)
	}
	if cached := f.localUser(t, "u1"); cached == nil || cached.FirstName != "Ana" {
		t.Errorf("local user after fetch = %+v, want u1/Ana", cached)
	}
}

func TestLoadActiveUser_NotFoundAnywhere(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.LoadActiveUser(context.Background(), "ghost")
	if !errors.Is(err, model.ErrUserNotFound) {
		t.Fatalf("error = %v, want USER_NOT_FOUND", err)
	}
}

func TestLoadActiveUser_RemoteUnavailable(t *testing.T) {
	f := newFixture(t)
	f.remote.SetMode(remotetest.ModeUnavailable)

	_, err := f.coord.LoadActiveUser(context.Background(), "u1")
	if !errors.Is(err, model.ErrRemoteUnavailable) {
		t.Fatalf("error = %v, want REMOTE_UNAVAILABLE", err)
	}
}

func TestRefreshUser_KeepsPhotoDataAndPendingFields(t *testing.T) {
	f := newFixture(t)
	f.seedLocalUser(t, model.User{UID: "u1", FirstName: "Local", ProfilePhotoData: "aGVsbG8="})
	f.remote.SeedUser(model.User{UID: "u1", FirstName: "Remota", LastName: "Pérez"})
	f.appendPending(t, model.MutationUserUpdate, "u1", model.Fields{"nombre": "Pendiente"})

	got, err := f.coord.RefreshUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RefreshUser returned error: %v", err)
	}
	if got.FirstName != "Pendiente" {
		t.Errorf("nombre = %q, want pending value to win", got.FirstName)
	}
	if got.LastName != "Pérez" {
		t.Errorf("apellido = %q, want remote value", got.LastName)
	}
	if got.ProfilePhotoData != "aGVsbG8=" {
		t.Errorf("profilePhotoData = %q, want local cache kept", got.ProfilePhotoData)
	}
}

func TestEvictUser_DeletesLocalRow(t *testing.T) {
	f := newFixture(t)
	f.seedLocalUser(t, model.User{UID: "u1"})

	if err := f.coord.EvictUser(context.Background(), "u1"); err != nil {
		t.Fatalf("EvictUser returned error: %v", err)
	}
	if u := f.localUser(t, "u1"); u != nil {
		t.Errorf("local user = %+v, want nil", u)
	}
}

// --- updateProfile ---

// TestUpdateProfile_LocalReflectsFieldsRegardlessOfRemote はリモートの結果によらず戻り時点でローカルに反映されていることを検証する。
func TestUpdateProfile_LocalReflectsFieldsRegardlessOfRemote(t *testing.T) {
	tests := []struct {
		name       string
		mode       remotetest.Mode
		wantStatus model.SyncStatus
		wantErr    error
	}{
		{name: "online", mode: remotetest.ModeOnline, wantStatus: model.SyncStatusSynced},
		{name: "unavailable", mode: remotetest.ModeUnavailable, wantStatus: model.SyncStatusQueued},
		{name: "rejected", mode: remotetest.ModeRejecting, wantErr: model.ErrRemoteRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedLocalUser(t, model.User{UID: "u1", FirstName: "Ana", LastName: "Soto"})
			f.remote.SeedUser(model.User{UID: "u1", FirstName: "Ana", LastName: "Soto"})
			f.remote.SetMode(tt.mode)

			status, _, err := f.coord.UpdateProfile(context.Background(), "u1", model.Fields{"nombre": "Beatriz"})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("UpdateProfile returned error: %v", err)
			}
			if status != tt.wantStatus {
				t.Errorf("status = %q, want %q", status, tt.wantStatus)
			}

			got := f.localUser(t, "u1")
			if got.FirstName != "Beatriz" || got.LastName != "Soto" {
				t.Errorf("local user = %+v, want nombre Beatriz and apellido kept", got)
			}
		})
	}
}

func TestUpdateProfile_SyncedWritesOnlyGivenFields(t *testing.T) {
	f := newFixture(t)
	f.seedLocalUser(t, model.User{UID: "u1", FirstName: "Ana"})
	f.remote.SeedUser(model.User{UID: "u1", FirstName: "Ana"})

	status, user, err := f.coord.UpdateProfile(context.Background(), "u1", model.Fields{"carrera": "Ingeniería"})
	if err != nil {
		t.Fatalf("UpdateProfile returned error: %v", err)
	}
	if status != model.SyncStatusSynced {
		t.Errorf("status = %q, want synced", status)
	}
	if user.Program != "Ingeniería" {
		t.Errorf("returned user = %+v", user)
	}

	writes := f.remote.Writes()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	if !reflect.DeepEqual(writes[0].Fields, model.Fields{"carrera": "Ingeniería"}) {
		t.Errorf("written fields = %v, want only carrera", writes[0].Fields)
	}
	if len(f.pending(t)) != 0 {
		t.Error("queue should be empty after a synced write")
	}
}

// TestUpdateProfile_OfflineUpdatesAreNotLost はオフライン中の2回の更新が接続回復後のフラッシュで両方とも反映されることを検証する。
func TestUpdateProfile_OfflineUpdatesAreNotLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedLocalUser(t, model.User{UID: "u1"})
	f.remote.SeedUser(model.User{UID: "u1"})
	f.remote.SetMode(remotetest.ModeUnavailable)

	if status, _, err := f.coord.UpdateProfile(ctx, "u1", model.Fields{"nombre": "A"}); err != nil || status != model.SyncStatusQueued {
		t.Fatalf("first update = %q, %v", status, err)
	}
	if status, _, err := f.coord.UpdateProfile(ctx, "u1", model.Fields{"apellido": "B"}); err != nil || status != model.SyncStatusQueued {
		t.Fatalf("second update = %q, %v", status, err)
	}
	if n := len(f.pending(t)); n != 2 {
		t.Fatalf("pending = %d, want 2", n)
	}

	f.remote.SetMode(remotetest.ModeOnline)
	report, err := f.coord.FlushPendingMutations(ctx)
	if err != nil {
		t.Fatalf("FlushPendingMutations returned error: %v", err)
	}
	if report.Synced != 2 || report.Remaining != 0 || len(report.Rejected) != 0 {
		t.Errorf("report = %+v", report)
	}

	doc, _ := f.remote.UserDocument("u1")
	if doc["nombre"] != "A" || doc["apellido"] != "B" {
		t.Errorf("remote document = %v, want nombre A and apellido B", doc)
	}
}

// TestFlush_ReplayIsIdempotent は同じ変更を2回再送しても1回と同じ結果になることを検証する。
func TestFlush_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.SeedUser(model.User{UID: "u1", FirstName: "Ana"})
	fields := model.Fields{"nombre": "Beatriz", "sede": "Norte"}

	f.appendPending(t, model.MutationUserUpdate, "u1", fields)
	if _, err := f.coord.FlushPendingMutations(ctx); err != nil {
		t.Fatalf("first flush returned error: %v", err)
	}
	once, _ := f.remote.UserDocument("u1")

	// 成功の通知が届かなかった想定で同じ変更を再度積む
	f.appendPending(t, model.MutationUserUpdate, "u1", fields)
	if _, err := f.coord.FlushPendingMutations(ctx); err != nil {
		t.Fatalf("second flush returned error: %v", err)
	}
	twice, _ := f.remote.UserDocument("u1")

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("remote after replay = %v, want %v", twice, once)
	}
}

// TestUpdateProfile_RejectedIsNeverQueued はリモートが拒否した書き込みがキューに積まれないことを検証する。
func TestUpdateProfile_RejectedIsNeverQueued(t *testing.T) {
	f := newFixture(t)
	f.seedLocalUser(t, model.User{UID: "u1"})
	f.remote.SetMode(remotetest.ModeRejecting)

	status, _, err := f.coord.UpdateProfile(context.Background(), "u1", model.Fields{"nombre": "A"})
	if !errors.Is(err, model.ErrRemoteRejected) {
		t.Fatalf("error = %v, want REMOTE_REJECTED", err)
	}
	if status != "" {
		t.Errorf("status = %q, want empty on error", status)
	}
	if n := len(f.pending(t)); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestUpdateProfile_LocalFailureAbortsBeforeRemote(t *testing.T) {
	f := newFixture(t)
	f.seedLocalUser(t, model.User{UID: "u1"})
	f.local.Close()

	_, _, err := f.coord.UpdateProfile(context.Background(), "u1", model.Fields{"nombre": "A"})
	if !errors.Is(err, model.ErrStorageError) {
		t.Fatalf("error = %v, want STORAGE_ERROR", err)
	}
	if n := f.remote.Calls("WriteUserDocument"); n != 0 {
		t.Errorf("WriteUserDocument calls = %d, want 0", n)
	}
}

func TestUpdateProfile_InvalidFields(t *testing.T) {
	tests := []struct {
		name   string
		fields model.Fields
	}{
		{name: "empty", fields: model.Fields{}},
		{name: "uid is immutable", fields: model.Fields{"uid": "u2"}},
		{name: "photo data is local only", fields: model.Fields{"profilePhotoData": "abc"}},
		{name: "unknown field", fields: model.Fields{"rol": "admin"}},
		{name: "wrong type", fields: model.Fields{"edad": "veinte"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedLocalUser(t, model.User{UID: "u1", Age: 20})

			_, _, err := f.coord.UpdateProfile(context.Background(), "u1", tt.fields)
			if !errors.Is(err, model.ErrInvalidField) {
				t.Fatalf("error = %v, want INVALID_FIELD", err)
			}
			if got := f.localUser(t, "u1"); got.Age != 20 {
				t.Errorf("local user changed: %+v", got)
			}
		})
	}
}

// TestUpdateProfile_ReplaysBacklogBeforeWrite は同じユーザーの保留中の変更を先に送ってから新しい変更を書き込むことを検証する。
func TestUpdateProfile_ReplaysBacklogBeforeWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedLocalUser(t, model.User{UID: "u1"})
	f.remote.SeedUser(model.User{UID: "u1"})
	f.appendPending(t, model.MutationUserUpdate, "u1", model.Fields{"nombre": "Viejo"})

	status, _, err := f.coord.UpdateProfile(ctx, "u1", model.Fields{"nombre": "Nuevo"})
	if err != nil {
		t.Fatalf("UpdateProfile returned error: %v", err)
	}
	if status != model.SyncStatusSynced {
		t.Errorf("status = %q, want synced", status)
	}

	writes := f.remote.Writes()
	if len(writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(writes))
	}
	if writes[0].Fields["nombre"] != "Viejo" || writes[1].Fields["nombre"] != "Nuevo" {
		t.Errorf("writes = %+v, want backlog first", writes)
	}
	doc, _ := f.remote.UserDocument("u1")
	if doc["nombre"] != "Nuevo" {
		t.Errorf("remote nombre = %v, want the newest value", doc["nombre"])
	}
	if n := len(f.pending(t)); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

// TestUpdateProfile_QueuesBehindBacklogWhileUnavailable は保留中の変更を送れない間は新しい変更も末尾に積むことを検証する。
func TestUpdateProfile_QueuesBehindBacklogWhileUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedLocalUser(t, model.User{UID: "u1"})
	f.remote.SeedUser(model.User{UID: "u1"})
	f.appendPending(t, model.MutationUserUpdate, "u1", model.Fields{"nombre": "Viejo"})
	f.remote.SetMode(remotetest.ModeUnavailable)

	status, _, err := f.coord.UpdateProfile(ctx, "u1", model.Fields{"nombre": "Nuevo"})
	if err != nil {
		t.Fatalf("UpdateProfile returned error: %v", err)
	}
	if status != model.SyncStatusQueued {
		t.Errorf("status = %q, want queued", status)
	}
	// 先頭の変更を1回試すだけで、新しい変更はリモートに送らない
	if n := f.remote.Calls("WriteUserDocument"); n != 1 {
		t.Errorf("WriteUserDocument calls = %d, want 1", n)
	}
	list := f.pending(t)
	if len(list) != 2 || list[1].Fields["nombre"] != "Nuevo" {
		t.Fatalf("pending = %+v, want the new write behind the backlog", list)
	}
	if list[0].Attempts != 1 {
		t.Errorf("backlog attempts = %d, want 1", list[0].Attempts)
	}
	// 再送の契機は接続監視に任せる
	select {
	case <-f.coord.FlushRequests():
		t.Error("a direct write must not request a flush")
	default:
	}

	f.remote.SetMode(remotetest.ModeOnline)
	if _, err := f.coord.FlushPendingMutations(ctx); err != nil {
		t.Fatalf("FlushPendingMutations returned error: %v", err)
	}
	doc, _ := f.remote.UserDocument("u1")
	if doc["nombre"] != "Nuevo" {
		t.Errorf("remote nombre = %v, want the newest value", doc["nombre"])
	}
}

// TestUpdateProfile_RejectedBehindBacklogIsNotQueued は保留中の変更がある状態でリモートが拒否した書き込みもキューに積まれないことを検証する。
func TestUpdateProfile_RejectedBehindBacklogIsNotQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedLocalUser(t, model.User{UID: "u1"})
	f.remote.SeedUser(model.User{UID: "u1"})

	f.remote.SetMode(remotetest.ModeUnavailable)
	status, _, err := f.coord.UpdateProfile(ctx, "u1", model.Fields{"nombre": "A"})
	if err != nil || status != model.SyncStatusQueued {
		t.Fatalf("offline UpdateProfile = (%q, %v), want queued", status, err)
	}

	f.remote.SetMode(remotetest.ModeRejecting)
	status, _, err = f.coord.UpdateProfile(ctx, "u1", model.Fields{"apellido": "B"})
	if !errors.Is(err, model.ErrRemoteRejected) {
		t.Fatalf("error = %v, want REMOTE_REJECTED", err)
	}
	if status != "" {
		t.Errorf("status = %q, want empty on error", status)
	}
	if n := len(f.pending(t)); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	// オフライン時の1回と、保留中の変更の再送と新しい変更の書き込みの2回
	if n := f.remote.Calls("WriteUserDocument"); n != 3 {
		t.Errorf("WriteUserDocument calls = %d, want 3", n)
	}
	if !strings.Contains(f.logs.String(), "リモートに拒否された保留中の変更を破棄しました") {
		t.Errorf("dropped backlog entry was not logged: %s", f.logs.String())
	}
}

// slowUsers はFindByUIDの応答を遅らせるユーザーリポジトリ。
type slowUsers struct {
	repository.UserRepository
	delay time.Duration
}

func (s *slowUsers) FindByUID(ctx context.Context, uid string) (*model.User, error) {
	time.Sleep(s.delay)
	return s.UserRepository.FindByUID(ctx, uid)
}

// TestUpdateProfile_ConcurrentFieldsAreNotLost は同じユーザーの異なるフィールドを並行に更新しても両方がローカルに残ることを検証する。
func TestUpdateProfile_ConcurrentFieldsAreNotLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedLocalUser(t, model.User{UID: "u1"})
	f.remote.SeedUser(model.User{UID: "u1"})

	coord := NewCoordinator(
		&slowUsers{UserRepository: f.local.Users, delay: 5 * time.Millisecond},
		f.local.Events, f.local.Mutations, f.remote,
		security.NewTextSanitizer(), nil, newTestLogger(&bytes.Buffer{}),
		Config{FlushRate: rate.Inf, FlushBurst: 1},
	)

	updates := []model.Fields{
		{"nombre": "A"},
		{"apellido": "B"},
		{"sede": "Temuco"},
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(updates))
	for _, fields := range updates {
		wg.Go(func() {
			if _, _, err := coord.UpdateProfile(ctx, "u1", fields); err != nil {
				errs <- err
			}
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("UpdateProfile returned error: %v", err)
	}

	got := f.localUser(t, "u1")
	if got.FirstName != "A" || got.LastName != "B" || got.Site != "Temuco" {
		t.Errorf("local user = %+v, want every field kept", got)
	}
	doc, _ := f.remote.UserDocument("u1")
	if doc["nombre"] != "A" || doc["apellido"] != "B" || doc["sede"] != "Temuco" {
		t.Errorf("remote user = %v, want every field kept", doc)
	}
	if n := coord.targets.size(); n != 0 {
		t.Errorf("held locks = %d, want 0 after all updates", n)
	}
}

func TestCachePhotoData_LocalOnly(t *testing.T) {
	f := newFixture(t)
	f.seedLocalUser(t, model.User{UID: "u1"})

	got, err := f.coord.CachePhotoData(context.Background(), "u1", "aGVsbG8=")
	if err != nil {
		t.Fatalf("CachePhotoData returned error: %v", err)
	}
	if got.ProfilePhotoData != "aGVsbG8=" {
		t.Errorf("profilePhotoData = %q", got.ProfilePhotoData)
	}
	if len(f.remote.Writes()) != 0 {
		t.Error("photo data must not be written to the remote store")
	}
}

// --- flushPendingMutations ---

// unavailableFor はuidが一致する書き込みだけREMOTE_UNAVAILABLEにするリモートストア。
type unavailableFor struct {
	*remotetest.Store
	uid string
}

func (s *unavailableFor) WriteUserDocument(ctx context.Context, uid string, fields model.Fields) error {
	if uid == s.uid {
		return model.NewRemoteUnavailableError(errors.New("timeout"))
	}
	return s.Store.WriteUserDocument(ctx, uid, fields)
}

func TestFlush_ContinuesPastUnavailableEntry(t *testing.T) {
	f := newFixtureWithRemote(t, func(s *remotetest.Store) remote.Store {
		return &unavailableFor{Store: s, uid: "u2"}
	})
	ctx := context.Background()
	f.appendPending(t, model.MutationUserUpdate, "u2", model.Fields{"nombre": "Dos"})
	f.appendPending(t, model.MutationUserUpdate, "u1", model.Fields{"nombre": "Uno"})

	report, err := f.coord.FlushPendingMutations(ctx)
	if err != nil {
		t.Fatalf("FlushPendingMutations returned error: %v", err)
	}
	if report.Synced != 1 || report.Remaining != 1 {
		t.Errorf("report = %+v, want synced 1 remaining 1", report)
	}

	left := f.pending(t)
	if len(left) != 1 || left[0].TargetUID != "u2" {
		t.Fatalf("pending = %+v, want only u2", left)
	}
	if left[0].Attempts != 1 || !strings.Contains(left[0].LastError, "timeout") {
		t.Errorf("attempt not recorded: %+v", left[0])
	}
}

func TestFlush_KeepsOrderPerTarget(t *testing.T) {
	f := newFixtureWithRemote(t, func(s *remotetest.Store) remote.Store {
		return &unavailableFor{Store: s, uid: "u1"}
	})
	f.appendPending(t, model.MutationUserUpdate, "u1", model.Fields{"nombre": "A"})
	f.appendPending(t, model.MutationUserUpdate, "u1", model.Fields{"nombre": "B"})

	if _, err := f.coord.FlushPendingMutations(context.Background()); err != nil {
		t.Fatalf("FlushPendingMutations returned error: %v", err)
	}

	left := f.pending(t)
	if len(left) != 2 {
		t.Fatalf("pending = %d, want 2", len(left))
	}
	if left[0].Attempts != 1 || left[1].Attempts != 0 {
		t.Errorf("attempts = %d, %d, want 1, 0", left[0].Attempts, left[1].Attempts)
	}
}

func TestFlush_DropsAndReportsRejected(t *testing.T) {
	f := newFixture(t)
	f.remote.SetMode(remotetest.ModeRejecting)
	f.appendPending(t, model.MutationUserUpdate, "u1", model.Fields{"nombre": "A"})

	report, err := f.coord.FlushPendingMutations(context.Background())
	if err != nil {
		t.Fatalf("FlushPendingMutations returned error: %v", err)
	}
	if len(report.Rejected) != 1 || report.Rejected[0].Mutation.TargetUID != "u1" {
		t.Fatalf("rejected = %+v", report.Rejected)
	}
	if report.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", report.Remaining)
	}
	if !strings.Contains(f.logs.String(), "リモートに拒否された保留中の変更を破棄しました") {
		t.Errorf("rejected mutation was not logged: %s", f.logs.String())
	}
}

func TestFlush_CancelledContextLeavesQueue(t *testing.T) {
	f := newFixture(t)
	f.appendPending(t, model.MutationUserUpdate, "u1", model.Fields{"nombre": "A"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.coord.FlushPendingMutations(ctx)
	if err != nil {
		t.Fatalf("FlushPendingMutations returned error: %v", err)
	}
	if report.Synced != 0 || report.Remaining != 1 {
		t.Errorf("report = %+v, want nothing synced", report)
	}
}

// TestFlush_ConcurrentCallsDoNotDuplicate は同時に呼ばれたフラッシュが同じ変更を二重に送らないことを検証する。
func TestFlush_ConcurrentCallsDoNotDuplicate(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.appendPending(t, model.MutationUserUpdate, "u1", model.Fields{"edad": i})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := f.coord.FlushPendingMutations(context.Background())
			if err != nil {
				t.Errorf("FlushPendingMutations returned error: %v", err)
				return
			}
			mu.Lock()
			total += report.Synced
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 5 {
		t.Errorf("total synced = %d, want 5", total)
	}
	if n := f.remote.Calls("WriteUserDocument"); n != 5 {
		t.Errorf("WriteUserDocument calls = %d, want 5", n)
	}
}

func TestRequestFlush_Coalesces(t *testing.T) {
	f := newFixture(t)

	f.coord.RequestFlush()
	f.coord.RequestFlush()
	f.coord.RequestFlush()

	if n := len(f.coord.FlushRequests()); n != 1 {
		t.Errorf("buffered requests = %d, want 1", n)
	}
}

func TestPendingCount(t *testing.T) {
	f := newFixture(t)
	f.appendPending(t, model.MutationEventDelete, "e1", nil)

	n, err := f.coord.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("PendingCount returned error: %v", err)
	}
	if n != 1 {
		t.Errorf("PendingCount = %d, want 1", n)
	}
}

// --- subscribe ---

func TestSubscribe_PublishesUserChanges(t *testing.T) {
	f := newFixture(t)
	f.seedLocalUser(t, model.User{UID: "u1"})
	changes, cancel := f.coord.Subscribe(4)

	if _, _, err := f.coord.UpdateProfile(context.Background(), "u1", model.Fields{"nombre": "Ana"}); err != nil {
		t.Fatalf("UpdateProfile returned error: %v", err)
	}
	if err := f.coord.EvictUser(context.Background(), "u1"); err != nil {
		t.Fatalf("EvictUser returned error: %v", err)
	}

	first := <-changes
	if first.UID != "u1" || first.User == nil || first.User.FirstName != "Ana" {
		t.Errorf("first change = %+v", first)
	}
	second := <-changes
	if !second.Deleted {
		t.Errorf("second change = %+v, want deleted", second)
	}

	cancel()
	if _, ok := <-changes; ok {
		t.Error("channel should be closed after cancel")
	}
	cancel()
}

func TestSubscribe_SlowSubscriberDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	f.seedLocalUser(t, model.User{UID: "u1"})
	_, cancel := f.coord.Subscribe(1)
	defer cancel()

	for _, name := range []string{"A", "B", "C"} {
		if _, _, err := f.coord.UpdateProfile(context.Background(), "u1", model.Fields{"nombre": name}); err != nil {
			t.Fatalf("UpdateProfile returned error: %v", err)
		}
	}
	if got := f.localUser(t, "u1"); got.FirstName != "C" {
		t.Errorf("nombre = %q, want C", got.FirstName)
	}
}
