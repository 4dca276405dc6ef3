// Package syncer はローカルストアとリモートストアを突き合わせる同期コーディネータを提供する。
//
// 書き込みは常にローカルを先に確定させてからリモートへ送る。
// リモートに到達できない場合は保留キューに積み、接続回復後にFIFO順で再送する。
// リモートが拒否した書き込みはキューに積まず、呼び出し元にエラーとして返す。
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/eventsync/internal/metrics"
	"github.com/hitoshi/eventsync/internal/model"
	"github.com/hitoshi/eventsync/internal/remote"
	"github.com/hitoshi/eventsync/internal/repository"
	"github.com/hitoshi/eventsync/internal/security"
)

// Config は同期コーディネータの設定。
type Config struct {
	FlushRate  rate.Limit // 再送のレート（件/秒）
	FlushBurst int        // 再送のバースト数
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{
		FlushRate:  rate.Limit(5),
		FlushBurst: 1,
	}
}

// EventLister は全イベントの取得に対応するリモートストア。
type EventLister interface {
	ListEventDocuments(ctx context.Context) ([]*model.Event, error)
}

// Coordinator はアクティブユーザーとイベントの読み書きの単一の入口。
// 保留キューを操作できるのはCoordinatorのみ。
type Coordinator struct {
	users     repository.UserRepository
	events    repository.EventRepository
	queue     repository.PendingMutationRepository
	remote    remote.Store
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	limiter   *rate.Limiter

	// targets は同じuidに対する書き込みを直列化する。
	targets *targetLocks

	// flushMu は再送中のキューの取り出し・送信・削除を直列化する。
	// 追記（Append）はロックを取らない。
	flushMu     sync.Mutex
	flushSignal chan struct{}

	subMu       sync.Mutex
	subscribers map[int]chan model.UserChange
	nextSubID   int
}

// NewCoordinator はCoordinatorを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewCoordinator(
	users repository.UserRepository,
	events repository.EventRepository,
	queue repository.PendingMutationRepository,
	remoteStore remote.Store,
	sanitizer security.TextSanitizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Coordinator {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if cfg.FlushRate <= 0 {
		cfg.FlushRate = DefaultConfig().FlushRate
	}
	if cfg.FlushBurst <= 0 {
		cfg.FlushBurst = DefaultConfig().FlushBurst
	}
	return &Coordinator{
		users:       users,
		events:      events,
		queue:       queue,
		remote:      remoteStore,
		sanitizer:   sanitizer,
		metrics:     collector,
		logger:      logger,
		limiter:     rate.NewLimiter(cfg.FlushRate, cfg.FlushBurst),
		targets:     newTargetLocks(),
		flushSignal: make(chan struct{}, 1),
		subscribers: make(map[int]chan model.UserChange),
	}
}

// LoadActiveUser はローカルを優先してユーザーを返す。
// ローカルにない場合はリモートから取得してローカルに書き込む。
// 両方にない場合はUSER_NOT_FOUNDを返す。
func (c *Coordinator) LoadActiveUser(ctx context.Context, uid string) (*model.User, error) {
	cached, err := c.users.FindByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	unlock := c.targets.lock(uid)
	defer unlock()
	return c.loadActiveUser(ctx, uid)
}

// loadActiveUser はuidのロックを保持した状態で呼ぶ。
func (c *Coordinator) loadActiveUser(ctx context.Context, uid string) (*model.User, error) {
	cached, err := c.users.FindByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	c.logger.Info("ローカルにユーザーがないためリモートから取得します", slog.String("user_id", uid))
	return c.refreshUser(ctx, uid)
}

// RefreshUser はリモートからユーザーを取得してローカルに書き込む。
// リモートに未反映の変更があればその上に重ねる。
// ローカルにキャッシュされた写真データは保持する。
func (c *Coordinator) RefreshUser(ctx context.Context, uid string) (*model.User, error) {
	unlock := c.targets.lock(uid)
	defer unlock()
	return c.refreshUser(ctx, uid)
}

func (c *Coordinator) refreshUser(ctx context.Context, uid string) (*model.User, error) {
	doc, err := c.fetchUserDocument(ctx, uid)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, model.NewUserNotFoundError()
	}
	doc.UID = uid

	cached, err := c.users.FindByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		doc.ProfilePhotoData = cached.ProfilePhotoData
	}

	pending, err := c.pendingFor(ctx, uid)
	if err != nil {
		return nil, err
	}
	merged := *doc
	for _, m := range pending {
		if m.Kind != model.MutationUserUpdate {
			continue
		}
		next, err := merged.Merge(m.Fields)
		if err != nil {
			c.logger.Warn("保留中の変更をリモートのユーザーに重ねられませんでした",
				slog.String("user_id", uid),
				slog.Int64("mutation_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		merged = next
	}

	saved, err := c.users.Upsert(ctx, &merged)
	if err != nil {
		return nil, err
	}
	c.publish(model.UserChange{UID: uid, User: saved})
	return saved, nil
}

func (c *Coordinator) fetchUserDocument(ctx context.Context, uid string) (*model.User, error) {
	var doc *model.User
	err := c.callRemote(ctx, "fetch_user", func(ctx context.Context) error {
		var err error
		doc, err = c.remote.FetchUserDocument(ctx, uid)
		return err
	})
	return doc, err
}

// EvictUser はローカルにキャッシュされたユーザーを削除する。
// 保留キューは削除しない。サインアウト前の件数確認は呼び出し側で行う。
func (c *Coordinator) EvictUser(ctx context.Context, uid string) error {
	unlock := c.targets.lock(uid)
	defer unlock()

	if err := c.users.DeleteByUID(ctx, uid); err != nil {
		return err
	}
	c.publish(model.UserChange{UID: uid, Deleted: true})
	return nil
}

// UpdateProfile はプロフィールの部分更新を行う。
//  1. ローカルに反映する。失敗した場合は操作全体が失敗する
//  2. リモートに書き込む
//  3. 成功: synced
//  4. REMOTE_UNAVAILABLE: 保留キューに積んでqueued（エラーではない）
//  5. REMOTE_REJECTED: キューに積まずにエラーを返す
//
// 同じユーザーへの更新はuid単位で直列に処理されるため、並行に異なるフィールドを更新しても互いを上書きしない。
func (c *Coordinator) UpdateProfile(ctx context.Context, uid string, fields model.Fields) (model.SyncStatus, *model.User, error) {
	if err := model.ValidateUserFields(fields); err != nil {
		return "", nil, err
	}

	unlock := c.targets.lock(uid)
	defer unlock()

	current, err := c.loadActiveUser(ctx, uid)
	if err != nil {
		return "", nil, err
	}
	merged, err := current.Merge(fields)
	if err != nil {
		return "", nil, err
	}
	saved, err := c.users.Upsert(ctx, &merged)
	if err != nil {
		return "", nil, err
	}
	c.publish(model.UserChange{UID: uid, User: saved})

	status, err := c.pushOrQueue(ctx, model.MutationUserUpdate, uid, fields, func(ctx context.Context) error {
		return c.remote.WriteUserDocument(ctx, uid, fields)
	})
	if err != nil {
		return "", saved, err
	}
	return status, saved, nil
}

// CachePhotoData はプロフィール写真のbase64をローカルにのみ保存する。リモートには送らない。
func (c *Coordinator) CachePhotoData(ctx context.Context, uid, data string) (*model.User, error) {
	unlock := c.targets.lock(uid)
	defer unlock()

	current, err := c.users.FindByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, model.NewUserNotFoundError()
	}
	current.ProfilePhotoData = data
	saved, err := c.users.Upsert(ctx, current)
	if err != nil {
		return nil, err
	}
	c.publish(model.UserChange{UID: uid, User: saved})
	return saved, nil
}

// PendingCount は保留中の変更の件数を返す。
func (c *Coordinator) PendingCount(ctx context.Context) (int, error) {
	return c.queue.Count(ctx)
}

// PendingMutations は保留中の変更をFIFO順で返す。
func (c *Coordinator) PendingMutations(ctx context.Context) ([]*model.PendingMutation, error) {
	return c.queue.ListPending(ctx)
}

// pushOrQueue はローカル確定後のリモート書き込みを行い、結果に応じてキューに積む。
// targetのロックを保持した状態で呼ぶ。
//
// 同じ対象の変更がキューに残っている場合は、順序を保つため先にそれらを再送してから書き込む。
// 残りを送り切れなかった場合だけ、新しい変更をリモートに送らずキューの末尾に積む。
func (c *Coordinator) pushOrQueue(
	ctx context.Context,
	kind model.MutationKind,
	target string,
	fields model.Fields,
	write func(ctx context.Context) error,
) (model.SyncStatus, error) {
	pending, err := c.pendingFor(ctx, target)
	if err != nil {
		return "", err
	}
	if len(pending) > 0 {
		drained, err := c.drainTarget(ctx, target)
		if err != nil {
			return "", err
		}
		if !drained {
			if err := c.enqueue(ctx, kind, target, fields, "queued behind pending mutations"); err != nil {
				return "", err
			}
			c.metrics.RecordWrite(string(kind), metrics.OutcomeQueued)
			c.logger.Warn("同じ対象の保留中の変更を送れないため変更を保留しました",
				slog.String("kind", string(kind)),
				slog.String("target_uid", target),
			)
			return model.SyncStatusQueued, nil
		}
	}

	err = c.callRemote(ctx, string(kind), write)
	switch {
	case err == nil:
		c.metrics.RecordWrite(string(kind), metrics.OutcomeSynced)
		return model.SyncStatusSynced, nil

	case errors.Is(err, model.ErrRemoteRejected):
		c.metrics.RecordWrite(string(kind), metrics.OutcomeRejected)
		c.logger.Error("リモートが書き込みを拒否しました",
			slog.String("kind", string(kind)),
			slog.String("target_uid", target),
			slog.String("error", err.Error()),
		)
		return "", err

	default:
		if err := c.enqueue(ctx, kind, target, fields, err.Error()); err != nil {
			return "", err
		}
		c.metrics.RecordWrite(string(kind), metrics.OutcomeQueued)
		c.logger.Warn("リモートに到達できないため変更を保留しました",
			slog.String("kind", string(kind)),
			slog.String("target_uid", target),
			slog.String("error", err.Error()),
		)
		return model.SyncStatusQueued, nil
	}
}

func (c *Coordinator) enqueue(ctx context.Context, kind model.MutationKind, target string, fields model.Fields, reason string) error {
	m := &model.PendingMutation{
		Kind:      kind,
		TargetUID: target,
		Fields:    fields.Clone(),
		LastError: reason,
	}
	if err := c.queue.Append(ctx, m); err != nil {
		return err
	}
	c.refreshPendingGauge(ctx)
	return nil
}

// pendingFor は指定uidを対象とする保留中の変更をFIFO順で返す。
func (c *Coordinator) pendingFor(ctx context.Context, target string) ([]*model.PendingMutation, error) {
	all, err := c.queue.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.PendingMutation
	for _, m := range all {
		if m.TargetUID == target {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Coordinator) refreshPendingGauge(ctx context.Context) {
	n, err := c.queue.Count(ctx)
	if err != nil {
		return
	}
	c.metrics.SetPendingMutations(n)
}

// callRemote はリモート呼び出しのレイテンシを記録し、エラーを分類して返す。
func (c *Coordinator) callRemote(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	c.metrics.RecordRemoteLatency(op, time.Since(start))
	return remote.Classify(err)
}
