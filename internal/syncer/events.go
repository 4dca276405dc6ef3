package syncer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/eventsync/internal/metrics"
	"github.com/hitoshi/eventsync/internal/model"
)

// CreateEvent はイベントをリモートに作成し、採番されたuidでローカルにキャッシュする。
// uidはリモートが採番するため、リモートに到達できない場合は作成できない。
func (c *Coordinator) CreateEvent(ctx context.Context, event model.Event) (*model.Event, error) {
	fields, err := event.Fields()
	if err != nil {
		return nil, err
	}
	clean, err := model.Event{}.Merge(c.sanitizeFields(fields))
	if err != nil {
		return nil, err
	}
	if err := clean.Validate(); err != nil {
		return nil, err
	}

	var uid string
	err = c.callRemote(ctx, "create_event", func(ctx context.Context) error {
		var err error
		uid, err = c.remote.CreateEventDocument(ctx, &clean)
		return err
	})
	if err != nil {
		outcome := metrics.OutcomeFailed
		if errors.Is(err, model.ErrRemoteRejected) {
			outcome = metrics.OutcomeRejected
		}
		c.metrics.RecordWrite("event_create", outcome)
		return nil, err
	}
	c.metrics.RecordWrite("event_create", metrics.OutcomeSynced)

	clean.UID = uid
	saved, err := c.events.Upsert(ctx, &clean)
	if err != nil {
		c.logger.Error("作成したイベントをローカルに保存できませんでした",
			slog.String("event_id", uid),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return saved, nil
}

// GetEvent はローカルにキャッシュされたイベントを返す。
func (c *Coordinator) GetEvent(ctx context.Context, uid string) (*model.Event, error) {
	event, err := c.events.FindByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, model.NewEventNotFoundError(uid)
	}
	return event, nil
}

// ListEvents はローカルにキャッシュされたイベントを開催日順に返す。
func (c *Coordinator) ListEvents(ctx context.Context) ([]*model.Event, error) {
	return c.events.List(ctx)
}

// UpdateEvent はイベントの部分更新をローカルに反映してからリモートに送る。
// 結果の扱いと同じuidへの更新の直列化はUpdateProfileと同じ。
func (c *Coordinator) UpdateEvent(ctx context.Context, uid string, fields model.Fields) (model.SyncStatus, *model.Event, error) {
	if err := model.ValidateEventFields(fields); err != nil {
		return "", nil, err
	}
	clean := c.sanitizeFields(fields)

	unlock := c.targets.lock(uid)
	defer unlock()

	current, err := c.GetEvent(ctx, uid)
	if err != nil {
		return "", nil, err
	}
	merged, err := current.Merge(clean)
	if err != nil {
		return "", nil, err
	}
	saved, err := c.events.Upsert(ctx, &merged)
	if err != nil {
		return "", nil, err
	}

	status, err := c.pushOrQueue(ctx, model.MutationEventUpdate, uid, clean, func(ctx context.Context) error {
		return c.remote.UpdateEventDocument(ctx, uid, clean)
	})
	if err != nil {
		return "", saved, err
	}
	return status, saved, nil
}

// DeleteEvent はイベントをローカルから削除してからリモートで削除する。
func (c *Coordinator) DeleteEvent(ctx context.Context, uid string) (model.SyncStatus, error) {
	unlock := c.targets.lock(uid)
	defer unlock()

	if _, err := c.GetEvent(ctx, uid); err != nil {
		return "", err
	}
	if err := c.events.DeleteByUID(ctx, uid); err != nil {
		return "", err
	}

	return c.pushOrQueue(ctx, model.MutationEventDelete, uid, nil, func(ctx context.Context) error {
		return c.remote.DeleteEventDocument(ctx, uid)
	})
}

// RefreshEvents はリモートの全イベントをローカルに取り込む。
// リモートに未反映の変更があるイベントはローカルの内容を優先して上書きしない。
// リモートから消えたイベントはローカルからも削除する。
func (c *Coordinator) RefreshEvents(ctx context.Context) ([]*model.Event, error) {
	lister, ok := c.remote.(EventLister)
	if !ok {
		return c.events.List(ctx)
	}

	var docs []*model.Event
	err := c.callRemote(ctx, "list_events", func(ctx context.Context) error {
		var err error
		docs, err = lister.ListEventDocuments(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	pending, err := c.queue.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	dirty := make(map[string]bool, len(pending))
	for _, m := range pending {
		dirty[m.TargetUID] = true
	}

	seen := make(map[string]bool, len(docs))
	for _, doc := range docs {
		seen[doc.UID] = true
		if dirty[doc.UID] {
			continue
		}
		if err := c.withTarget(doc.UID, func() error {
			_, err := c.events.Upsert(ctx, doc)
			return err
		}); err != nil {
			return nil, err
		}
	}

	cached, err := c.events.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range cached {
		if seen[e.UID] || dirty[e.UID] {
			continue
		}
		if err := c.withTarget(e.UID, func() error {
			return c.events.DeleteByUID(ctx, e.UID)
		}); err != nil {
			return nil, err
		}
	}

	c.logger.Info("イベントをリモートから取り込みました",
		slog.Int("event_count", len(docs)),
		slog.Int("skipped_pending", len(dirty)),
	)
	return c.events.List(ctx)
}

// withTarget はuidのロックを保持してfnを実行する。
func (c *Coordinator) withTarget(uid string, fn func() error) error {
	unlock := c.targets.lock(uid)
	defer unlock()
	return fn()
}

// sanitizeFields は文字列フィールドからHTMLを除去したコピーを返す。
func (c *Coordinator) sanitizeFields(f model.Fields) model.Fields {
	out := f.Clone()
	if c.sanitizer == nil {
		return out
	}
	for k, v := range out {
		if s, ok := v.(string); ok {
			out[k] = c.sanitizer.SanitizeText(s)
		}
	}
	return out
}
