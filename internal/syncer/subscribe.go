package syncer

import (
	"log/slog"

	"github.com/hitoshi/eventsync/internal/model"
)

// Subscribe はローカルのユーザー変更の通知を受け取るチャネルを返す。
// 返されたcancelを呼ぶと購読を解除し、チャネルを閉じる。
// 受信が追いつかずバッファが埋まっている購読者への通知は破棄される。
func (c *Coordinator) Subscribe(buffer int) (<-chan model.UserChange, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan model.UserChange, buffer)

	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = ch
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (c *Coordinator) publish(change model.UserChange) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subscribers {
		select {
		case ch <- change:
		default:
			c.logger.Warn("購読者のバッファが一杯のためユーザー変更の通知を破棄しました",
				slog.Int("subscriber_id", id),
				slog.String("user_id", change.UID),
			)
		}
	}
}
