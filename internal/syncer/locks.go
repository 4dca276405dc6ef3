package syncer

import "sync"

// targetLocks はuid単位のロック。
// 同じuidに対する読み込み・マージ・書き込みとリモートへの送信を直列化する。
// 異なるuidの操作は互いを待たない。
type targetLocks struct {
	mu    sync.Mutex
	locks map[string]*targetLock
}

type targetLock struct {
	mu   sync.Mutex
	refs int
}

func newTargetLocks() *targetLocks {
	return &targetLocks{locks: make(map[string]*targetLock)}
}

// lock はuidのロックを取得し、解放する関数を返す。
// 待っている操作がなくなったロックはマップから取り除く。
func (t *targetLocks) lock(uid string) func() {
	t.mu.Lock()
	l, ok := t.locks[uid]
	if !ok {
		l = &targetLock{}
		t.locks[uid] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, uid)
		}
		t.mu.Unlock()
	}
}
