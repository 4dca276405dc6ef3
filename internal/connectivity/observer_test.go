package connectivity

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingTrigger はRequestFlushの呼び出し回数を数えるFlushTrigger。
type countingTrigger struct {
	n atomic.Int32
}

func (c *countingTrigger) RequestFlush() { c.n.Add(1) }

func newTestObserver() (*Observer, *countingTrigger, *bytes.Buffer) {
	trigger := &countingTrigger{}
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewObserver(trigger, nil, logger), trigger, &buf
}

func TestObserver_InitialReachableDoesNotFlush(t *testing.T) {
	o, trigger, _ := newTestObserver()

	if o.Report(true) {
		t.Error("initial observation reported as restored")
	}
	if n := trigger.n.Load(); n != 0 {
		t.Errorf("flush requests = %d, want 0", n)
	}
	if !o.Reachable() {
		t.Error("Reachable() = false, want true")
	}
}

// TestObserver_RecoverOnStart は起動時の再送要求が有効な場合、最初の到達可能な観測で1回だけ再送を要求することを検証する。
func TestObserver_RecoverOnStart(t *testing.T) {
	tests := []struct {
		name     string
		sequence []bool
		want     int32
	}{
		{name: "reachable at start", sequence: []bool{true, true, true}, want: 1},
		{name: "unreachable at start then restored", sequence: []bool{false, true, true}, want: 1},
		{name: "never reachable", sequence: []bool{false, false}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, trigger, _ := newTestObserver()
			o.RecoverOnStart = true

			for _, r := range tt.sequence {
				o.Report(r)
			}
			if n := trigger.n.Load(); n != tt.want {
				t.Errorf("flush requests = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestObserver_SteadyReachableDoesNotFlush(t *testing.T) {
	o, trigger, _ := newTestObserver()

	for i := 0; i < 5; i++ {
		o.Report(true)
	}
	if n := trigger.n.Load(); n != 0 {
		t.Errorf("flush requests = %d, want 0", n)
	}
}

// TestObserver_OneFlushPerTransition は到達不能から到達可能への遷移ごとに1回だけフラッシュを要求することを検証する。
func TestObserver_OneFlushPerTransition(t *testing.T) {
	o, trigger, _ := newTestObserver()

	sequence := []bool{false, false, true, true, false, true, true}
	restored := 0
	for _, r := range sequence {
		if o.Report(r) {
			restored++
		}
	}

	if restored != 2 {
		t.Errorf("restored transitions = %d, want 2", restored)
	}
	if n := trigger.n.Load(); n != 2 {
		t.Errorf("flush requests = %d, want 2", n)
	}
}

func TestObserver_ConcurrentReportsFlushOncePerTransition(t *testing.T) {
	o, trigger, _ := newTestObserver()
	o.Report(false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Report(true)
		}()
	}
	wg.Wait()

	if n := trigger.n.Load(); n != 1 {
		t.Errorf("flush requests = %d, want 1", n)
	}
}

func TestObserver_LostIsLogged(t *testing.T) {
	o, _, buf := newTestObserver()
	o.Report(true)
	o.Report(false)

	if !bytes.Contains(buf.Bytes(), []byte("リモートストアに到達できなくなりました")) {
		t.Errorf("log output = %s", buf.String())
	}
}

func TestObserver_WatchDetectsRestore(t *testing.T) {
	o, trigger, _ := newTestObserver()
	var up atomic.Bool
	prober := ProberFunc(func(ctx context.Context) bool { return up.Load() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Watch(ctx, prober, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	up.Store(true)

	deadline := time.Now().Add(2 * time.Second)
	for trigger.n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if n := trigger.n.Load(); n != 1 {
		t.Errorf("flush requests = %d, want 1", n)
	}
}

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(ctx context.Context) error { return s.err }

func TestRemotePinger_Probe(t *testing.T) {
	ctx := context.Background()
	if !NewRemotePinger(stubPinger{}, time.Second).Probe(ctx) {
		t.Error("Probe = false for successful ping")
	}
	if NewRemotePinger(stubPinger{err: errors.New("connection refused")}, time.Second).Probe(ctx) {
		t.Error("Probe = true for failed ping")
	}
}

type slowPinger struct{}

func (slowPinger) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRemotePinger_TimeoutIsUnreachable(t *testing.T) {
	p := NewRemotePinger(slowPinger{}, 10*time.Millisecond)
	if p.Probe(context.Background()) {
		t.Error("Probe = true for a ping that timed out")
	}
}
