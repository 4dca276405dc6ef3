package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// scrape は/metricsをテキスト形式で取得する。
func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	SetupMetricsRoute(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return string(body)
}

// TestSetupMetricsRoute_ExposesSyncOutcomes はオフライン時の保留と拒否の結果が種類別に公開されることを検証する。
func TestSetupMetricsRoute_ExposesSyncOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	// オフラインで2回保留し、1件は再送時に拒否された
	c.SetReachable(false)
	c.RecordWrite("user_update", OutcomeQueued)
	c.RecordWrite("user_update", OutcomeQueued)
	c.RecordWrite("event_delete", OutcomeQueued)
	c.SetPendingMutations(3)
	c.SetReachable(true)
	c.RecordReplay("user_update", OutcomeSynced)
	c.RecordReplay("event_delete", OutcomeRejected)
	c.RecordFlush(20 * time.Millisecond)
	c.SetPendingMutations(1)

	body := scrape(t, reg)

	want := []string{
		`eventsync_writes_total{kind="user_update",outcome="queued"} 2`,
		`eventsync_writes_total{kind="event_delete",outcome="queued"} 1`,
		`eventsync_replays_total{kind="user_update",outcome="synced"} 1`,
		`eventsync_replays_total{kind="event_delete",outcome="rejected"} 1`,
		`eventsync_pending_mutations 1`,
		`eventsync_remote_reachable 1`,
		`eventsync_flush_duration_seconds_count 1`,
	}
	for _, line := range want {
		if !strings.Contains(body, line) {
			t.Errorf("response should contain %q\nbody:\n%s", line, body)
		}
	}
}

// TestSetupMetricsRoute_RejectedWriteIsNotQueued はリモートに拒否された直接の書き込みが保留として数えられないことを検証する。
func TestSetupMetricsRoute_RejectedWriteIsNotQueued(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordWrite("event_update", OutcomeRejected)

	body := scrape(t, reg)

	if !strings.Contains(body, `eventsync_writes_total{kind="event_update",outcome="rejected"} 1`) {
		t.Errorf("rejected write missing\nbody:\n%s", body)
	}
	if strings.Contains(body, `outcome="queued"`) {
		t.Errorf("no write should be reported as queued\nbody:\n%s", body)
	}
	if !strings.Contains(body, "eventsync_pending_mutations 0") {
		t.Errorf("pending gauge should stay at 0\nbody:\n%s", body)
	}
}
