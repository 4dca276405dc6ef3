package handler

import "net/http"

// ReachabilityReporter はリモートへの到達可否を返す。
// connectivity.Observerが実装する。
type ReachabilityReporter interface {
	Reachable() bool
}

// healthResponse はヘルスチェックのAPIレスポンス。
type healthResponse struct {
	Status          string `json:"status"`
	RemoteReachable bool   `json:"remote_reachable"`
}

// NewHealthHandler はヘルスチェックのハンドラーを返す。
// ローカルAPIはリモートに到達できなくても動作するため、常に200を返す。
// GET /health
func NewHealthHandler(reachability ReachabilityReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		if reachability != nil {
			resp.RemoteReachable = reachability.Reachable()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
