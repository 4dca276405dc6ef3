package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func newChainRouter(t *testing.T, logs *bytes.Buffer, finder ActiveUserFinder) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	rl := newTestRateLimiter(t, RateLimiterConfig{GeneralRate: 1, GeneralBurst: 1, AuthRate: 1, AuthBurst: 1})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(NewRecoveryMiddleware(logger))
	r.Use(NewSecurityHeadersMiddleware())
	r.Use(NewCORSMiddleware("http://localhost:3000"))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Group(func(r chi.Router) {
		r.Use(NewSessionMiddleware(finder))
		r.Use(rl.GeneralMiddleware())
		r.Get("/api/users/me", func(w http.ResponseWriter, r *http.Request) {
			userID, _ := UserIDFromContext(r.Context())
			w.Write([]byte(userID))
		})
		r.Get("/api/panic", func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})
	})
	return r
}

// TestMiddlewareChain_AuthenticatedRequest は認証済みリクエストがチェーン全体を通過することを検証する。
func TestMiddlewareChain_AuthenticatedRequest(t *testing.T) {
	var logs bytes.Buffer
	router := newChainRouter(t, &logs, &mockActiveUserFinder{userID: "user-chain-test"})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users/me", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if w.Body.String() != "user-chain-test" {
		t.Errorf("body = %q, want user-chain-test", w.Body.String())
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", resp.Header.Get("Cache-Control"))
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", resp.Header.Get("X-Content-Type-Options"))
	}
	if !strings.Contains(logs.String(), `"user_id":"user-chain-test"`) {
		t.Errorf("request log does not include user_id: %s", logs.String())
	}
}

// TestMiddlewareChain_PublicRouteSkipsSession は認証不要のルートがセッションなしで通ることを検証する。
func TestMiddlewareChain_PublicRouteSkipsSession(t *testing.T) {
	var logs bytes.Buffer
	router := newChainRouter(t, &logs, &mockActiveUserFinder{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

// TestMiddlewareChain_NoSession_Returns401 はセッションがない場合に401が返されることを検証する。
func TestMiddlewareChain_NoSession_Returns401(t *testing.T) {
	var logs bytes.Buffer
	router := newChainRouter(t, &logs, &mockActiveUserFinder{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users/me", nil))

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

// TestMiddlewareChain_PanicIsRecovered はpanicが500の統一エラーレスポンスに変換されることを検証する。
func TestMiddlewareChain_PanicIsRecovered(t *testing.T) {
	var logs bytes.Buffer
	router := newChainRouter(t, &logs, &mockActiveUserFinder{userID: "user-panic"})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/panic", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Code)
	}
	if !strings.Contains(logs.String(), "panic recovered") {
		t.Errorf("panic was not logged: %s", logs.String())
	}
}
