package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/eventsync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	ActiveUserFinder  middleware.ActiveUserFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 認証
	SessionService SessionServiceInterface

	// ユーザー
	UserService  UserServiceInterface
	PhotoService PhotoServiceInterface
	MaxPhotoSize int64

	// イベント
	EventService EventServiceInterface

	// 同期
	SyncService  SyncServiceInterface
	Reachability ReachabilityReporter

	// メトリクス（nilの場合は/metricsを公開しない）
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → CORS → Session → RateLimit(General)
//
// ヘルスチェック、メトリクス、サインイン・登録はSession以降のチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	sessionHandler := NewSessionHandler(deps.SessionService)
	userHandler := NewUserHandler(deps.UserService, deps.PhotoService, deps.MaxPhotoSize)
	eventHandler := NewEventHandler(deps.EventService)
	syncHandler := NewSyncHandler(deps.SyncService)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.Reachability))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api/session", func(r chi.Router) {
		r.Get("/", sessionHandler.GetSession)
		r.With(deps.RateLimiter.AuthMiddleware()).Post("/", sessionHandler.SignIn)
		r.Delete("/", sessionHandler.SignOut)
	})
	r.With(deps.RateLimiter.AuthMiddleware()).Post("/api/users", sessionHandler.Register)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.ActiveUserFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// アクティブユーザー
		r.Route("/api/users/me", func(r chi.Router) {
			r.Get("/", userHandler.GetMe)
			r.Patch("/", userHandler.UpdateMe)
			r.Post("/photo", userHandler.UploadPhoto)
			r.Post("/photo/cache", userHandler.CachePhoto)
		})

		// イベント
		r.Route("/api/events", func(r chi.Router) {
			r.Get("/", eventHandler.ListEvents)
			r.Post("/", eventHandler.CreateEvent)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", eventHandler.GetEvent)
				r.Patch("/", eventHandler.UpdateEvent)
				r.Delete("/", eventHandler.DeleteEvent)
			})
		})

		// 保留キュー
		r.Route("/api/sync", func(r chi.Router) {
			r.Get("/pending", syncHandler.ListPending)
			r.Post("/flush", syncHandler.Flush)
		})
	})

	return r
}
