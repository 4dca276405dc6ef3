package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/eventsync/internal/config"
	"github.com/hitoshi/eventsync/internal/connectivity"
	"github.com/hitoshi/eventsync/internal/database"
	"github.com/hitoshi/eventsync/internal/handler"
	"github.com/hitoshi/eventsync/internal/logger"
	"github.com/hitoshi/eventsync/internal/metrics"
	"github.com/hitoshi/eventsync/internal/middleware"
	"github.com/hitoshi/eventsync/internal/photo"
	"github.com/hitoshi/eventsync/internal/remote"
	"github.com/hitoshi/eventsync/internal/repository"
	"github.com/hitoshi/eventsync/internal/security"
	"github.com/hitoshi/eventsync/internal/session"
	"github.com/hitoshi/eventsync/internal/syncer"
	"github.com/hitoshi/eventsync/internal/worker/cleanup"
	"github.com/hitoshi/eventsync/internal/worker/flush"
)

// sessionRedisKey はRedisに端末のセッションを保存するキー。
const sessionRedisKey = "eventsync:session"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("local_db", cfg.LocalDBPath),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandFlush:
		return runFlush(cfg)
	case CommandCleanup:
		return runCleanup(cfg)
	default:
		return runServe(cfg)
	}
}

// core はサブコマンド間で共有する同期の中核部品。
type core struct {
	remoteDB    *sql.DB
	remote      *remote.PostgresStore
	local       *repository.LocalStore
	coordinator *syncer.Coordinator
	registry    *prometheus.Registry
	collector   *metrics.Collector
}

// Close はcoreが開いた接続を閉じる。
func (c *core) Close() {
	if err := c.local.Close(); err != nil {
		slog.Error("failed to close local store", slog.String("error", err.Error()))
	}
	if err := c.remoteDB.Close(); err != nil {
		slog.Error("failed to close remote database", slog.String("error", err.Error()))
	}
}

// openCore はリモートストアとローカルストアを開き、同期コーディネータを組み立てる。
// リモートに接続できなくても起動は継続する（オフライン時はローカルのみで動作する）。
// ローカルストアを開けない場合はエラーを返す。
func openCore(cfg *config.Config) (*core, error) {
	logger := slog.Default()

	// 1. リモートストア
	remoteDB, err := database.OpenRemote(cfg.RemoteDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}
	remoteStore := remote.NewPostgresStore(remoteDB, cfg.RemoteTimeout, remote.NewFileTokenCache(cfg.TokenCacheFile), logger)

	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.RemoteTimeout)
	defer cancel()
	if err := remoteStore.Ping(pingCtx); err != nil {
		slog.Warn("remote store is not reachable, starting offline",
			slog.String("error", err.Error()),
		)
	} else {
		slog.Info("remote store connection established")
	}

	// 2. ローカルストア
	local, err := repository.OpenLocalStore(cfg.LocalDBPath)
	if err != nil {
		remoteDB.Close()
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	slog.Info("local store opened", slog.String("path", cfg.LocalDBPath))

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 4. 同期コーディネータ
	coordinator := syncer.NewCoordinator(
		local.Users, local.Events, local.Mutations,
		remoteStore,
		security.NewTextSanitizer(),
		collector,
		logger,
		syncer.Config{
			FlushRate:  rate.Limit(cfg.FlushRatePerSec),
			FlushBurst: cfg.FlushBurst,
		},
	)

	return &core{
		remoteDB:    remoteDB,
		remote:      remoteStore,
		local:       local,
		coordinator: coordinator,
		registry:    registry,
		collector:   collector,
	}, nil
}

// openSessionStore は端末のセッションの保存先を返す。
// SESSION_REDIS_ADDRが設定されている場合はRedis、それ以外はファイルを使う。
func openSessionStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	if cfg.SessionRedisAddr == "" {
		return session.NewFileStore(cfg.SessionFile), func() {}, nil
	}

	client, err := session.NewRedisClient(ctx, cfg.SessionRedisAddr, cfg.SessionRedisPassword, cfg.SessionRedisDB)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to session redis: %w", err)
	}
	slog.Info("session store: redis", slog.String("addr", cfg.SessionRedisAddr))
	return session.NewRedisStore(client, sessionRedisKey), func() { client.Close() }, nil
}

// openPhotoService はプロフィール写真のサービスを組み立てる。
// PHOTO_ENDPOINTが未設定の場合はnilを返す（写真のアップロードは無効）。
func openPhotoService(ctx context.Context, cfg *config.Config, users photo.ProfileStore) (*photo.Service, error) {
	if !cfg.PhotoEnabled() {
		slog.Info("photo storage is disabled")
		return nil, nil
	}

	objects, err := photo.NewObjectStore(photo.ObjectStoreConfig{
		Endpoint:      cfg.PhotoEndpoint,
		AccessKey:     cfg.PhotoAccessKey,
		SecretKey:     cfg.PhotoSecretKey,
		Bucket:        cfg.PhotoBucket,
		Region:        cfg.PhotoRegion,
		UseSSL:        cfg.PhotoUseSSL,
		PublicBaseURL: cfg.PhotoPublicBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create photo object store: %w", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare photo bucket: %w", err)
	}

	fetcher := security.NewSafeFetcher(cfg.PhotoFetchTimeout, cfg.PhotoMaxSize)
	return photo.NewService(objects, users, fetcher, cfg.PhotoMaxSize, slog.Default()), nil
}

// rateLimiterConfig はreq/min単位の設定値をRateLimiterConfigに変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60)
		rlCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitAuth > 0 {
		rlCfg.AuthRate = rate.Limit(float64(cfg.RateLimitAuth) / 60)
		rlCfg.AuthBurst = cfg.RateLimitAuth
	}
	return rlCfg
}

// runServe はAPIサーバーモードで起動する。
// 同期コーディネータ・フラッシュワーカー・接続監視を起動し、HTTP APIを提供する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンする。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. 同期の中核部品
	c, err := openCore(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	// 2. セッション
	sessions, closeSessions, err := openSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSessions()

	resolver := session.NewResolver(sessions, c.remote, c.coordinator, slog.Default())
	res, err := resolver.Resolve(ctx)
	if err != nil {
		slog.Warn("session could not be verified at startup",
			slog.String("error", err.Error()),
		)
	} else {
		slog.Info("session resolved", slog.String("state", res.State.String()))
	}

	// 3. プロフィール写真
	photos, err := openPhotoService(ctx, cfg, c.coordinator)
	if err != nil {
		return err
	}

	// 4. フラッシュワーカーと接続監視
	var background sync.WaitGroup

	// 再送の契機は接続監視のみ。起動時に到達可能なら前回の残りを再送する
	observer := connectivity.NewObserver(c.coordinator, c.collector, slog.Default())
	observer.RecoverOnStart = true

	worker := flush.NewWorker(c.coordinator, observer, slog.Default())
	background.Go(func() { worker.Start(ctx) })

	pinger := connectivity.NewRemotePinger(c.remote, cfg.RemoteTimeout)
	background.Go(func() { observer.Watch(ctx, pinger, cfg.ConnectivityProbeInterval) })

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		ActiveUserFinder:  resolver,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		SessionService: resolver,

		UserService:  c.coordinator,
		MaxPhotoSize: cfg.PhotoMaxSize,

		EventService: c.coordinator,

		SyncService:  handler.NewSyncServiceAdapter(c.coordinator),
		Reachability: observer,

		MetricsHandler: metrics.SetupMetricsRoute(c.registry),
	}
	// nilの*photo.Serviceをインターフェースに入れると非nil扱いになるため分岐する
	if photos != nil {
		deps.PhotoService = photos
	}

	router := handler.NewRouter(deps)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		cancel()
		background.Wait()
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	// ワーカーと接続監視を先に止める。再送中の変更はキューに残る
	cancel()
	background.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runFlush は保留キューを1回だけ再送する。
// 再送できなかった変更はキューに残り、次回のserveまたはflushで再送される。
func runFlush(cfg *config.Config) error {
	c, err := openCore(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := c.coordinator.FlushPendingMutations(ctx)
	if err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}

	slog.Info("flush completed",
		slog.Int("synced", report.Synced),
		slog.Int("rejected", len(report.Rejected)),
		slog.Int("remaining", report.Remaining),
	)
	return nil
}

// runCleanup はリモートストアの失効済み認証トークンを削除する。
func runCleanup(cfg *config.Config) error {
	db, err := database.OpenRemote(cfg.RemoteDatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open remote database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to remote database: %w", err)
	}

	job := cleanup.NewTokenCleanupJob(db, slog.Default(), cfg.RevokedTokenRetentionDays)
	return job.Run(ctx)
}

// runMigrate はリモートストアのマイグレーションを実行する。
// ローカルストアのスキーマはOpenLocalStoreが起動時に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.RemoteDatabaseURL)),
	)

	if err := database.RunRemoteMigrations(cfg.RemoteDatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
