// Package app は設定の読み込みと依存関係のワイヤリングを行い、各起動モードを実行する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/aizily/internal/auth"
	"github.com/hitoshi/aizily/internal/config"
	"github.com/hitoshi/aizily/internal/database"
	"github.com/hitoshi/aizily/internal/handler"
	"github.com/hitoshi/aizily/internal/identity"
	"github.com/hitoshi/aizily/internal/logger"
	"github.com/hitoshi/aizily/internal/metrics"
	"github.com/hitoshi/aizily/internal/middleware"
	"github.com/hitoshi/aizily/internal/provisioning"
	"github.com/hitoshi/aizily/internal/repository"
	"github.com/hitoshi/aizily/internal/session"
	"github.com/hitoshi/aizily/internal/worker/cleanup"
	"github.com/hitoshi/aizily/internal/worker/refresh"
)

const (
	// shutdownTimeout はグレースフルシャットダウンの待ち時間。
	shutdownTimeout = 30 * time.Second
	// cleanupInterval はSession Storeのクリーンアップ間隔。
	cleanupInterval = 24 * time.Hour
	dbPingTimeout   = 5 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// help と healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	switch cmd {
	case CommandHelp:
		Usage(w)
		return nil
	case CommandHealthcheck:
		return runHealthcheck(healthcheckURL(os.Getenv("SERVER_HOST"), os.Getenv("SERVER_PORT")))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("addr", cfg.Addr()),
		slog.String("identity_url", cfg.IdentityURL),
		slog.String("session_store", cfg.SessionStoreDriver),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はローカルAPIサーバーモードで起動する。
// DB接続とSession Storeを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続（Profile Store）
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		return err
	}

	slog.Info("database connection established")

	// 2. Session Store
	store, err := openSessionStore(cfg, db)
	if err != nil {
		return err
	}
	defer closeStore(store)

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 4. IdPクライアントとAuth Client
	provider := identity.NewGoTrueClient(identity.GoTrueConfig{
		BaseURL:    cfg.IdentityURL,
		APIKey:     cfg.IdentityAPIKey,
		ClientInfo: cfg.IdentityClientInfo,
		Timeout:    cfg.IdentityTimeout,
		RateLimit:  cfg.IdentityRateLimit,
	})
	authClient := auth.NewClient(provider, store, auth.Config{
		Logger:  slog.Default(),
		Metrics: collector,
	})

	// 5. アカウント作成ワークフロー
	workflow := provisioning.NewWorkflow(authClient,
		repository.NewPostgresProfileRepo(db),
		provisioning.WithLogger(slog.Default()),
		provisioning.WithMetrics(collector),
	)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitCredentials),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		StatusRecorder:    collector,
		AuthClient:        authClient,
		Provisioner:       workflow,
		Gatherer:          registry,
	})

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	// 7. バックグラウンドのトークン更新
	if cfg.AutoRefresh {
		refresher := refresh.NewRefresher(authClient, slog.Default(), cfg.RefreshLeeway)
		go refresher.Start(ctx, cfg.RefreshCheckInterval)
	}

	// 8. 共有Session Storeの古いエントリの削除
	if cfg.SessionStoreDriver == config.StoreDriverPostgres {
		job := cleanup.NewCleanupJob(db, slog.Default(), cfg.SessionStorageKey)
		job.Retention = cfg.SessionRetention
		go job.Start(ctx, cleanupInterval)
	}

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.IdentityTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-stop:
		slog.Info("shutting down API server...")
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// openSessionStore は設定されたドライバーでSession Storeを開く。
func openSessionStore(cfg *config.Config, db *sql.DB) (session.Store, error) {
	opts := session.Options{Key: cfg.SessionStorageKey}

	switch cfg.SessionStoreDriver {
	case config.StoreDriverMemory:
		slog.Warn("using in-memory session store; sessions are lost on restart")
		return session.NewMemoryStore(nil), nil
	case config.StoreDriverPostgres:
		return session.NewPostgresStore(db, opts), nil
	case config.StoreDriverSQLite:
		store, err := session.OpenSQLite(cfg.SessionStorePath, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported session store driver: %q", cfg.SessionStoreDriver)
	}
}

func closeStore(store session.Store) {
	c, ok := store.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		slog.Error("failed to close session store", slog.String("error", err.Error()))
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, _, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return err
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// healthcheckURL はヘルスチェック先のURLを組み立てる。
// ワイルドカードアドレスで待ち受けている場合はループバックに接続する。
func healthcheckURL(host, port string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	if port == "" {
		port = "8080"
	}
	return "http://" + net.JoinHostPort(host, port) + "/health"
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(target string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
