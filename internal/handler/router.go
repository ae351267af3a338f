package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/aizily/internal/metrics"
	"github.com/hitoshi/aizily/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	StatusRecorder    middleware.StatusRecorder

	// 認証
	AuthClient  AuthClientInterface
	Provisioner ProvisionerInterface

	// メトリクス。nilの場合は/metricsを公開しない
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS → RateLimit(General)
//
// サインイン・サインアップには認証用のレート制限を追加で適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// ヘルスチェックとメトリクスはレート制限の対象外
	r.Get("/health", Health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	authHandler := NewAuthHandler(deps.AuthClient, deps.Provisioner)

	r.Route("/auth", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 認証情報を送信するエンドポイント
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.CredentialsMiddleware())
			r.Post("/signin", authHandler.SignIn)
			r.Post("/signup", authHandler.SignUp)
		})

		r.Post("/signup/{userID}/profile", authHandler.RetryProfile)
		r.Post("/refresh", authHandler.Refresh)
		r.Post("/signout", authHandler.SignOut)
		r.Get("/session", authHandler.Session)
		r.Get("/user", authHandler.User)
	})

	return r
}

// Health はプロセスの生存確認に応答する。
// GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
