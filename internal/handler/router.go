package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/photoalbum/internal/metrics"
	"github.com/hitoshi/photoalbum/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	SessionLoader      middleware.SessionLoader
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter
	CSRF               middleware.CSRFConfig
	HSTS               bool

	// 認証
	AuthService AuthServiceInterface
	Sessions    SessionManager
	AuthConfig  AuthHandlerConfig
	Metrics     metrics.MetricsCollector

	// 運用エンドポイント。nilの場合はマウントしない
	Health         http.Handler
	MetricsHandler http.Handler

	// ProtectedRoutes は認証必須の /api 配下にルートを登録する。
	ProtectedRoutes func(r chi.Router)
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → CORS
//	  /auth/me, /auth/status, /check-session: → Session
//	  /auth/github, /auth/github/callback:    → RateLimit(Login)
//	  /auth/logout:                           → (なし)
//	  /api/*:                        → Session → AuthGuard → RateLimit(General) → CSRF
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	authHandler := NewAuthHandler(deps.AuthService, deps.Sessions, deps.AuthConfig, deps.Metrics)
	session := middleware.NewSessionMiddleware(deps.SessionLoader)

	// --- 運用エンドポイント ---
	if deps.Health != nil {
		r.Method(http.MethodGet, "/health", deps.Health)
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 認証ルート ---
	r.Route("/auth", func(r chi.Router) {
		// OAuthフロー
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.LoginMiddleware())
			r.Get("/github", authHandler.Login)
			r.Get("/github/callback", authHandler.Callback)
		})

		// ストア障害時もCookieをクリアできるよう、ログアウトはセッションを読み込まない
		r.Get("/logout", authHandler.Logout)
		r.Post("/logout", authHandler.Logout)

		// セッション管理
		r.Group(func(r chi.Router) {
			r.Use(session)
			r.Get("/me", authHandler.Me)
			r.Get("/status", authHandler.Status)
		})
	})

	// 旧クライアント向け
	r.With(session).Get("/check-session", authHandler.CheckSession)

	// --- 認証が必要なルート ---
	r.Route("/api", func(r chi.Router) {
		r.Use(session)
		r.Use(middleware.NewAuthGuard())
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

		if deps.ProtectedRoutes != nil {
			deps.ProtectedRoutes(r)
		}
	})

	return r
}
