package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/photoalbum/internal/auth"
	"github.com/hitoshi/photoalbum/internal/config"
	"github.com/hitoshi/photoalbum/internal/database"
	"github.com/hitoshi/photoalbum/internal/handler"
	"github.com/hitoshi/photoalbum/internal/logger"
	"github.com/hitoshi/photoalbum/internal/metrics"
	"github.com/hitoshi/photoalbum/internal/middleware"
	"github.com/hitoshi/photoalbum/internal/repository"
	"github.com/hitoshi/photoalbum/internal/session"
	"github.com/hitoshi/photoalbum/internal/worker/cleanup"
)

const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数でConfigを読み込み、LOG_LEVELを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	level := new(slog.LevelVar)
	logger.SetupDefault(w, level)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	lvl, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	level.Set(lvl)

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
		slog.String("session_store", cfg.SessionStore),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandSweep:
		return runSweep(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// sessionBackend は選択されたセッションストアと、その付随リソースをまとめる。
type sessionBackend struct {
	store repository.SessionRepository
	// ping はストア独自の疎通確認。DBと共有する場合はnil
	ping  handler.Pinger
	close func() error
}

// sweeper はストアが期限切れの一括削除を必要とする場合にそのインターフェースを返す。
func (b *sessionBackend) sweeper() (repository.ExpiredSessionDeleter, bool) {
	d, ok := b.store.(repository.ExpiredSessionDeleter)
	return d, ok
}

// openSessionStore はSESSION_STOREに従ってセッションストアを生成する。
func openSessionStore(cfg *config.Config, db *sql.DB) (*sessionBackend, error) {
	noop := func() error { return nil }

	switch cfg.SessionStore {
	case config.StoreMemory:
		slog.Warn("using in-memory session store; sessions are lost on restart and not shared between instances")
		return &sessionBackend{store: repository.NewMemorySessionRepo(), close: noop}, nil
	case config.StoreRedis:
		client, err := repository.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		repo := repository.NewRedisSessionRepo(client, "")
		return &sessionBackend{
			store: repo,
			ping:  handler.PingerFunc(repo.Ping),
			close: client.Close,
		}, nil
	case config.StorePostgres:
		return &sessionBackend{store: repository.NewPostgresSessionRepo(db), close: noop}, nil
	default:
		return nil, fmt.Errorf("unsupported session store: %q", cfg.SessionStore)
	}
}

// server はserveモードで起動するコンポーネント一式。
type server struct {
	handler     http.Handler
	rateLimiter *middleware.RateLimiter
	sweeper     *cleanup.CleanupJob // ネイティブTTLを持つストアではnil
}

// buildServer は全依存関係をワイヤリングし、HTTPハンドラーを構築する。
func buildServer(cfg *config.Config, users repository.UserRepository, backend *sessionBackend, checks map[string]handler.Pinger, reg *prometheus.Registry) (*server, error) {
	mc := metrics.NewCollector(reg)

	policy, err := session.ParseFailurePolicy(cfg.SessionFailurePolicy)
	if err != nil {
		return nil, err
	}

	// 1. セッション管理
	sessions, err := session.NewManager(backend.store, users, session.Options{
		CookieDomain:  cfg.CookieDomain,
		CookieSecure:  cfg.CookieSecure,
		TTL:           cfg.SessionTTL(),
		Secret:        []byte(cfg.SessionSecret),
		StoreTimeout:  cfg.SessionStoreTimeout,
		FailurePolicy: policy,
		Rolling:       cfg.SessionRolling,
		Metrics:       mc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	// 2. 認証サービス
	oauthProvider := auth.NewGitHubOAuthProvider(auth.GitHubOAuthConfig{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		RedirectURL:  cfg.GitHubCallbackURL,
	})
	authService := auth.NewService(oauthProvider, auth.NewIdentityResolver(users, mc))

	// 3. ルーター
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitLogin),
	)

	deps := &handler.RouterDeps{
		Logger:             slog.Default(),
		SessionLoader:      sessions,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        rateLimiter,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		HSTS: cfg.CookieSecure,

		AuthService: authService,
		Sessions:    sessions,
		AuthConfig: handler.AuthHandlerConfig{
			SuccessURL:   cfg.LoginSuccessURL,
			FailureURL:   cfg.LoginFailureURL,
			CookieSecure: cfg.CookieSecure,
		},
		Metrics: mc,

		Health:         handler.NewHealthHandler(checks),
		MetricsHandler: metrics.Handler(reg),
	}

	srv := &server{
		handler:     handler.NewRouter(deps),
		rateLimiter: rateLimiter,
	}
	if deleter, ok := backend.sweeper(); ok {
		srv.sweeper = cleanup.NewCleanupJob(deleter, slog.Default(), mc)
	}
	return srv, nil
}

// newRegistry はプロセス・ランタイムのメトリクスを含むレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. セッションストア
	backend, err := openSessionStore(cfg, db)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer backend.close()

	checks := map[string]handler.Pinger{"database": db}
	if backend.ping != nil {
		checks["session_store"] = backend.ping
	}

	// 3. ワイヤリング
	srv, err := buildServer(cfg, repository.NewPostgresUserRepo(db), backend, checks, newRegistry())
	if err != nil {
		return err
	}
	defer srv.rateLimiter.Stop()

	// 4. 期限切れセッションの掃除（ネイティブTTLを持たないストアのみ）
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	if srv.sweeper != nil {
		go srv.sweeper.Start(workerCtx, cfg.SessionSweepInterval)
	}

	// 5. HTTPサーバーの起動
	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runSweep は期限切れセッションの削除を1回実行する。cronなど外部スケジューラ向け。
func runSweep(ctx context.Context, cfg *config.Config) error {
	if cfg.SessionStore == config.StoreRedis {
		slog.Info("session store expires keys natively; nothing to sweep")
		return nil
	}
	if cfg.SessionStore == config.StoreMemory {
		slog.Info("in-memory session store lives in the server process; nothing to sweep")
		return nil
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), slog.Default(), nil).Run(ctx)
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
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
