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
	"strings"
	"syscall"
	"time"

	"github.com/hitoshi/vibex/internal/auth"
	"github.com/hitoshi/vibex/internal/client"
	"github.com/hitoshi/vibex/internal/config"
	"github.com/hitoshi/vibex/internal/database"
	"github.com/hitoshi/vibex/internal/event"
	"github.com/hitoshi/vibex/internal/geo"
	"github.com/hitoshi/vibex/internal/handler"
	"github.com/hitoshi/vibex/internal/logger"
	"github.com/hitoshi/vibex/internal/metrics"
	"github.com/hitoshi/vibex/internal/middleware"
	"github.com/hitoshi/vibex/internal/note"
	"github.com/hitoshi/vibex/internal/profile"
	"github.com/hitoshi/vibex/internal/realtime"
	"github.com/hitoshi/vibex/internal/repository"
	"github.com/hitoshi/vibex/internal/security"
	"github.com/hitoshi/vibex/internal/worker/sweep"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Init はアプリケーションの初期化を行う。
// .envを読み込み、JSON構造化ログをセットアップしてから環境変数のConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

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

	if cmd == CommandHelp {
		WriteUsage(w)
		return nil
	}

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

	slog.Info("アプリケーションを起動します",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		action, err := ParseMigrateAction(args[1:])
		if err != nil {
			return err
		}
		return runMigrate(cfg, action)
	default:
		return runServe(ctx, cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続と行変更通知の購読を開き、全依存関係をワイヤリングしてHTTPサーバーを起動する。
// ctxがキャンセルされるとwebsocket接続を閉じてからグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	if err := security.ValidateEndpoint(strings.ReplaceAll(cfg.GeoLookupURL, "{ip}", "192.0.2.1")); err != nil {
		return fmt.Errorf("invalid GEO_LOOKUP_URL: %w", err)
	}

	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("データベースに接続しました")

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 3. 行変更通知の購読
	hub := realtime.NewHub(logger.Component(slog.Default(), "realtime"))
	listener := realtime.NewListener(cfg.DatabaseURL, cfg.ListenerMinWait, cfg.ListenerMaxWait,
		hub, collector, logger.Component(slog.Default(), "listener"))

	listenCtx, stopListener := context.WithCancel(ctx)
	defer stopListener()
	listenDone := make(chan error, 1)
	go func() { listenDone <- listener.Run(listenCtx) }()

	// 4. リポジトリの初期化
	accountRepo := repository.NewPostgresAccountRepo(db)
	authSessionRepo := repository.NewPostgresAuthSessionRepo(db)
	profileRepo := repository.NewPostgresProfileRepo(db)
	eventRepo := repository.NewPostgresEventRepo(db)
	messageRepo := repository.NewPostgresMessageRepo(db)
	noteRepo := repository.NewPostgresNoteRepo(db)

	// 5. ドメインサービスの初期化
	sanitizer := security.NewTextSanitizer()
	authService := auth.NewService(accountRepo, authSessionRepo,
		auth.NewLogConfirmationSender(cfg.BaseURL, slog.Default()),
		auth.ServiceConfig{
			JWTSecret:       cfg.JWTSecret,
			AccessTokenTTL:  cfg.AccessTokenTTL,
			RefreshTokenTTL: cfg.RefreshTokenTTL,
			BcryptCost:      cfg.BcryptCost,
			MinPasswordLen:  cfg.MinPasswordLen,
		},
	)
	profileService := profile.NewService(profileRepo, sanitizer, slog.Default())
	eventService := event.NewService(eventRepo, sanitizer, slog.Default())
	noteService := note.NewService(noteRepo, sanitizer, slog.Default())
	locator := geo.NewHTTPLocator(cfg.GeoLookupURL, security.NewEgressClient(cfg.GeoTimeout), slog.Default())

	// 6. レート制限（HTTPとチャット送信で共有）
	rateLimiterCfg := middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitAuth, cfg.RateLimitChat)
	rateLimiterCfg.OnReject = collector.RecordRateLimited
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	// 7. websocket接続ごとの同期コア
	wsLogger := logger.Component(slog.Default(), "client")
	wsHandler := handler.NewWSHandler(handler.WSHandlerConfig{
		AllowedOrigin: cfg.CORSAllowedOrigin,
		NewProvider: func() handler.ConnectionProvider {
			return auth.NewConnectionProvider(authService, hub, cfg.RefreshLeeway, wsLogger)
		},
		Services: client.Services{
			Resolver:     profile.NewResolver(profileRepo, slog.Default()),
			Profiles:     profileService,
			Events:       eventRepo,
			Mutator:      eventService,
			Messages:     messageRepo,
			Usernames:    profileRepo,
			Bus:          hub,
			Sanitizer:    sanitizer,
			ChatLimiter:  rateLimiter,
			InitTimeout:  cfg.SessionInitTimeout,
			TickInterval: cfg.RenderTick,
		},
		Observer: collector,
	}, wsLogger)

	// 8. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		SessionVerifier:   authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:     rateLimiter,
		RequestObserver: collector,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			RefreshMaxAge: int(cfg.RefreshTokenTTL.Seconds()),
		},

		NoteService:   noteService,
		ProfileViewer: profileService,
		Locator:       locator,

		WSHandler: wsHandler,
		Gatherer:  reg,
	})

	// 9. HTTPサーバーの起動
	// websocket接続は長時間維持するため、WriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("APIサーバーを起動します", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case err := <-listenDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("realtime listener stopped: %w", err)
		}
	}
	slog.Info("APIサーバーを停止します")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// ハイジャック済みのwebsocket接続はShutdownの対象外のため先に閉じる
	wsHandler.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	stopListener()

	slog.Info("APIサーバーを停止しました")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れのリフレッシュトークンと終了済みVibeを定期的に掃除する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("データベースに接続しました (worker)")

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	job := sweep.NewJob(db, collector, cfg.EventSweepGrace, logger.Component(slog.Default(), "sweep"))

	// ヘルスチェックとメトリクスのみを公開する
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", metrics.Handler(reg))
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("メトリクスサーバーの起動に失敗しました", slog.String("error", err.Error()))
		}
	}()

	slog.Info("ワーカーを起動します",
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.Duration("event_grace", cfg.EventSweepGrace),
	)

	// ctxがキャンセルされるまでブロックする
	job.Start(ctx, cfg.SweepInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("メトリクスサーバーの停止に失敗しました", slog.String("error", err.Error()))
	}

	slog.Info("ワーカーを停止しました")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// 既定では未適用のマイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	slog.Info("マイグレーションを実行します",
		slog.String("action", action.Kind),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action.Kind {
	case "down":
		if err := database.RollbackMigrations(cfg.DatabaseURL, action.Steps); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case "version":
		status, err := database.GetMigrationStatus(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("マイグレーションの状態",
			slog.Uint64("version", uint64(status.Version)),
			slog.Bool("dirty", status.Dirty),
			slog.Bool("empty", status.Empty),
		)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("マイグレーションが完了しました")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	hc := &http.Client{Timeout: 5 * time.Second}

	resp, err := hc.Get(url)
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
