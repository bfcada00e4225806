package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/vibex/internal/geo"
	"github.com/hitoshi/vibex/internal/metrics"
	"github.com/hitoshi/vibex/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	SessionVerifier   middleware.SessionVerifier
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	RequestObserver   middleware.RequestObserver

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// REST API
	NoteService   NoteServiceInterface
	ProfileViewer ProfileViewer
	Locator       geo.Locator

	// リアルタイム
	WSHandler http.Handler

	// Gathererがnilなら/metricsを公開しない
	Gatherer prometheus.Gatherer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Recovery → Logging → SecurityHeaders → CORS → (ルートごと) Session → CSRF → RateLimit
//
// /wsはアップグレード後に接続単位で認証するため、セッションミドルウェアを通さない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.RequestObserver))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	noteHandler := NewNoteHandler(deps.NoteService)
	profileHandler := NewProfileHandler(deps.ProfileViewer)
	locationHandler := NewLocationHandler(deps.Locator)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 認証ルート ---
	// ミドルウェアスタック: RateLimit(Auth) → CSRF
	r.Route("/auth", func(r chi.Router) {
		r.Use(deps.RateLimiter.AuthMiddleware())

		// メール内リンクから開くためCSRF検証の対象外
		r.Get("/confirm", authHandler.Confirm)
		r.Get("/me", authHandler.Me)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
			r.Post("/signup", authHandler.SignUp)
			r.Post("/login", authHandler.Login)
			r.Post("/logout", authHandler.Logout)
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/session", authHandler.SetSession)
		})
	})

	// --- 認証不要のAPI ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewOptionalSessionMiddleware(deps.SessionVerifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))
		r.Get("/api/profiles/{username}", profileHandler.Get)
		r.Get("/api/location", locationHandler.Get)
	})

	// --- 認証が必要なAPI ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionVerifier))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/notes", func(r chi.Router) {
			r.Get("/", noteHandler.List)
			r.Post("/", noteHandler.Add)
		})
	})

	if deps.WSHandler != nil {
		r.Method(http.MethodGet, "/ws", deps.WSHandler)
	}

	return r
}
