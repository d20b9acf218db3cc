// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/photoalbum/internal/auth"
	"github.com/hitoshi/photoalbum/internal/metrics"
	"github.com/hitoshi/photoalbum/internal/middleware"
	"github.com/hitoshi/photoalbum/internal/model"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateMaxAge = 600 // 10分
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string) (*model.User, error)
}

// SessionManager はセッションの発行と破棄を行うインターフェース。
// session.Managerが実装する。
type SessionManager interface {
	Establish(w http.ResponseWriter, r *http.Request, user *model.User) (string, error)
	Destroy(w http.ResponseWriter, r *http.Request) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	SuccessURL   string // ログイン成功後のリダイレクト先
	FailureURL   string // ログイン失敗時のリダイレクト先
	CookieSecure bool
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	sessions SessionManager
	config   AuthHandlerConfig
	metrics  metrics.MetricsCollector
}

// NewAuthHandler はAuthHandlerを生成する。mcがnilの場合はメトリクスを記録しない。
func NewAuthHandler(service AuthServiceInterface, sessions SessionManager, config AuthHandlerConfig, mc metrics.MetricsCollector) *AuthHandler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &AuthHandler{
		service:  service,
		sessions: sessions,
		config:   config,
		metrics:  mc,
	}
}

// userResponse はprincipalの公開フィールド。
type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

func newUserResponse(u *model.User) *userResponse {
	return &userResponse{
		ID:       u.ID,
		Email:    u.Email,
		Name:     u.DisplayName,
		Username: u.Username,
	}
}

// Login はGitHub OAuthフローを開始する。
// GET /auth/github
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, h.stateCookie(state, oauthStateMaxAge))

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusFound)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/github/callback?code=xxx&state=yyy
// 失敗時はすべてFailureURLへリダイレクトし、URLにユーザー情報は含めない。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// stateクッキーは結果に関わらず削除する
	stateCookie, cookieErr := r.Cookie(oauthStateCookie)
	http.SetCookie(w, h.stateCookie("", -1))

	// 1. IdP側のエラー（認可拒否など）
	if oauthErr := q.Get("error"); oauthErr != "" {
		slog.Info("oauth authorization failed",
			slog.String("oauth_error", oauthErr),
		)
		h.fail(w, r, metrics.LoginDenied)
		return
	}

	// 2. stateの検証（CSRF対策）
	state := q.Get("state")
	if cookieErr != nil || state == "" ||
		subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		slog.Warn("oauth state mismatch")
		h.fail(w, r, metrics.LoginStateMismatch)
		return
	}

	// 3. 認可コードの取得
	code := q.Get("code")
	if code == "" {
		slog.Warn("oauth callback without authorization code")
		h.fail(w, r, metrics.LoginExchangeError)
		return
	}

	// 4. コード交換とユーザーの解決
	user, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		var exErr *auth.ExchangeError
		if errors.As(err, &exErr) {
			slog.Error("oauth code exchange failed", slog.String("error", err.Error()))
			h.fail(w, r, metrics.LoginExchangeError)
			return
		}
		slog.Error("failed to resolve user", slog.String("error", err.Error()))
		h.fail(w, r, metrics.LoginResolveError)
		return
	}

	// 5. セッションの発行
	if _, err := h.sessions.Establish(w, r, user); err != nil {
		slog.Error("failed to establish session",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		h.fail(w, r, metrics.LoginSessionError)
		return
	}

	h.metrics.RecordLogin(metrics.LoginSuccess)
	slog.Info("user logged in", slog.String("user_id", user.ID))

	// 6. フロントエンドにリダイレクト
	http.Redirect(w, r, h.config.SuccessURL, http.StatusFound)
}

// Logout はセッションを破棄する。セッションがない場合も成功を返す。
// GET|POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Destroy(w, r); err != nil {
		slog.Error("failed to logout", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	h.metrics.RecordLogout()
	middleware.WriteMessage(w, http.StatusOK, model.MessageLoggedOut)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteMessage(w, http.StatusUnauthorized, model.MessageNotAuthenticated)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	middleware.WriteJSON(w, http.StatusOK, newUserResponse(user))
}

type statusResponse struct {
	IsAuthenticated bool          `json:"isAuthenticated"`
	LoggedIn        bool          `json:"loggedIn"`
	User            *userResponse `json:"user,omitempty"`
}

// Status はログイン状態を返す。未認証でも200を返す。
// GET /auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}
	if user, ok := middleware.UserFromContext(r.Context()); ok {
		resp.IsAuthenticated = true
		resp.LoggedIn = true
		resp.User = newUserResponse(user)
	}

	w.Header().Set("Cache-Control", "no-store")
	middleware.WriteJSON(w, http.StatusOK, resp)
}

type checkSessionResponse struct {
	LoggedIn bool          `json:"loggedIn"`
	User     *userResponse `json:"user,omitempty"`
}

// CheckSession は旧クライアント向けのログイン状態確認エンドポイント。
// GET /check-session
func (h *AuthHandler) CheckSession(w http.ResponseWriter, r *http.Request) {
	resp := checkSessionResponse{}
	if user, ok := middleware.UserFromContext(r.Context()); ok {
		resp.LoggedIn = true
		resp.User = newUserResponse(user)
	}

	w.Header().Set("Cache-Control", "no-store")
	middleware.WriteJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, result string) {
	h.metrics.RecordLogin(result)
	http.Redirect(w, r, h.config.FailureURL, http.StatusFound)
}

func (h *AuthHandler) stateCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     oauthStateCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
