package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/photoalbum/internal/auth"
	"github.com/hitoshi/photoalbum/internal/metrics"
	"github.com/hitoshi/photoalbum/internal/middleware"
	"github.com/hitoshi/photoalbum/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	getLoginURLFn    func(state string) string
	handleCallbackFn func(ctx context.Context, code string) (*model.User, error)
	callbackCalls    int
}

func (m *mockAuthService) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return "https://github.com/login/oauth/authorize?state=" + url.QueryEscape(state)
}

func (m *mockAuthService) HandleCallback(ctx context.Context, code string) (*model.User, error) {
	m.callbackCalls++
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, code)
	}
	return &model.User{ID: "user-1"}, nil
}

type mockSessionManager struct {
	establishFn    func(w http.ResponseWriter, r *http.Request, user *model.User) (string, error)
	destroyFn      func(w http.ResponseWriter, r *http.Request) error
	establishCalls int
}

func (m *mockSessionManager) Establish(w http.ResponseWriter, r *http.Request, user *model.User) (string, error) {
	m.establishCalls++
	if m.establishFn != nil {
		return m.establishFn(w, r, user)
	}
	http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "sess-1", Path: "/"})
	return "sess-1", nil
}

func (m *mockSessionManager) Destroy(w http.ResponseWriter, r *http.Request) error {
	if m.destroyFn != nil {
		return m.destroyFn(w, r)
	}
	return nil
}

// --- compile-time interface checks ---
var _ AuthServiceInterface = (*mockAuthService)(nil)
var _ AuthServiceInterface = (*auth.Service)(nil)
var _ SessionManager = (*mockSessionManager)(nil)

var testAuthConfig = AuthHandlerConfig{
	SuccessURL: "http://localhost:5173/home",
	FailureURL: "http://localhost:5173/login",
}

// loginRecorder はRecordLoginの結果ラベルだけを記録する。
type loginRecorder struct {
	metrics.Nop
	results []string
}

func (r *loginRecorder) RecordLogin(result string) {
	r.results = append(r.results, result)
}

func callbackRequest(query string, stateCookie string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/auth/github/callback?"+query, nil)
	if stateCookie != "" {
		req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: stateCookie})
	}
	return req
}

// --- テスト ---

func TestAuthHandler_Login_RedirectsWithState(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, &mockSessionManager{}, testAuthConfig, nil)

	w := httptest.NewRecorder()
	h.Login(w, httptest.NewRequest(http.MethodGet, "/auth/github", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusFound)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	if loc.Host != "github.com" {
		t.Errorf("Location host = %q, want github.com", loc.Host)
	}

	var stateCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == oauthStateCookie {
			stateCookie = c
		}
	}
	if stateCookie == nil {
		t.Fatal("expected oauth_state cookie")
	}
	if stateCookie.Value != loc.Query().Get("state") {
		t.Errorf("state cookie %q does not match URL state %q", stateCookie.Value, loc.Query().Get("state"))
	}
	if !stateCookie.HttpOnly || stateCookie.MaxAge != oauthStateMaxAge {
		t.Errorf("state cookie attributes = %+v", stateCookie)
	}
}

func TestAuthHandler_Callback_Success(t *testing.T) {
	svc := &mockAuthService{
		handleCallbackFn: func(_ context.Context, code string) (*model.User, error) {
			if code != "good-code" {
				t.Errorf("code = %q, want %q", code, "good-code")
			}
			return &model.User{ID: "user-1", Username: "alice"}, nil
		},
	}
	sessions := &mockSessionManager{}
	h := NewAuthHandler(svc, sessions, testAuthConfig, nil)

	w := httptest.NewRecorder()
	h.Callback(w, callbackRequest("code=good-code&state=s1", "s1"))

	resp := w.Result()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	location := resp.Header.Get("Location")
	if location != testAuthConfig.SuccessURL {
		t.Errorf("Location = %q, want %q", location, testAuthConfig.SuccessURL)
	}
	if strings.Contains(location, "user-1") || strings.Contains(location, "alice") {
		t.Error("identity must not be placed in the redirect URL")
	}
	if sessions.establishCalls != 1 {
		t.Errorf("establishCalls = %d, want 1", sessions.establishCalls)
	}

	// stateクッキーは削除される
	for _, c := range resp.Cookies() {
		if c.Name == oauthStateCookie && c.MaxAge >= 0 {
			t.Error("oauth_state cookie should be cleared")
		}
	}
}

func TestAuthHandler_Callback_OAuthFailures_RedirectWithoutSideEffects(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		stateCookie string
	}{
		{name: "認可拒否", query: "error=access_denied&state=s1", stateCookie: "s1"},
		{name: "stateクッキーなし", query: "code=c&state=s1"},
		{name: "state不一致", query: "code=c&state=s1", stateCookie: "other"},
		{name: "state空", query: "code=c", stateCookie: "s1"},
		{name: "コードなし", query: "state=s1", stateCookie: "s1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{}
			sessions := &mockSessionManager{}
			h := NewAuthHandler(svc, sessions, testAuthConfig, nil)

			w := httptest.NewRecorder()
			h.Callback(w, callbackRequest(tt.query, tt.stateCookie))

			if w.Code != http.StatusFound {
				t.Errorf("status = %d, want %d", w.Code, http.StatusFound)
			}
			if loc := w.Header().Get("Location"); loc != testAuthConfig.FailureURL {
				t.Errorf("Location = %q, want %q", loc, testAuthConfig.FailureURL)
			}
			if svc.callbackCalls != 0 {
				t.Error("auth service must not be called")
			}
			if sessions.establishCalls != 0 {
				t.Error("session must not be established")
			}
		})
	}
}

// IdPのエラー応答はstate検証より先に認可拒否として分類される。
func TestAuthHandler_Callback_ClassifiesLoginFailures(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		stateCookie string
		want        string
	}{
		{name: "認可拒否", query: "error=access_denied&state=s1", stateCookie: "s1", want: metrics.LoginDenied},
		{name: "認可拒否かつstate不一致", query: "error=access_denied&state=s1", stateCookie: "other", want: metrics.LoginDenied},
		{name: "state不一致", query: "code=c&state=s1", stateCookie: "other", want: metrics.LoginStateMismatch},
		{name: "コードなし", query: "state=s1", stateCookie: "s1", want: metrics.LoginExchangeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &loginRecorder{}
			h := NewAuthHandler(&mockAuthService{}, &mockSessionManager{}, testAuthConfig, rec)

			w := httptest.NewRecorder()
			h.Callback(w, callbackRequest(tt.query, tt.stateCookie))

			if len(rec.results) != 1 || rec.results[0] != tt.want {
				t.Errorf("login results = %v, want [%s]", rec.results, tt.want)
			}
		})
	}
}

func TestAuthHandler_Callback_ServiceAndSessionFailures_RedirectToFailure(t *testing.T) {
	tests := []struct {
		name        string
		callbackErr error
		sessionErr  error
	}{
		{name: "コード交換失敗", callbackErr: &auth.ExchangeError{Err: errors.New("bad_verification_code")}},
		{name: "ユーザー解決失敗", callbackErr: errors.New("db down")},
		{name: "セッション発行失敗", sessionErr: errors.New("store down")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				handleCallbackFn: func(context.Context, string) (*model.User, error) {
					if tt.callbackErr != nil {
						return nil, tt.callbackErr
					}
					return &model.User{ID: "user-1"}, nil
				},
			}
			sessions := &mockSessionManager{
				establishFn: func(http.ResponseWriter, *http.Request, *model.User) (string, error) {
					return "", tt.sessionErr
				},
			}
			h := NewAuthHandler(svc, sessions, testAuthConfig, nil)

			w := httptest.NewRecorder()
			h.Callback(w, callbackRequest("code=c&state=s1", "s1"))

			if w.Code != http.StatusFound {
				t.Errorf("status = %d, want %d", w.Code, http.StatusFound)
			}
			if loc := w.Header().Get("Location"); loc != testAuthConfig.FailureURL {
				t.Errorf("Location = %q, want %q", loc, testAuthConfig.FailureURL)
			}
			if body := w.Body.String(); strings.Contains(body, "db down") || strings.Contains(body, "store down") {
				t.Errorf("internal error leaked to client: %q", body)
			}
		})
	}
}

func TestAuthHandler_Logout(t *testing.T) {
	t.Run("成功", func(t *testing.T) {
		h := NewAuthHandler(&mockAuthService{}, &mockSessionManager{}, testAuthConfig, nil)
		w := httptest.NewRecorder()
		h.Logout(w, httptest.NewRequest(http.MethodGet, "/auth/logout", nil))

		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]string
		json.NewDecoder(w.Body).Decode(&body)
		if body["message"] != "Logged out successfully" {
			t.Errorf("message = %q", body["message"])
		}
	})

	t.Run("ストア障害", func(t *testing.T) {
		sessions := &mockSessionManager{
			destroyFn: func(http.ResponseWriter, *http.Request) error {
				return errors.New("connection refused")
			},
		}
		h := NewAuthHandler(&mockAuthService{}, sessions, testAuthConfig, nil)
		w := httptest.NewRecorder()
		h.Logout(w, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))

		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		var body map[string]string
		json.NewDecoder(w.Body).Decode(&body)
		if body["error"] != "Internal Server Error" {
			t.Errorf("error = %q", body["error"])
		}
	})
}

func TestAuthHandler_Me(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, &mockSessionManager{}, testAuthConfig, nil)

	t.Run("未認証", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Me(w, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		var body map[string]string
		json.NewDecoder(w.Body).Decode(&body)
		if body["message"] != "Not authenticated" {
			t.Errorf("message = %q, want %q", body["message"], "Not authenticated")
		}
	})

	t.Run("認証済み", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		req = req.WithContext(middleware.ContextWithUser(req.Context(), &model.User{
			ID: "user-1", Email: "a@x.com", DisplayName: "Alice A", Username: "alice",
		}))
		w := httptest.NewRecorder()
		h.Me(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]string
		json.NewDecoder(w.Body).Decode(&body)
		want := map[string]string{"id": "user-1", "email": "a@x.com", "name": "Alice A", "username": "alice"}
		for k, v := range want {
			if body[k] != v {
				t.Errorf("%s = %q, want %q", k, body[k], v)
			}
		}
		if w.Header().Get("Cache-Control") != "no-store" {
			t.Error("expected Cache-Control: no-store")
		}
	})
}

func TestAuthHandler_StatusAndCheckSession(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, &mockSessionManager{}, testAuthConfig, nil)
	user := &model.User{ID: "user-1", Email: "a@x.com", DisplayName: "Alice A", Username: "alice"}

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		user     *model.User
		wantKeys map[string]any
	}{
		{name: "status/未認証", handler: h.Status, wantKeys: map[string]any{"isAuthenticated": false, "loggedIn": false}},
		{name: "status/認証済み", handler: h.Status, user: user, wantKeys: map[string]any{"isAuthenticated": true, "loggedIn": true}},
		{name: "check-session/未認証", handler: h.CheckSession, wantKeys: map[string]any{"loggedIn": false}},
		{name: "check-session/認証済み", handler: h.CheckSession, user: user, wantKeys: map[string]any{"loggedIn": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.user != nil {
				req = req.WithContext(middleware.ContextWithUser(req.Context(), tt.user))
			}
			w := httptest.NewRecorder()
			tt.handler(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
			}
			var body map[string]any
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			for k, v := range tt.wantKeys {
				if body[k] != v {
					t.Errorf("%s = %v, want %v", k, body[k], v)
				}
			}
			_, hasUser := body["user"]
			if hasUser != (tt.user != nil) {
				t.Errorf("user present = %v, want %v", hasUser, tt.user != nil)
			}
		})
	}
}
