// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/photoalbum/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userContextKey はリクエストコンテキストにprincipalを格納するためのキー。
var userContextKey = contextKey("user")

var principalHolderKey = contextKey("principal_holder")

// principalHolder はリクエストログにuser_idを書き出すため、
// 内側のミドルウェアで解決したユーザーIDを外側に伝える。
type principalHolder struct {
	userID string
}

func withPrincipalHolder(ctx context.Context, h *principalHolder) context.Context {
	return context.WithValue(ctx, principalHolderKey, h)
}

func principalHolderFrom(ctx context.Context) *principalHolder {
	h, _ := ctx.Value(principalHolderKey).(*principalHolder)
	return h
}

// SessionLoader はリクエストからprincipalを解決するインターフェース。
// session.Managerが実装する。
type SessionLoader interface {
	Load(w http.ResponseWriter, r *http.Request) (*model.User, error)
}

// NewSessionMiddleware はセッションCookieからprincipalを読み込み、
// リクエストコンテキストに注入するミドルウェアを返す。
// 未認証のリクエストも拒否せずに通過させる。拒否はNewAuthGuardが行う。
// ストア障害がmodel.ErrStoreUnavailableまたはmodel.ErrUserStoreUnavailableとして
// 返された場合のみ503を返す。
func NewSessionMiddleware(loader SessionLoader) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := loader.Load(w, r)
			if err != nil {
				if errors.Is(err, model.ErrStoreUnavailable) || errors.Is(err, model.ErrUserStoreUnavailable) {
					WriteError(w, http.StatusServiceUnavailable, model.MessageUnavailable)
					return
				}
				slog.Error("failed to load session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			if user != nil {
				if h := principalHolderFrom(r.Context()); h != nil {
					h.userID = user.ID
				}
				r = r.WithContext(ContextWithUser(r.Context(), user))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewAuthGuard はprincipalのないリクエストを401で拒否するミドルウェアを返す。
// セッション状態は変更しない。NewSessionMiddlewareの後に配置すること。
func NewAuthGuard() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := UserFromContext(r.Context()); !ok {
				WriteUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserFromContext はリクエストコンテキストからprincipalを取得する。
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	if !ok || user == nil {
		return nil, false
	}
	return user, true
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, ok := UserFromContext(ctx)
	if !ok || user.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return user.ID, nil
}

// ContextWithUser はコンテキストにprincipalを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}
