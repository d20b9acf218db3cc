// Package auth はOAuth認証フローとIdPアカウントのユーザー対応付けを提供する。
package auth

import (
	"context"
	"fmt"

	"github.com/hitoshi/photoalbum/internal/model"
)

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、プロフィールを取得する。
	ExchangeCode(ctx context.Context, code string) (*model.Profile, error)
}

// Resolver はプロフィールをローカルユーザーに対応付けるインターフェース。
type Resolver interface {
	Resolve(ctx context.Context, profile model.Profile) (*model.User, error)
}

// Service は認証に関するビジネスロジックを提供する。
// セッションの発行はsession.Managerが担当する。
type Service struct {
	oauth    OAuthProvider
	resolver Resolver
}

// NewService はServiceを生成する。
func NewService(oauth OAuthProvider, resolver Resolver) *Service {
	return &Service{
		oauth:    oauth,
		resolver: resolver,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback は認可コードからプロフィールを取得し、対応するユーザーを返す。
// 未登録ユーザーの場合はIdentityResolverが作成する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.User, error) {
	profile, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, &ExchangeError{Err: err}
	}

	user, err := s.resolver.Resolve(ctx, *profile)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	return user, nil
}

// ExchangeError は認可コードの交換またはプロフィール取得の失敗を表す。
// IdP側の障害とローカルストレージの障害を呼び出し側で区別するために使う。
type ExchangeError struct {
	Err error
}

func (e *ExchangeError) Error() string {
	return "failed to exchange oauth code: " + e.Err.Error()
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}
