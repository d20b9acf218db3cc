package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hitoshi/photoalbum/internal/metrics"
	"github.com/hitoshi/photoalbum/internal/model"
	"github.com/hitoshi/photoalbum/internal/security"
)

// maxProfileFieldLen はusersテーブルの文字列カラムに収める最大文字数。
const maxProfileFieldLen = 255

// maxEmailLen はusers.emailカラムの最大文字数。
const maxEmailLen = 320

// UserStore はIdentityResolverが必要とするユーザーストアのインターフェース。
// repository.UserRepositoryの部分集合として定義する。
type UserStore interface {
	FindByProviderID(ctx context.Context, providerID string) (*model.User, error)
	Create(ctx context.Context, user *model.User) error
}

// IdentityResolver はOAuthプロフィールを1人のローカルユーザーに対応付ける。
// provider_idを唯一の統合キーとし、emailが一致しても別ユーザーとして扱う。
type IdentityResolver struct {
	users     UserStore
	metrics   metrics.MetricsCollector
	sanitizer *security.TextSanitizer
	now       func() time.Time
	newID     func() string
}

// NewIdentityResolver はIdentityResolverを生成する。mcがnilの場合はメトリクスを記録しない。
func NewIdentityResolver(users UserStore, mc metrics.MetricsCollector) *IdentityResolver {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &IdentityResolver{
		users:     users,
		metrics:   mc,
		sanitizer: security.NewTextSanitizer(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// Resolve はプロフィールに対応するユーザーを返す。未登録の場合は作成する。
// 既存ユーザーのフィールドはプロフィールで更新しない。
// 作成時にprovider_idの一意制約違反が発生した場合は、並行ログインで
// 作成済みとみなして1回だけ再検索する。
func (r *IdentityResolver) Resolve(ctx context.Context, profile model.Profile) (*model.User, error) {
	providerID := strings.TrimSpace(profile.ID)
	if providerID == "" {
		return nil, model.ErrInvalidProfile
	}

	// 1. provider_idで既存ユーザーを検索
	user, err := r.users.FindByProviderID(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user != nil {
		slog.Info("existing user logged in",
			slog.String("user_id", user.ID),
		)
		return user, nil
	}

	// 2. 新規ユーザーを作成
	newUser := r.newUser(providerID, profile)
	err = r.users.Create(ctx, newUser)
	if err == nil {
		r.metrics.RecordUserCreated()
		slog.Info("new user created",
			slog.String("user_id", newUser.ID),
			slog.String("provider_id", providerID),
		)
		return newUser, nil
	}
	if !errors.Is(err, model.ErrDuplicateUser) {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	// 3. 一意制約違反: 他のリクエストが作成したユーザーを再検索
	r.metrics.RecordResolverConflict()
	slog.Warn("concurrent user creation detected, retrying lookup",
		slog.String("provider_id", providerID),
	)

	user, err = r.users.FindByProviderID(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user after conflict: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user not found after conflict: %w", model.ErrDuplicateUser)
	}
	return user, nil
}

// newUser はプロフィールの欠損値を補完したユーザーを生成する。
func (r *IdentityResolver) newUser(providerID string, profile model.Profile) *model.User {
	username := r.clean(profile.Username)
	if username == "" {
		username = "github-user-" + providerID
	}

	displayName := r.clean(profile.DisplayName)
	if displayName == "" {
		displayName = username
	}

	// 切り詰めると別のアドレスになるため、長すぎるアドレスは使わない
	email := ""
	for _, e := range profile.Emails {
		if e = strings.TrimSpace(e); e != "" && utf8.RuneCountInString(e) <= maxEmailLen {
			email = e
			break
		}
	}
	if email == "" {
		email = PlaceholderEmail(providerID)
	}

	return &model.User{
		ID:          r.newID(),
		ProviderID:  providerID,
		Username:    username,
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   r.now().UTC(),
	}
}

// clean はIdP由来の文字列からマークアップを除去し、長さを制限する。
func (r *IdentityResolver) clean(s string) string {
	return r.sanitizer.Clean(s, maxProfileFieldLen)
}

// PlaceholderEmail はメールアドレスを取得できなかったユーザー用の代替アドレスを返す。
func PlaceholderEmail(providerID string) string {
	return "user-" + providerID + "@placeholder.invalid"
}
