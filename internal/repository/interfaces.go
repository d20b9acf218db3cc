// Package repository はデータ永続化のインターフェースと実装を提供する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/photoalbum/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByProviderID はIdP側のユーザーIDでユーザーを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderID(ctx context.Context, providerID string) (*model.User, error)

	// Create はユーザーを作成する。
	// provider_idが既に存在する場合はmodel.ErrDuplicateUserをラップしたエラーを返す。
	Create(ctx context.Context, user *model.User) error
}

// SessionRepository はセッションストアのインターフェース。
// セッションIDの有効性についての唯一の判定者となる。
// 異なるセッションIDへの並行アクセスに対して安全でなければならない。
type SessionRepository interface {
	// Get は指定IDのセッションを取得する。
	// 存在しない場合・期限切れの場合はnil, nilを返す。
	// ストアとの通信失敗はエラーとして返し、「存在しない」とは区別する。
	Get(ctx context.Context, id string) (*model.Session, error)

	// Set はセッションを保存する。既存のIDの場合は上書きする。
	// 保存したセッションは現在時刻からttlの間だけ有効となる。
	Set(ctx context.Context, session *model.Session, ttl time.Duration) error

	// Destroy は指定IDのセッションを削除する。存在しないIDの削除は成功として扱う。
	Destroy(ctx context.Context, id string) error
}

// ExpiredSessionDeleter は期限切れセッションを一括削除できるストアが実装する。
// ネイティブTTLを持たないストア（PostgreSQL、メモリ）向け。
type ExpiredSessionDeleter interface {
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}
