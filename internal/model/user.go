// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// 外部IdP（GitHub）のアカウント1つにのみ紐付く。
type User struct {
	ID          string
	ProviderID  string // IdP側のユーザーID。作成後は変更しない
	Username    string
	Email       string
	DisplayName string
	CreatedAt   time.Time
}

// Profile はOAuthプロバイダーから取得したプロフィールを表す。
// 空文字列は「プロバイダーから値が返されなかった」ことを意味する。
// デフォルト値の補完はIdentityResolverでのみ行う。
type Profile struct {
	ID          string
	Username    string
	DisplayName string
	Emails      []string
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired はnow時点でセッションが期限切れかどうかを返す。
// ExpiresAtちょうどの時刻は期限切れとして扱う。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Remaining はnow時点での残り有効期間を返す。期限切れの場合は0。
func (s *Session) Remaining(now time.Time) time.Duration {
	d := s.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
