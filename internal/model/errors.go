// Package model はドメインモデルを定義する。
package model

import "errors"

var (
	// ErrInvalidProfile はプロバイダーIDを含まないプロフィールを受け取ったことを示す。
	ErrInvalidProfile = errors.New("provider profile has no id")

	// ErrDuplicateUser はprovider_idの一意制約違反を示す。
	// 同一IdPアカウントの初回ログインが並行した場合に発生する。
	ErrDuplicateUser = errors.New("user with the same provider id already exists")

	// ErrStoreUnavailable はセッションストアに到達できないことを示す。
	// 「セッションが存在しない」とは区別して扱う。
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrUserStoreUnavailable はセッションのprincipalを引くユーザーストアに到達できないことを示す。
	ErrUserStoreUnavailable = errors.New("user store unavailable")
)

// クライアントに返す汎用メッセージ。内部エラーの詳細はログにのみ記録する。
const (
	MessageUnauthorized     = "Unauthorized"
	MessageNotAuthenticated = "Not authenticated"
	MessageLoggedOut        = "Logged out successfully"
	MessageInternalError    = "Internal Server Error"
	MessageUnavailable      = "Service Unavailable"
	MessageTooManyRequests  = "Too Many Requests"
	MessageForbidden        = "Forbidden"
)

// ErrorBody は {"error": "..."} 形式のエラーレスポンス。
type ErrorBody struct {
	Error string `json:"error"`
}

// MessageBody は {"message": "..."} 形式のレスポンス。
type MessageBody struct {
	Message string `json:"message"`
}
