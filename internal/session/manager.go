// Package session はセッションの発行・読み込み・破棄とCookieポリシーを提供する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/photoalbum/internal/metrics"
	"github.com/hitoshi/photoalbum/internal/model"
	"github.com/hitoshi/photoalbum/internal/repository"
)

// DefaultCookieName はセッションCookieのデフォルト名。
const DefaultCookieName = "session_id"

// defaultStoreTimeout はStoreTimeout未指定時のストア操作タイムアウト。
const defaultStoreTimeout = 2 * time.Second

// FailurePolicy はセッションストア障害時の読み込み動作を表す。
type FailurePolicy string

const (
	// PolicyOpen はストア障害時に未認証として扱う。
	PolicyOpen FailurePolicy = "open"
	// PolicyClosed はストア障害時にmodel.ErrStoreUnavailableを返す。
	PolicyClosed FailurePolicy = "closed"
)

// ParseFailurePolicy は文字列からFailurePolicyを得る。
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case PolicyOpen, PolicyClosed:
		return p, nil
	}
	return "", fmt.Errorf("unknown session failure policy: %q", s)
}

// UserFinder はセッションのprincipalIdからユーザーを引くためのインターフェース。
// repository.UserRepositoryの部分集合として定義する。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// Options はManagerの設定。
type Options struct {
	CookieName    string
	CookieDomain  string
	CookieSecure  bool
	TTL           time.Duration
	Secret        []byte
	StoreTimeout  time.Duration
	FailurePolicy FailurePolicy
	// Rolling が有効な場合、残り有効期間がTTLの半分を切ったセッションを読み込み時に延長する。
	Rolling bool
	Metrics metrics.MetricsCollector
}

// Manager はHTTPリクエスト/レスポンスとセッションストアを橋渡しする。
type Manager struct {
	store  repository.SessionRepository
	users  UserFinder
	opts   Options
	signer signer
	now    func() time.Time
	newID  func() (string, error)
}

// NewManager はManagerを生成する。TTLが0以下、またはSecretが空の場合はエラーを返す。
func NewManager(store repository.SessionRepository, users UserFinder, opts Options) (*Manager, error) {
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("session ttl must be positive: %s", opts.TTL)
	}
	if len(opts.Secret) == 0 {
		return nil, errors.New("session secret is required")
	}
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = PolicyOpen
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}

	return &Manager{
		store:  store,
		users:  users,
		opts:   opts,
		signer: signer{secret: opts.Secret},
		now:    time.Now,
		newID:  generateID,
	}, nil
}

// WithClock は有効期限判定に使用する時刻関数を差し替える。テスト用。
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// CookieName はセッションCookie名を返す。
func (m *Manager) CookieName() string {
	return m.opts.CookieName
}

// Establish は新しいセッションを発行し、セッションCookieを設定する。
// リクエストに既存のセッションCookieがある場合は、そのセッションを破棄してIDを入れ替える。
func (m *Manager) Establish(w http.ResponseWriter, r *http.Request, user *model.User) (string, error) {
	ctx := r.Context()

	if old, ok := m.sessionID(r); ok {
		if err := m.destroyRecord(ctx, old); err != nil {
			slog.Warn("failed to destroy previous session",
				slog.String("error", err.Error()),
			)
		}
	}

	id, err := m.newID()
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}

	now := m.now().UTC()
	sess := &model.Session{
		ID:        id,
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.opts.TTL),
	}

	if err := m.setRecord(ctx, sess); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}

	http.SetCookie(w, m.cookie(m.signer.sign(id), int(m.opts.TTL.Seconds())))
	return id, nil
}

// Load はリクエストのセッションCookieからprincipalを解決する。
// Cookieなし・署名不正・レコードなし・期限切れはすべて (nil, nil) を返す。
// 古いCookieはここではクリアしない。
// ストア障害時はFailurePolicyに従い、PolicyClosedの場合のみ
// model.ErrStoreUnavailable（ユーザー参照の失敗はmodel.ErrUserStoreUnavailable）を
// ラップしたエラーを返す。
// wがnilでない場合、Rollingが有効ならセッションを延長してCookieを再発行する。
func (m *Manager) Load(w http.ResponseWriter, r *http.Request) (*model.User, error) {
	cookie, err := r.Cookie(m.opts.CookieName)
	if err != nil || cookie.Value == "" {
		m.opts.Metrics.RecordSessionLookup(metrics.LookupNoCookie)
		return nil, nil
	}

	id, ok := m.signer.verify(cookie.Value)
	if !ok {
		m.opts.Metrics.RecordSessionLookup(metrics.LookupInvalidCookie)
		slog.Debug("session cookie signature mismatch")
		return nil, nil
	}

	ctx := r.Context()
	sess, err := m.getRecord(ctx, id)
	if err != nil {
		return nil, m.storeFailure(err)
	}

	now := m.now()
	if sess == nil || sess.Expired(now) {
		m.opts.Metrics.RecordSessionLookup(metrics.LookupMiss)
		return nil, nil
	}

	user, err := m.users.FindByID(ctx, sess.UserID)
	if err != nil {
		return nil, m.userLookupFailure(sess.UserID, err)
	}
	if user == nil {
		// ユーザーが削除済みのセッションは未認証として扱う
		m.opts.Metrics.RecordSessionLookup(metrics.LookupMiss)
		slog.Info("session refers to missing user",
			slog.String("user_id", sess.UserID),
		)
		return nil, nil
	}

	m.opts.Metrics.RecordSessionLookup(metrics.LookupHit)

	if m.opts.Rolling && w != nil && sess.Remaining(now) < m.opts.TTL/2 {
		m.renew(ctx, w, cookie.Value, sess, now)
	}

	return user, nil
}

// Destroy は現在のセッションをストアから削除し、Cookieをクリアする。
// セッションが存在しない場合も成功として扱う。
// ストアの削除に失敗した場合もCookieはクリアした上でエラーを返す。
func (m *Manager) Destroy(w http.ResponseWriter, r *http.Request) error {
	var err error
	if id, ok := m.sessionID(r); ok {
		err = m.destroyRecord(r.Context(), id)
	}

	http.SetCookie(w, m.cookie("", -1))

	if err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

func (m *Manager) renew(ctx context.Context, w http.ResponseWriter, value string, sess *model.Session, now time.Time) {
	renewed := *sess
	renewed.ExpiresAt = now.UTC().Add(m.opts.TTL)
	if err := m.setRecord(ctx, &renewed); err != nil {
		slog.Warn("failed to renew session",
			slog.String("user_id", sess.UserID),
			slog.String("error", err.Error()),
		)
		return
	}
	http.SetCookie(w, m.cookie(value, int(m.opts.TTL.Seconds())))
}

// storeFailure はストア障害をログに記録し、FailurePolicyに応じた戻り値を返す。
// タイムアウトは通常のエラーと区別して記録する。
func (m *Manager) storeFailure(err error) error {
	outcome, msg := metrics.LookupError, "session store unavailable"
	if errors.Is(err, context.DeadlineExceeded) {
		outcome, msg = metrics.LookupTimeout, "session store timeout"
	}
	m.opts.Metrics.RecordSessionLookup(outcome)
	slog.Warn(msg,
		slog.String("policy", string(m.opts.FailurePolicy)),
		slog.String("error", err.Error()),
	)

	if m.opts.FailurePolicy == PolicyClosed {
		return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	return nil
}

// userLookupFailure はセッションは有効だがユーザーストアの参照に失敗した場合を扱う。
// セッションストア障害とは別のラベル・メッセージで記録し、FailurePolicyは共通とする。
func (m *Manager) userLookupFailure(userID string, err error) error {
	m.opts.Metrics.RecordSessionLookup(metrics.LookupUserError)
	slog.Warn("user store unavailable",
		slog.String("policy", string(m.opts.FailurePolicy)),
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	)

	if m.opts.FailurePolicy == PolicyClosed {
		return fmt.Errorf("%w: %w", model.ErrUserStoreUnavailable, err)
	}
	return nil
}

// sessionID は署名を検証済みのCookieからセッションIDを取り出す。
func (m *Manager) sessionID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(m.opts.CookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return m.signer.verify(cookie.Value)
}

func (m *Manager) getRecord(ctx context.Context, id string) (*model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	sess, err := m.store.Get(ctx, id)
	m.opts.Metrics.RecordStoreLatency("get", time.Since(start))
	return sess, err
}

func (m *Manager) setRecord(ctx context.Context, sess *model.Session) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := m.store.Set(ctx, sess, sess.ExpiresAt.Sub(m.now()))
	m.opts.Metrics.RecordStoreLatency("set", time.Since(start))
	return err
}

func (m *Manager) destroyRecord(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := m.store.Destroy(ctx, id)
	m.opts.Metrics.RecordStoreLatency("destroy", time.Since(start))
	return err
}

// cookie は発行時とクリア時で同一の属性を持つセッションCookieを生成する。
func (m *Manager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    value,
		Path:     "/",
		Domain:   m.opts.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}
