package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/photoalbum/internal/model"
)

// PostgresSessionRepo はPostgreSQLのsessionsテーブルを使用したセッションストア。
// 有効期限の判定にはDBサーバーの時刻を使用する。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Get は指定IDのセッションを取得する。期限切れ・未登録・復号できない場合はnilを返す。
func (r *PostgresSessionRepo) Get(ctx context.Context, id string) (*model.Session, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT data FROM sessions WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session := &model.Session{}
	if err := json.Unmarshal(data, session); err != nil {
		// 読めないレコードはストア障害ではなく「存在しない」として扱う
		slog.Warn("discarding malformed session record", slog.String("error", err.Error()))
		return nil, nil
	}
	return session, nil
}

// Set はセッションを保存する。同一IDが存在する場合は内容と有効期限を更新する。
func (r *PostgresSessionRepo) Set(ctx context.Context, session *model.Session, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("invalid session ttl: %s", ttl)
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, data, expires_at, created_at)
		 VALUES ($1, $2, $3, now() + make_interval(secs => $4), $5)
		 ON CONFLICT (id) DO UPDATE
		 SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at`,
		session.ID, session.UserID, data, ttl.Seconds(), session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Destroy は指定IDのセッションを削除する。存在しない場合もエラーにしない。
func (r *PostgresSessionRepo) Destroy(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var (
	_ SessionRepository     = (*PostgresSessionRepo)(nil)
	_ ExpiredSessionDeleter = (*PostgresSessionRepo)(nil)
)
