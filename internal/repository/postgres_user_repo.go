package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/photoalbum/internal/database"
	"github.com/hitoshi/photoalbum/internal/model"
)

// providerIDConstraint はusers.provider_idの一意制約名。
const providerIDConstraint = "users_provider_id_key"

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := r.findOne(ctx,
		`SELECT id, provider_id, username, email, display_name, created_at FROM users WHERE id = $1`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByProviderID はIdP側のユーザーIDでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByProviderID(ctx context.Context, providerID string) (*model.User, error) {
	user, err := r.findOne(ctx,
		`SELECT id, provider_id, username, email, display_name, created_at FROM users WHERE provider_id = $1`,
		providerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by provider ID: %w", err)
	}
	return user, nil
}

func (r *PostgresUserRepo) findOne(ctx context.Context, query string, arg string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.ProviderID, &user.Username, &user.Email, &user.DisplayName, &user.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Create はユーザーを作成する。
// provider_idの一意制約違反はmodel.ErrDuplicateUserに変換する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, provider_id, username, email, display_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.ProviderID, user.Username, user.Email, user.DisplayName, user.CreatedAt,
	)
	if database.IsUniqueViolation(err, providerIDConstraint) {
		return fmt.Errorf("failed to insert user (provider_id=%s): %w", user.ProviderID, model.ErrDuplicateUser)
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
