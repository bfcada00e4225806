package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/vibex/internal/model"
)

// PostgresAuthSessionRepo はPostgreSQLを使用したリフレッシュトークンセッションリポジトリ。
type PostgresAuthSessionRepo struct {
	db *sql.DB
}

// NewPostgresAuthSessionRepo はPostgresAuthSessionRepoを生成する。
func NewPostgresAuthSessionRepo(db *sql.DB) *PostgresAuthSessionRepo {
	return &PostgresAuthSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresAuthSessionRepo) Create(ctx context.Context, session *model.AuthSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (token_hash, account_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4)`,
		session.TokenHash, session.AccountID, session.ExpiresAt, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create auth session: %w", err)
	}
	return nil
}

// FindByTokenHash は指定ハッシュのセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresAuthSessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.AuthSession, error) {
	session := &model.AuthSession{}
	err := r.db.QueryRowContext(ctx,
		`SELECT token_hash, account_id, expires_at, created_at
		 FROM auth_sessions
		 WHERE token_hash = $1 AND expires_at > now()`,
		tokenHash,
	).Scan(&session.TokenHash, &session.AccountID, &session.ExpiresAt, &session.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find auth session: %w", err)
	}
	return session, nil
}

// Rotate は有効な旧セッションを削除し、新セッションを同一トランザクションで作成する。
// 同じリフレッシュトークンでの同時リフレッシュは一方のみが成功する。
func (r *PostgresAuthSessionRepo) Rotate(ctx context.Context, oldTokenHash string, next *model.AuthSession) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM auth_sessions
		 WHERE token_hash = $1 AND account_id = $2 AND expires_at > now()`,
		oldTokenHash, next.AccountID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete rotated session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO auth_sessions (token_hash, account_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4)`,
		next.TokenHash, next.AccountID, next.ExpiresAt, next.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert rotated session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// DeleteByTokenHash は指定ハッシュのセッションを削除する。
func (r *PostgresAuthSessionRepo) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE token_hash = $1`,
		tokenHash,
	)
	if err != nil {
		return fmt.Errorf("failed to delete auth session: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AuthSessionRepository = (*PostgresAuthSessionRepo)(nil)
