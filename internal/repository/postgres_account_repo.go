package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hitoshi/vibex/internal/model"
)

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

const accountColumns = `id, email, password_hash, raw_user_metadata, coalesce(confirmation_token, ''), confirmed_at, created_at`

// Create はアカウントを作成する。
func (r *PostgresAccountRepo) Create(ctx context.Context, account *model.Account) error {
	metadata, err := json.Marshal(account.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode user metadata: %w", err)
	}

	var token sql.NullString
	if account.ConfirmationToken != "" {
		token = sql.NullString{String: account.ConfirmationToken, Valid: true}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, password_hash, raw_user_metadata, confirmation_token, confirmed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		account.ID, strings.ToLower(account.Email), account.PasswordHash, metadata, token, account.ConfirmedAt, account.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to insert account: %w (%s)", ErrDuplicate, constraintName(err))
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`,
		id,
	)
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account by ID: %w", err)
	}
	return account, nil
}

// FindByEmail はメールアドレスでアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`,
		strings.ToLower(email),
	)
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account by email: %w", err)
	}
	return account, nil
}

// UsernameTaken はユーザー名がプロフィールまたは未確認アカウントで使用済みかを返す。
func (r *PostgresAccountRepo) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var taken bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM profiles WHERE lower(username) = lower($1))
		     OR EXISTS (SELECT 1 FROM accounts WHERE lower(raw_user_metadata ->> 'username') = lower($1))`,
		username,
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return taken, nil
}

// Confirm は確認トークンに一致する未確認アカウントを確認済みにする。
// トークンは使い捨てで、確認後はNULLになる。
func (r *PostgresAccountRepo) Confirm(ctx context.Context, token string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE accounts
		 SET confirmed_at = now(), confirmation_token = NULL
		 WHERE confirmation_token = $1 AND confirmed_at IS NULL
		 RETURNING `+accountColumns,
		token,
	)
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to confirm account: %w", err)
	}
	return account, nil
}

func scanAccount(row rowScanner) (*model.Account, error) {
	account := &model.Account{}
	var metadata []byte
	var confirmedAt sql.NullTime
	if err := row.Scan(
		&account.ID, &account.Email, &account.PasswordHash, &metadata,
		&account.ConfirmationToken, &confirmedAt, &account.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &account.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode user metadata: %w", err)
		}
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		account.ConfirmedAt = &t
	}
	return account, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
