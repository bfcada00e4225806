package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/vibex/internal/model"
	"github.com/lib/pq"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

const profileColumns = `id, username, bio, privacy, created_at`

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}
	return p, nil
}

// FindByUsername はユーザー名でプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByUsername(ctx context.Context, username string) (*model.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE lower(username) = lower($1)`, username,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by username: %w", err)
	}
	return p, nil
}

// Insert はプロフィールを作成し、作成された行を返す。
// 主キーまたはユーザー名の一意制約違反はErrDuplicateとして返す。
func (r *PostgresProfileRepo) Insert(ctx context.Context, profile *model.Profile) (*model.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`INSERT INTO profiles (id, username, bio, privacy)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+profileColumns,
		profile.ID, profile.Username, profile.Bio, string(profile.Privacy),
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to insert profile: %w (%s)", ErrDuplicate, constraintName(err))
		}
		return nil, fmt.Errorf("failed to insert profile: %w", err)
	}
	return p, nil
}

// UpdateSettings はbioとprivacyを更新し、更新後の行を返す。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) UpdateSettings(ctx context.Context, id, bio string, privacy model.Privacy) (*model.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`UPDATE profiles SET bio = $2, privacy = $3
		 WHERE id = $1
		 RETURNING `+profileColumns,
		id, bio, string(privacy),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	return p, nil
}

// ListSummaries は指定ID群のIDとユーザー名をユーザー名順で返す。
func (r *PostgresProfileRepo) ListSummaries(ctx context.Context, ids []string) ([]model.ProfileSummary, error) {
	if len(ids) == 0 {
		return []model.ProfileSummary{}, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, username FROM profiles WHERE id = ANY($1::uuid[]) ORDER BY username`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	summaries := make([]model.ProfileSummary, 0, len(ids))
	for rows.Next() {
		var s model.ProfileSummary
		if err := rows.Scan(&s.ID, &s.Username); err != nil {
			return nil, fmt.Errorf("failed to scan profile summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profiles: %w", err)
	}
	return summaries, nil
}

// FindUsername は指定IDのユーザー名を返す。見つからない場合は空文字とfalseを返す。
func (r *PostgresProfileRepo) FindUsername(ctx context.Context, id string) (string, bool, error) {
	var username string
	err := r.db.QueryRowContext(ctx,
		`SELECT username FROM profiles WHERE id = $1`, id,
	).Scan(&username)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to find username: %w", err)
	}
	return username, true, nil
}

func scanProfile(row rowScanner) (*model.Profile, error) {
	p := &model.Profile{}
	var privacy string
	if err := row.Scan(&p.ID, &p.Username, &p.Bio, &privacy, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Privacy = model.Privacy(privacy)
	return p, nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
