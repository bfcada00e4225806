package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/vibex/internal/model"
)

// PostgresNoteRepo はPostgreSQLを使用したメモリポジトリ。
type PostgresNoteRepo struct {
	db *sql.DB
}

// NewPostgresNoteRepo はPostgresNoteRepoを生成する。
func NewPostgresNoteRepo(db *sql.DB) *PostgresNoteRepo {
	return &PostgresNoteRepo{db: db}
}

// ListByUser はユーザーのメモをcreated_at降順で取得する。
func (r *PostgresNoteRepo) ListByUser(ctx context.Context, userID string, limit int) ([]model.Note, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, content, created_at
		 FROM notes
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	notes := []model.Note{}
	for rows.Next() {
		var n model.Note
		if err := rows.Scan(&n.ID, &n.UserID, &n.Content, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notes: %w", err)
	}
	return notes, nil
}

// Insert はメモを作成し、作成された行を返す。
func (r *PostgresNoteRepo) Insert(ctx context.Context, userID, content string) (*model.Note, error) {
	n := &model.Note{}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO notes (user_id, content)
		 VALUES ($1, $2)
		 RETURNING id, user_id, content, created_at`,
		userID, content,
	).Scan(&n.ID, &n.UserID, &n.Content, &n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert note: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ NoteRepository = (*PostgresNoteRepo)(nil)
