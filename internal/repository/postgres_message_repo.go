package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/vibex/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したチャットメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// ListByEvent はイベントのメッセージを送信者名付きでcreated_at昇順に取得する。
// 同一時刻のメッセージはIDで順序を固定する。
func (r *PostgresMessageRepo) ListByEvent(ctx context.Context, eventID int64) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT m.id, m.event_id, m.sender_id, m.text, m.created_at, coalesce(p.username, $2)
		 FROM messages m
		 LEFT JOIN profiles p ON p.id = m.sender_id
		 WHERE m.event_id = $1
		 ORDER BY m.created_at, m.id`,
		eventID, model.UnknownSender,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.EventID, &m.SenderID, &m.Text, &m.CreatedAt, &m.Sender.Username); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// Insert はメッセージを作成する。
func (r *PostgresMessageRepo) Insert(ctx context.Context, eventID int64, senderID, text string) (*model.Message, error) {
	m := &model.Message{}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO messages (event_id, sender_id, text)
		 VALUES ($1, $2, $3)
		 RETURNING id, event_id, sender_id, text, created_at`,
		eventID, senderID, text,
	).Scan(&m.ID, &m.EventID, &m.SenderID, &m.Text, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return m, nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
