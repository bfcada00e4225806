package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/vibex/internal/model"
	"github.com/lib/pq"
)

// PostgresEventRepo はPostgreSQLを使用したイベントリポジトリ。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

// eventSelect は作成者名を結合したイベント行のSELECT句。
// 書き込み系はRETURNINGをCTEで受けてこの形に揃える。
const eventSelect = `SELECT e.id, e.title, e.description, e.lat, e.lng, e.topics, e.is_public,
	e.event_time, e.duration, e.status, e.creator_id, e.participants, e.created_at,
	coalesce(p.username, '')
	FROM %s e LEFT JOIN profiles p ON p.id = e.creator_id`

func eventQuery(from string) string {
	return fmt.Sprintf(eventSelect, from)
}

// ListActive はstatus=activeのイベントを作成者名付きでevent_time順に取得する。
// 期限切れの除外は表示時に行う。
func (r *PostgresEventRepo) ListActive(ctx context.Context) ([]model.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		eventQuery("events")+` WHERE e.status = 'active' ORDER BY e.event_time, e.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
func (r *PostgresEventRepo) FindByID(ctx context.Context, id int64) (*model.Event, error) {
	e, err := scanEvent(r.db.QueryRowContext(ctx,
		eventQuery("events")+` WHERE e.id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find event: %w", err)
	}
	return e, nil
}

// Create はイベントを作成する。participantsは作成者のみ、statusはactiveで作成する。
func (r *PostgresEventRepo) Create(ctx context.Context, event *model.Event) (*model.Event, error) {
	return r.writeOne(ctx, "create event",
		`WITH w AS (
			INSERT INTO events (title, description, lat, lng, topics, is_public, event_time, duration, status, creator_id, participants)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'active', $9, ARRAY[$9]::uuid[])
			RETURNING *
		) `+eventQuery("w"),
		event.Title, event.Description, event.Lat, event.Lng, pq.Array(topicStrings(event.Topics)),
		event.IsPublic, event.EventTime, event.Duration, event.CreatorID,
	)
}

// Join は開催中かつ閲覧可能なイベントのparticipantsにユーザーを追加する。
// 既に参加済みの場合は配列を変更せずに行を返す。
func (r *PostgresEventRepo) Join(ctx context.Context, id int64, userID string) (*model.Event, error) {
	return r.writeOne(ctx, "join event",
		`WITH w AS (
			UPDATE events
			SET participants = CASE WHEN $2::uuid = ANY (participants)
				THEN participants ELSE array_append(participants, $2::uuid) END
			WHERE id = $1
				AND status = 'active'
				AND event_time + make_interval(mins => duration) > now()
				AND (is_public OR creator_id = $2::uuid)
			RETURNING *
		) `+eventQuery("w"),
		id, userID,
	)
}

// Leave は作成者以外の参加者をparticipantsから取り除く。
func (r *PostgresEventRepo) Leave(ctx context.Context, id int64, userID string) (*model.Event, error) {
	return r.writeOne(ctx, "leave event",
		`WITH w AS (
			UPDATE events
			SET participants = array_remove(participants, $2::uuid)
			WHERE id = $1
				AND creator_id <> $2::uuid
				AND $2::uuid = ANY (participants)
			RETURNING *
		) `+eventQuery("w"),
		id, userID,
	)
}

// Close は作成者によるイベント終了を行う。closedは終端状態。
func (r *PostgresEventRepo) Close(ctx context.Context, id int64, creatorID string) (*model.Event, error) {
	return r.writeOne(ctx, "close event",
		`WITH w AS (
			UPDATE events SET status = 'closed'
			WHERE id = $1 AND creator_id = $2::uuid AND status = 'active'
			RETURNING *
		) `+eventQuery("w"),
		id, creatorID,
	)
}

// Extend は作成者によるdurationの延長を行う。
func (r *PostgresEventRepo) Extend(ctx context.Context, id int64, creatorID string, minutes int) (*model.Event, error) {
	return r.writeOne(ctx, "extend event",
		`WITH w AS (
			UPDATE events SET duration = duration + $3
			WHERE id = $1 AND creator_id = $2::uuid AND status = 'active'
			RETURNING *
		) `+eventQuery("w"),
		id, creatorID, minutes,
	)
}

// writeOne は単一行の書き込みを実行し、作成者名付きの結果を返す。
// 条件に一致する行がない場合はnilを返す。
func (r *PostgresEventRepo) writeOne(ctx context.Context, op, query string, args ...any) (*model.Event, error) {
	e, err := scanEvent(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return e, nil
}

func scanEvent(row rowScanner) (*model.Event, error) {
	e := &model.Event{}
	var topics, participants []string
	var status string
	if err := row.Scan(
		&e.ID, &e.Title, &e.Description, &e.Lat, &e.Lng, pq.Array(&topics), &e.IsPublic,
		&e.EventTime, &e.Duration, &status, &e.CreatorID, pq.Array(&participants), &e.CreatedAt,
		&e.Creator.Username,
	); err != nil {
		return nil, err
	}
	e.Status = model.EventStatus(status)
	e.Participants = participants
	if e.Participants == nil {
		e.Participants = []string{}
	}
	e.Topics = make([]model.Topic, len(topics))
	for i, t := range topics {
		e.Topics[i] = model.Topic(t)
	}
	return e, nil
}

func topicStrings(topics []model.Topic) []string {
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = string(t)
	}
	return out
}

// compile-time interface check
var _ EventRepository = (*PostgresEventRepo)(nil)
