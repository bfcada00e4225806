// Package sweep は期限切れデータの定期掃除ジョブを提供する。
// 期限切れのリフレッシュセッションを削除し、終了から猶予期間を過ぎた
// activeイベントをclosedに更新する。
// 開催中かどうかの判定は常に終了時刻で行うため、掃除の有無は表示に影響しない。
package sweep

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// 掃除対象の種別。メトリクスのラベルに使う。
const (
	KindAuthSessions = "auth_sessions"
	KindEvents       = "events"
)

const (
	deleteExpiredSessionsQuery = `DELETE FROM auth_sessions WHERE expires_at < now()`

	closeStaleEventsQuery = `
		UPDATE events SET status = 'closed'
		WHERE status = 'active'
		  AND event_time + make_interval(mins => duration) < now() - $1::interval`
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Recorder は掃除した行数の記録先。metrics.Collectorが実装する。
type Recorder interface {
	RecordSwept(kind string, count int64)
}

// Job は期限切れデータの掃除ジョブ。各ステップは冪等。
type Job struct {
	db       Executor
	recorder Recorder
	logger   *slog.Logger

	// EventGrace は終了後にイベントをclosedへ更新するまでの猶予。
	EventGrace time.Duration
}

// NewJob は新しいJobを生成する。recorderはnilでもよい。
func NewJob(db Executor, recorder Recorder, eventGrace time.Duration, logger *slog.Logger) *Job {
	return &Job{
		db:         db,
		recorder:   recorder,
		logger:     logger,
		EventGrace: eventGrace,
	}
}

// Run は掃除を1回実行する。
// 片方のステップが失敗しても残りは実行し、失敗をまとめて返す。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()

	sessions, errSessions := j.exec(ctx, KindAuthSessions, deleteExpiredSessionsQuery)
	events, errEvents := j.exec(ctx, KindEvents, closeStaleEventsQuery, intervalLiteral(j.EventGrace))

	if err := errors.Join(errSessions, errEvents); err != nil {
		return err
	}

	j.logger.Info("定期掃除が完了しました",
		slog.Int64("deleted_sessions", sessions),
		slog.Int64("closed_events", events),
		slog.Duration("event_grace", j.EventGrace),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回、その後interval間隔でRunを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("定期掃除を開始しました", slog.Duration("interval", interval))

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("定期掃除を停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("定期掃除の実行に失敗しました", slog.String("error", err.Error()))
	}
}

func (j *Job) exec(ctx context.Context, kind, query string, args ...any) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep %s: %w", kind, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept %s: %w", kind, err)
	}
	if j.recorder != nil && n > 0 {
		j.recorder.RecordSwept(kind, n)
	}
	return n, nil
}

// intervalLiteral はPostgreSQLのinterval型に渡す文字列を返す。
func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d/time.Second))
}
