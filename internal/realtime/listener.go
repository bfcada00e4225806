package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Channel はトリガーが通知を送るLISTENチャネル名。
const Channel = "vibex_changes"

// pingInterval は通知がない間に接続を確認する間隔。
const pingInterval = 90 * time.Second

// Publisher は変更通知の発行先。
type Publisher interface {
	Publish(c Change)
}

// Observer は通知受信を計測するフック。
type Observer interface {
	NotificationReceived(table string)
	Resynced()
}

// Listener はpq.Listenerで受けた行変更通知をPublisherへ流す。
// 再接続後は取りこぼしの可能性があるためRESYNCを発行する。
type Listener struct {
	databaseURL string
	minWait     time.Duration
	maxWait     time.Duration
	publisher   Publisher
	observer    Observer
	logger      *slog.Logger
}

// NewListener はListenerを生成する。observerはnilでもよい。
func NewListener(databaseURL string, minWait, maxWait time.Duration, publisher Publisher, observer Observer, logger *slog.Logger) *Listener {
	return &Listener{
		databaseURL: databaseURL,
		minWait:     minWait,
		maxWait:     maxWait,
		publisher:   publisher,
		observer:    observer,
		logger:      logger,
	}
}

// Run はコンテキストがキャンセルされるまで通知を受信する。
func (l *Listener) Run(ctx context.Context) error {
	pl := pq.NewListener(l.databaseURL, l.minWait, l.maxWait, l.onEvent)
	defer pl.Close()

	if err := pl.Listen(Channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", Channel, err)
	}

	l.logger.Info("変更通知の受信を開始しました", slog.String("channel", Channel))

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("変更通知の受信を停止しました")
			return nil
		case n := <-pl.Notify:
			l.handle(n)
		case <-ticker.C:
			if err := pl.Ping(); err != nil {
				l.logger.Warn("LISTEN接続の確認に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// handle は1件の通知を処理する。nilは再接続を表す。
func (l *Listener) handle(n *pq.Notification) {
	if n == nil {
		l.resync()
		return
	}
	c, err := decodeChange(n.Extra)
	if err != nil {
		l.logger.Error("変更通知の解析に失敗しました",
			slog.String("channel", n.Channel),
			slog.String("error", err.Error()),
		)
		return
	}
	if l.observer != nil {
		l.observer.NotificationReceived(c.Table)
	}
	l.publisher.Publish(c)
}

func (l *Listener) resync() {
	l.logger.Warn("LISTEN接続が再確立されたため再同期を通知します")
	if l.observer != nil {
		l.observer.Resynced()
	}
	l.publisher.Publish(Change{Type: ChangeResync})
}

func (l *Listener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		l.logger.Info("LISTEN接続を確立しました")
	case pq.ListenerEventDisconnected:
		l.logger.Warn("LISTEN接続が切断されました", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		l.logger.Info("LISTEN接続を再確立しました")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Error("LISTEN接続の試行に失敗しました", slog.Any("error", err))
	}
}
