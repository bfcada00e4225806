// Package vibe はユーザーが現在参加しているVibeを管理する。
//
// 1ユーザーが同時に参加できる開催中のVibeは1つまでで、
// 作成・参加の前にバックエンドを呼び出さずに判定する。
package vibe

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/vibex/internal/model"
)

// Mutator はイベントの書き込み操作。
type Mutator interface {
	Create(ctx context.Context, creatorID string, in model.NewEvent) (*model.Event, error)
	Join(ctx context.Context, id int64, userID string) (*model.Event, error)
	Leave(ctx context.Context, id int64, userID string) (*model.Event, error)
	Close(ctx context.Context, id int64, userID string) (*model.Event, error)
	Extend(ctx context.Context, id int64, userID string) (*model.Event, error)
}

// Session は1ユーザーの参加中Vibeの状態機械（None → Active → None）。
type Session struct {
	userID string
	events Mutator
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	active      *model.Event
	activatedAt time.Time
	pending     bool
	chatOpen    bool
	closed      bool

	changed chan struct{}
}

// NewSession はSessionを生成する。
func NewSession(userID string, events Mutator, logger *slog.Logger) *Session {
	return &Session{
		userID:  userID,
		events:  events,
		logger:  logger,
		now:     time.Now,
		changed: make(chan struct{}, 1),
	}
}

// Changes は状態が変化したことを通知するチャネルを返す。
func (s *Session) Changes() <-chan struct{} {
	return s.changed
}

func (s *Session) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Active は参加中のVibeを返す。参加していない場合はnilを返す。
func (s *Session) Active() *model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	e := s.active.Clone()
	return &e
}

// ChatOpen はチャットパネルが開いているかを返す。
func (s *Session) ChatOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatOpen
}

// Pending は作成・参加の処理中かを返す。
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// beginLocked は作成・参加を開始できるかを判定し、処理中状態にする。
// 呼び出し側はmuを保持していること。
func (s *Session) beginLocked(targetID int64) error {
	if s.closed {
		return model.NewNoActiveVibeError()
	}
	if s.pending {
		return model.NewTransitionPendingError()
	}
	if s.active != nil && s.active.IsLive(s.now()) && s.active.ID != targetID {
		return model.NewAlreadyInVibeError()
	}
	s.pending = true
	return nil
}

// finish は作成・参加の結果を反映する。失敗時は状態を変更しない。
func (s *Session) finish(e *model.Event, err error) {
	s.mu.Lock()
	s.pending = false
	if err == nil && e != nil && !s.closed {
		s.active = e
		s.activatedAt = s.now()
		s.chatOpen = false
	}
	s.mu.Unlock()
	s.notify()
}

// Create はVibeを作成して参加中にする。参加中の状態は作成結果から直接設定する。
func (s *Session) Create(ctx context.Context, in model.NewEvent) (*model.Event, error) {
	s.mu.Lock()
	if err := s.beginLocked(0); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	e, err := s.events.Create(ctx, s.userID, in)
	s.finish(e, err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Vibeを作成しました", slog.Int64("event_id", e.ID), slog.String("user_id", s.userID))
	return e, nil
}

// Join はVibeに参加する。参加中のVibeと同じIDの場合はバックエンドを呼び出さずに現在の状態を返す。
func (s *Session) Join(ctx context.Context, id int64) (*model.Event, error) {
	s.mu.Lock()
	if s.active != nil && s.active.ID == id && !s.pending {
		e := s.active.Clone()
		s.mu.Unlock()
		return &e, nil
	}
	if err := s.beginLocked(id); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	e, err := s.events.Join(ctx, id, s.userID)
	s.finish(e, err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Vibeに参加しました", slog.Int64("event_id", id), slog.String("user_id", s.userID))
	return e, nil
}

// Leave は参加中のVibeから退出する。作成者は退出できない。
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return model.NewNoActiveVibeError()
	}
	if s.active.CreatorID == s.userID {
		s.mu.Unlock()
		return model.NewCreatorCannotLeaveError()
	}
	id := s.active.ID
	s.mu.Unlock()

	if _, err := s.events.Leave(ctx, id, s.userID); err != nil {
		return err
	}
	s.clearIf(id)
	return nil
}

// Close はVibeを終了する。参加中のVibeだった場合は状態をクリアする。
func (s *Session) Close(ctx context.Context, id int64) error {
	if _, err := s.events.Close(ctx, id, s.userID); err != nil {
		return err
	}
	s.clearIf(id)
	return nil
}

// Extend はVibeを延長する。参加中のVibeだった場合は延長後の内容に置き換える。
func (s *Session) Extend(ctx context.Context, id int64) (*model.Event, error) {
	e, err := s.events.Extend(ctx, id, s.userID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	updated := s.active != nil && s.active.ID == id && !s.closed
	if updated {
		s.active = e
	}
	s.mu.Unlock()
	if updated {
		s.notify()
	}
	return e, nil
}

func (s *Session) clearIf(id int64) {
	s.mu.Lock()
	cleared := s.active != nil && s.active.ID == id
	if cleared {
		s.active = nil
		s.chatOpen = false
	}
	s.mu.Unlock()
	if cleared {
		s.notify()
	}
}

// OpenChat は参加中Vibeのチャットパネルを開く。
func (s *Session) OpenChat() error {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return model.NewNoActiveVibeError()
	}
	changed := !s.chatOpen
	s.chatOpen = true
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return nil
}

// CloseChat はチャットパネルを閉じる。参加状態は変更しない。
func (s *Session) CloseChat() {
	s.mu.Lock()
	changed := s.chatOpen
	s.chatOpen = false
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Reconcile はイベント一覧の最新内容を参加中Vibeに反映する。
// fetchedAtは一覧の取得開始時刻で、参加後に取得した一覧に含まれない場合や
// 期限切れになった場合は参加状態を終了する。
func (s *Session) Reconcile(events []model.Event, fetchedAt, now time.Time) {
	s.mu.Lock()
	if s.active == nil || s.pending {
		s.mu.Unlock()
		return
	}
	id := s.active.ID
	var found *model.Event
	for i := range events {
		if events[i].ID == id {
			e := events[i].Clone()
			found = &e
			break
		}
	}

	changed := false
	switch {
	case found != nil && found.IsLive(now):
		if !sameEvent(s.active, found) {
			s.active = found
			changed = true
		}
	case found != nil, fetchedAt.After(s.activatedAt):
		s.logger.Info("参加中のVibeが終了しました", slog.Int64("event_id", id))
		s.active = nil
		s.chatOpen = false
		changed = true
	case !s.active.IsLive(now):
		s.active = nil
		s.chatOpen = false
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func sameEvent(a, b *model.Event) bool {
	return a.Duration == b.Duration &&
		a.Status == b.Status &&
		a.Title == b.Title &&
		a.Description == b.Description &&
		a.IsPublic == b.IsPublic &&
		slices.Equal(a.Participants, b.Participants)
}

// Teardown は以降に完了した作成・参加の結果を破棄する。
func (s *Session) Teardown() {
	s.mu.Lock()
	s.closed = true
	s.active = nil
	s.chatOpen = false
	s.mu.Unlock()
}
