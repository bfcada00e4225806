package vibe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/vibex/internal/model"
)

type mockMutator struct {
	createFn func(ctx context.Context, creatorID string, in model.NewEvent) (*model.Event, error)
	joinFn   func(ctx context.Context, id int64, userID string) (*model.Event, error)
	leaveFn  func(ctx context.Context, id int64, userID string) (*model.Event, error)
	closeFn  func(ctx context.Context, id int64, userID string) (*model.Event, error)
	extendFn func(ctx context.Context, id int64, userID string) (*model.Event, error)
	calls    int
}

func (m *mockMutator) Create(ctx context.Context, creatorID string, in model.NewEvent) (*model.Event, error) {
	m.calls++
	if m.createFn != nil {
		return m.createFn(ctx, creatorID, in)
	}
	return liveEvent(100, creatorID), nil
}

func (m *mockMutator) Join(ctx context.Context, id int64, userID string) (*model.Event, error) {
	m.calls++
	if m.joinFn != nil {
		return m.joinFn(ctx, id, userID)
	}
	e := liveEvent(id, "creator")
	e.Participants = append(e.Participants, userID)
	return e, nil
}

func (m *mockMutator) Leave(ctx context.Context, id int64, userID string) (*model.Event, error) {
	m.calls++
	if m.leaveFn != nil {
		return m.leaveFn(ctx, id, userID)
	}
	return liveEvent(id, "creator"), nil
}

func (m *mockMutator) Close(ctx context.Context, id int64, userID string) (*model.Event, error) {
	m.calls++
	if m.closeFn != nil {
		return m.closeFn(ctx, id, userID)
	}
	e := liveEvent(id, userID)
	e.Status = model.EventStatusClosed
	return e, nil
}

func (m *mockMutator) Extend(ctx context.Context, id int64, userID string) (*model.Event, error) {
	m.calls++
	if m.extendFn != nil {
		return m.extendFn(ctx, id, userID)
	}
	e := liveEvent(id, userID)
	e.Duration += model.ExtendMinutes
	return e, nil
}

var _ Mutator = (*mockMutator)(nil)

func liveEvent(id int64, creator string) *model.Event {
	return &model.Event{
		ID:           id,
		Title:        "vibe",
		EventTime:    time.Now().Add(-5 * time.Minute),
		Duration:     60,
		Status:       model.EventStatusActive,
		CreatorID:    creator,
		Participants: []string{creator},
		IsPublic:     true,
	}
}

func newTestSession(userID string, m *mockMutator) *Session {
	return NewSession(userID, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSession_CreateActivatesFromResponse(t *testing.T) {
	m := &mockMutator{}
	s := newTestSession("amy", m)

	e, err := s.Create(context.Background(), model.NewEvent{Title: "A"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := s.Active(); got == nil || got.ID != e.ID {
		t.Fatalf("Active() = %+v, want id %d", got, e.ID)
	}
}

// 参加中のVibeがある状態での作成・参加はバックエンドを呼び出さずに拒否する。
func TestSession_RejectsSecondVibeWithoutBackendCall(t *testing.T) {
	m := &mockMutator{}
	s := newTestSession("amy", m)
	if _, err := s.Join(context.Background(), 1); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	calls := m.calls

	if _, err := s.Create(context.Background(), model.NewEvent{Title: "B"}); !model.HasCode(err, model.ErrCodeAlreadyInVibe) {
		t.Errorf("Create error = %v, want ALREADY_IN_VIBE", err)
	}
	if _, err := s.Join(context.Background(), 2); !model.HasCode(err, model.ErrCodeAlreadyInVibe) {
		t.Errorf("Join error = %v, want ALREADY_IN_VIBE", err)
	}
	if m.calls != calls {
		t.Errorf("バックエンド呼び出し回数 = %d, want %d", m.calls, calls)
	}

	// 同じVibeへの参加は現在の状態を返す
	if e, err := s.Join(context.Background(), 1); err != nil || e.ID != 1 {
		t.Errorf("同じVibeへのJoin = %+v, %v", e, err)
	}
	if m.calls != calls {
		t.Error("同じVibeへの参加でバックエンドを呼び出しました")
	}
}

func TestSession_ExpiredVibeDoesNotBlock(t *testing.T) {
	m := &mockMutator{
		joinFn: func(ctx context.Context, id int64, userID string) (*model.Event, error) {
			e := liveEvent(id, "creator")
			if id == 1 {
				e.EventTime = time.Now().Add(-2 * time.Hour)
			}
			return e, nil
		},
	}
	s := newTestSession("amy", m)
	if _, err := s.Join(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Join(context.Background(), 2); err != nil {
		t.Errorf("期限切れのVibeがあっても参加できるべき: %v", err)
	}
}

func TestSession_RejectsWhileTransitionPending(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	m := &mockMutator{
		joinFn: func(ctx context.Context, id int64, userID string) (*model.Event, error) {
			close(entered)
			<-release
			return liveEvent(id, "creator"), nil
		},
	}
	s := newTestSession("amy", m)

	done := make(chan error, 1)
	go func() {
		_, err := s.Join(context.Background(), 1)
		done <- err
	}()
	<-entered

	if _, err := s.Create(context.Background(), model.NewEvent{}); !model.HasCode(err, model.ErrCodeTransitionPending) {
		t.Errorf("処理中のCreate error = %v, want TRANSITION_PENDING", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if s.Pending() {
		t.Error("完了後も処理中のままです")
	}
}

func TestSession_BackendFailureLeavesStateUnchanged(t *testing.T) {
	m := &mockMutator{
		joinFn: func(context.Context, int64, string) (*model.Event, error) {
			return nil, model.NewMutationError("join_event")
		},
	}
	s := newTestSession("amy", m)
	if _, err := s.Join(context.Background(), 1); err == nil {
		t.Fatal("エラーを返すべき")
	}
	if s.Active() != nil || s.Pending() {
		t.Error("失敗時に状態が変更されました")
	}
}

func TestSession_Leave(t *testing.T) {
	var leftID int64
	var leftUser string
	m := &mockMutator{
		leaveFn: func(ctx context.Context, id int64, userID string) (*model.Event, error) {
			leftID, leftUser = id, userID
			return liveEvent(id, "creator"), nil
		},
	}
	s := newTestSession("amy", m)
	if err := s.Leave(context.Background()); !model.HasCode(err, model.ErrCodeNoActiveVibe) {
		t.Errorf("未参加のLeave error = %v", err)
	}

	s.Join(context.Background(), 3)
	s.OpenChat()
	if err := s.Leave(context.Background()); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if leftID != 3 || leftUser != "amy" {
		t.Errorf("Leave(%d, %q)", leftID, leftUser)
	}
	if s.Active() != nil || s.ChatOpen() {
		t.Error("退出後は参加状態とチャットがクリアされるべき")
	}
}

func TestSession_CreatorCannotLeave(t *testing.T) {
	m := &mockMutator{}
	s := newTestSession("amy", m)
	s.Create(context.Background(), model.NewEvent{})
	calls := m.calls

	if err := s.Leave(context.Background()); !model.HasCode(err, model.ErrCodeCreatorCannotLeave) {
		t.Errorf("error = %v, want CREATOR_CANNOT_LEAVE", err)
	}
	if m.calls != calls || s.Active() == nil {
		t.Error("作成者の退出でバックエンド呼び出しまたは状態変更が発生しました")
	}
}

func TestSession_CloseClearsOnlyActiveVibe(t *testing.T) {
	m := &mockMutator{}
	s := newTestSession("amy", m)
	created, _ := s.Create(context.Background(), model.NewEvent{})

	if err := s.Close(context.Background(), created.ID+1); err != nil {
		t.Fatal(err)
	}
	if s.Active() == nil {
		t.Error("別のVibeの終了で参加状態がクリアされました")
	}

	if err := s.Close(context.Background(), created.ID); err != nil {
		t.Fatal(err)
	}
	if s.Active() != nil {
		t.Error("参加中のVibeを終了したら状態をクリアするべき")
	}
}

func TestSession_CloseFailureKeepsState(t *testing.T) {
	m := &mockMutator{
		closeFn: func(context.Context, int64, string) (*model.Event, error) {
			return nil, errors.New("boom")
		},
	}
	s := newTestSession("amy", m)
	created, _ := s.Create(context.Background(), model.NewEvent{})
	if err := s.Close(context.Background(), created.ID); err == nil {
		t.Fatal("エラーを返すべき")
	}
	if s.Active() == nil {
		t.Error("失敗時に参加状態がクリアされました")
	}
}

func TestSession_ExtendRefreshesActiveRecord(t *testing.T) {
	s := newTestSession("amy", &mockMutator{})
	created, _ := s.Create(context.Background(), model.NewEvent{})
	if _, err := s.Extend(context.Background(), created.ID); err != nil {
		t.Fatal(err)
	}
	if got := s.Active().Duration; got != 75 {
		t.Errorf("Duration = %d, want 75", got)
	}
}

func TestSession_OpenChatRequiresActive(t *testing.T) {
	s := newTestSession("amy", &mockMutator{})
	if err := s.OpenChat(); !model.HasCode(err, model.ErrCodeNoActiveVibe) {
		t.Errorf("error = %v", err)
	}
	s.Join(context.Background(), 1)
	if err := s.OpenChat(); err != nil || !s.ChatOpen() {
		t.Errorf("OpenChat() = %v, ChatOpen = %v", err, s.ChatOpen())
	}
	s.CloseChat()
	if s.ChatOpen() || s.Active() == nil {
		t.Error("CloseChatは参加状態を変更しないべき")
	}
}

func TestSession_Reconcile(t *testing.T) {
	now := time.Now()

	t.Run("最新の内容に置き換える", func(t *testing.T) {
		s := newTestSession("amy", &mockMutator{})
		s.Join(context.Background(), 1)
		fresh := liveEvent(1, "creator")
		fresh.Participants = []string{"creator", "amy", "bob"}

		s.Reconcile([]model.Event{*fresh}, now.Add(time.Second), now)
		if got := s.Active(); got == nil || len(got.Participants) != 3 {
			t.Errorf("Active() = %+v", got)
		}
	})

	t.Run("参加後の一覧に含まれなければ終了する", func(t *testing.T) {
		s := newTestSession("amy", &mockMutator{})
		s.Join(context.Background(), 1)
		s.Reconcile(nil, time.Now().Add(time.Second), now)
		if s.Active() != nil {
			t.Error("一覧から消えたVibeは終了するべき")
		}
	})

	t.Run("参加前に取得した一覧は無視する", func(t *testing.T) {
		s := newTestSession("amy", &mockMutator{})
		before := time.Now().Add(-time.Second)
		s.Join(context.Background(), 1)
		s.Reconcile(nil, before, now)
		if s.Active() == nil {
			t.Error("参加前の一覧で参加状態をクリアしてはならない")
		}
	})
}

func TestSession_TeardownDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	m := &mockMutator{
		joinFn: func(ctx context.Context, id int64, userID string) (*model.Event, error) {
			close(entered)
			<-release
			return liveEvent(id, "creator"), nil
		},
	}
	s := newTestSession("amy", m)
	done := make(chan struct{})
	go func() {
		s.Join(context.Background(), 1)
		close(done)
	}()
	<-entered
	s.Teardown()
	close(release)
	<-done

	if s.Active() != nil {
		t.Error("破棄後に参加状態が設定されました")
	}
}
