package event

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/vibex/internal/model"
	"github.com/hitoshi/vibex/internal/realtime"
	"github.com/hitoshi/vibex/internal/repository"
	"github.com/hitoshi/vibex/internal/security"
)

// --- モック ---

type mockEventRepo struct {
	listActiveFn func(ctx context.Context) ([]model.Event, error)
	findByIDFn   func(ctx context.Context, id int64) (*model.Event, error)
	createFn     func(ctx context.Context, e *model.Event) (*model.Event, error)
	joinFn       func(ctx context.Context, id int64, userID string) (*model.Event, error)
	leaveFn      func(ctx context.Context, id int64, userID string) (*model.Event, error)
	closeFn      func(ctx context.Context, id int64, creatorID string) (*model.Event, error)
	extendFn     func(ctx context.Context, id int64, creatorID string, minutes int) (*model.Event, error)
}

func (m *mockEventRepo) ListActive(ctx context.Context) ([]model.Event, error) {
	if m.listActiveFn != nil {
		return m.listActiveFn(ctx)
	}
	return []model.Event{}, nil
}

func (m *mockEventRepo) FindByID(ctx context.Context, id int64) (*model.Event, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockEventRepo) Create(ctx context.Context, e *model.Event) (*model.Event, error) {
	if m.createFn != nil {
		return m.createFn(ctx, e)
	}
	created := *e
	created.ID = 1
	return &created, nil
}

func (m *mockEventRepo) Join(ctx context.Context, id int64, userID string) (*model.Event, error) {
	if m.joinFn != nil {
		return m.joinFn(ctx, id, userID)
	}
	return nil, nil
}

func (m *mockEventRepo) Leave(ctx context.Context, id int64, userID string) (*model.Event, error) {
	if m.leaveFn != nil {
		return m.leaveFn(ctx, id, userID)
	}
	return nil, nil
}

func (m *mockEventRepo) Close(ctx context.Context, id int64, creatorID string) (*model.Event, error) {
	if m.closeFn != nil {
		return m.closeFn(ctx, id, creatorID)
	}
	return nil, nil
}

func (m *mockEventRepo) Extend(ctx context.Context, id int64, creatorID string, minutes int) (*model.Event, error) {
	if m.extendFn != nil {
		return m.extendFn(ctx, id, creatorID, minutes)
	}
	return nil, nil
}

var _ repository.EventRepository = (*mockEventRepo)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitChange(t *testing.T, s *Sync, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-s.Changes():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("状態が更新されませんでした")
		}
	}
}

// --- Sync ---

func TestSync_RefetchesOnAnyChange(t *testing.T) {
	var mu sync.Mutex
	rows := []model.Event{{ID: 1, Title: "A", Status: model.EventStatusActive}}
	repo := &mockEventRepo{
		listActiveFn: func(ctx context.Context) ([]model.Event, error) {
			mu.Lock()
			defer mu.Unlock()
			return append([]model.Event(nil), rows...), nil
		},
	}
	hub := realtime.NewHub(discardLogger())
	s := NewSync(repo, hub, discardLogger())
	s.Start(context.Background())
	defer s.Close()

	waitChange(t, s, func() bool { return len(s.Events()) == 1 })

	for _, typ := range []realtime.ChangeType{realtime.ChangeInsert, realtime.ChangeUpdate, realtime.ChangeDelete} {
		mu.Lock()
		rows = append(rows, model.Event{ID: int64(len(rows) + 1), Status: model.EventStatusActive})
		want := len(rows)
		mu.Unlock()

		hub.Publish(realtime.Change{Table: Table, Type: typ})
		waitChange(t, s, func() bool { return len(s.Events()) == want })
	}

	// 他テーブルの変更では再取得しない
	before := s.Fetches()
	hub.Publish(realtime.Change{Table: "messages", Type: realtime.ChangeInsert})
	time.Sleep(30 * time.Millisecond)
	if s.Fetches() != before {
		t.Error("messagesの変更で再取得されました")
	}
}

func TestSync_RefetchesOnResync(t *testing.T) {
	var calls int
	var mu sync.Mutex
	repo := &mockEventRepo{
		listActiveFn: func(ctx context.Context) ([]model.Event, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return []model.Event{}, nil
		},
	}
	hub := realtime.NewHub(discardLogger())
	s := NewSync(repo, hub, discardLogger())
	s.Start(context.Background())
	defer s.Close()

	waitChange(t, s, func() bool { return s.Fetches() == 1 })
	hub.Publish(realtime.Change{Type: realtime.ChangeResync})
	waitChange(t, s, func() bool { return s.Fetches() == 2 })
}

// 再取得中に届いた複数の通知が少数の再取得にまとめられることを検証する。
func TestSync_CoalescesPendingNotifications(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	repo := &mockEventRepo{
		listActiveFn: func(ctx context.Context) ([]model.Event, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 2 {
				<-gate
			}
			return []model.Event{}, nil
		},
	}
	hub := realtime.NewHub(discardLogger())
	s := NewSync(repo, hub, discardLogger())
	s.Start(context.Background())
	defer s.Close()
	waitChange(t, s, func() bool { return s.Fetches() == 1 })

	// 2回目の取得をブロックしている間に通知を溜める
	hub.Publish(realtime.Change{Table: Table, Type: realtime.ChangeInsert})
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 10; i++ {
		hub.Publish(realtime.Change{Table: Table, Type: realtime.ChangeUpdate})
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)

	waitChange(t, s, func() bool { return s.Fetches() >= 3 })
	time.Sleep(50 * time.Millisecond)
	if got := s.Fetches(); got != 3 {
		t.Errorf("取得回数 = %d, want 3", got)
	}
}

// 取得は常に1件ずつ行われ、最後に開始した取得の結果が残ることを検証する。
func TestSync_FetchesNeverOverlap(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight, calls := 0, 0, 0
	repo := &mockEventRepo{
		listActiveFn: func(ctx context.Context) ([]model.Event, error) {
			mu.Lock()
			inFlight++
			calls++
			n := calls
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return []model.Event{{ID: int64(n), Status: model.EventStatusActive}}, nil
		},
	}
	hub := realtime.NewHub(discardLogger())
	s := NewSync(repo, hub, discardLogger())
	s.Start(context.Background())
	defer s.Close()
	waitChange(t, s, func() bool { return s.Fetches() == 1 })

	for i := 0; i < 20; i++ {
		hub.Publish(realtime.Change{Table: Table, Type: realtime.ChangeUpdate})
		time.Sleep(time.Millisecond)
	}

	waitChange(t, s, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return s.Fetches() == calls && inFlight == 0
	})
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("同時に実行された取得 = %d, want 1", maxInFlight)
	}
	events := s.Events()
	if len(events) != 1 || events[0].ID != int64(calls) {
		t.Errorf("events = %+v, want 最後の取得(%d)の結果", events, calls)
	}
}

func TestSync_FetchErrorKeepsCache(t *testing.T) {
	var mu sync.Mutex
	fail := false
	repo := &mockEventRepo{
		listActiveFn: func(ctx context.Context) ([]model.Event, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return nil, errors.New("db down")
			}
			return []model.Event{{ID: 7, Status: model.EventStatusActive}}, nil
		},
	}
	hub := realtime.NewHub(discardLogger())
	s := NewSync(repo, hub, discardLogger())
	s.Start(context.Background())
	defer s.Close()
	waitChange(t, s, func() bool { return s.Loaded() })

	mu.Lock()
	fail = true
	mu.Unlock()
	hub.Publish(realtime.Change{Table: Table, Type: realtime.ChangeUpdate})
	waitChange(t, s, func() bool { return s.Err() != nil })

	if s.Err().Code != model.ErrCodeDataFetchFailed {
		t.Errorf("Err().Code = %q", s.Err().Code)
	}
	if got := s.Events(); len(got) != 1 || got[0].ID != 7 {
		t.Errorf("取得失敗時にキャッシュが失われました: %+v", got)
	}

	s.DismissError()
	if s.Err() != nil {
		t.Error("DismissError後もエラーが残っています")
	}
}

func TestSync_Visible(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	live := func(id int64, creator string, public bool) model.Event {
		return model.Event{ID: id, CreatorID: creator, IsPublic: public, Status: model.EventStatusActive,
			EventTime: now.Add(-10 * time.Minute), Duration: 30}
	}
	expired := live(4, "bob", true)
	expired.EventTime = now.Add(-time.Hour)

	repo := &mockEventRepo{
		listActiveFn: func(ctx context.Context) ([]model.Event, error) {
			return []model.Event{live(1, "amy", true), live(2, "amy", false), live(3, "bob", false), expired}, nil
		},
	}
	s := NewSync(repo, realtime.NewHub(discardLogger()), discardLogger())
	s.Start(context.Background())
	defer s.Close()
	waitChange(t, s, func() bool { return s.Loaded() })

	ids := func(events []model.Event) []int64 {
		out := []int64{}
		for _, e := range events {
			out = append(out, e.ID)
		}
		return out
	}
	if got := ids(s.Visible("amy", now)); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("amyに表示されるイベント = %v, want [1 2]", got)
	}
	if got := ids(s.Visible("", now)); len(got) != 1 || got[0] != 1 {
		t.Errorf("未ログインで表示されるイベント = %v, want [1]", got)
	}
}

func TestSync_CloseUnsubscribes(t *testing.T) {
	hub := realtime.NewHub(discardLogger())
	s := NewSync(&mockEventRepo{}, hub, discardLogger())
	s.Start(context.Background())
	waitChange(t, s, func() bool { return s.Loaded() })
	if hub.Len() != 1 {
		t.Fatalf("購読数 = %d, want 1", hub.Len())
	}
	s.Close()
	if hub.Len() != 0 {
		t.Errorf("Close後の購読数 = %d, want 0", hub.Len())
	}
}

// --- Service ---

func newTestService(repo *mockEventRepo) *Service {
	s := NewService(repo, security.NewTextSanitizer(), discardLogger())
	s.now = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func validInput() model.NewEvent {
	return model.NewEvent{
		Title:              "ランチ",
		Lat:                23.19,
		Lng:                72.68,
		Topics:             []model.Topic{model.TopicFood},
		IsPublic:           true,
		StartOffsetMinutes: 10,
		Duration:           60,
	}
}

func TestService_CreateSeedsCreator(t *testing.T) {
	var got *model.Event
	repo := &mockEventRepo{
		createFn: func(ctx context.Context, e *model.Event) (*model.Event, error) {
			got = e
			created := *e
			created.ID = 42
			created.Creator.Username = "amy"
			return &created, nil
		},
	}
	in := validInput()
	in.Title = "<b>ランチ</b>"
	in.Topics = []model.Topic{model.TopicFood, model.TopicFood, model.TopicTech}

	e, err := newTestService(repo).Create(context.Background(), "amy-id", in)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if e.ID != 42 || e.Creator.Username != "amy" {
		t.Errorf("作成結果 = %+v", e)
	}
	if got.Title != "ランチ" {
		t.Errorf("Title = %q, タグが除去されるべき", got.Title)
	}
	if len(got.Participants) != 1 || got.Participants[0] != "amy-id" || got.Status != model.EventStatusActive {
		t.Errorf("作成者がparticipantsに含まれていません: %+v", got)
	}
	if len(got.Topics) != 2 {
		t.Errorf("Topics = %v, 重複は除去されるべき", got.Topics)
	}
	if want := time.Date(2026, 1, 1, 12, 10, 0, 0, time.UTC); !got.EventTime.Equal(want) {
		t.Errorf("EventTime = %v, want %v", got.EventTime, want)
	}
}

func TestService_CreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(in *model.NewEvent)
	}{
		{"タイトルなし", func(in *model.NewEvent) { in.Title = "  " }},
		{"タグのみのタイトル", func(in *model.NewEvent) { in.Title = "<p></p>" }},
		{"トピックなし", func(in *model.NewEvent) { in.Topics = nil }},
		{"未定義トピック", func(in *model.NewEvent) { in.Topics = []model.Topic{"Gaming"} }},
		{"開始オフセットが負", func(in *model.NewEvent) { in.StartOffsetMinutes = -1 }},
		{"開始オフセットが上限超過", func(in *model.NewEvent) { in.StartOffsetMinutes = 31 }},
		{"選択肢にない開催時間", func(in *model.NewEvent) { in.Duration = 45 }},
		{"緯度が範囲外", func(in *model.NewEvent) { in.Lat = 91 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			repo := &mockEventRepo{
				createFn: func(ctx context.Context, e *model.Event) (*model.Event, error) {
					called = true
					return e, nil
				},
			}
			in := validInput()
			tt.modify(&in)
			_, err := newTestService(repo).Create(context.Background(), "u1", in)
			if !model.HasCode(err, model.ErrCodeInvalidEvent) {
				t.Errorf("error = %v, want INVALID_EVENT", err)
			}
			if called {
				t.Error("検証エラー時にバックエンドを呼び出しました")
			}
		})
	}
}

func TestService_CreateBackendFailure(t *testing.T) {
	repo := &mockEventRepo{
		createFn: func(ctx context.Context, e *model.Event) (*model.Event, error) {
			return nil, errors.New("db down")
		},
	}
	_, err := newTestService(repo).Create(context.Background(), "u1", validInput())
	if !model.HasCode(err, model.ErrCodeMutationFailed) {
		t.Errorf("error = %v, want MUTATION_FAILED", err)
	}
}

func TestService_ExtendAddsFixedStep(t *testing.T) {
	var gotMinutes int
	repo := &mockEventRepo{
		extendFn: func(ctx context.Context, id int64, creatorID string, minutes int) (*model.Event, error) {
			gotMinutes = minutes
			return &model.Event{ID: id, Duration: 60 + minutes}, nil
		},
	}
	e, err := newTestService(repo).Extend(context.Background(), 1, "u1")
	if err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if gotMinutes != model.ExtendMinutes || e.Duration != 75 {
		t.Errorf("延長幅 = %d, Duration = %d", gotMinutes, e.Duration)
	}
}

func TestService_ClassifiesUnmatchedWrites(t *testing.T) {
	stored := &model.Event{ID: 1, CreatorID: "creator", Status: model.EventStatusActive}
	repo := &mockEventRepo{
		findByIDFn: func(ctx context.Context, id int64) (*model.Event, error) {
			if id == 1 {
				return stored, nil
			}
			return nil, nil
		},
	}
	svc := newTestService(repo)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want string
	}{
		{"作成者の退出", func() error { _, err := svc.Leave(ctx, 1, "creator"); return err }, model.ErrCodeCreatorCannotLeave},
		{"非参加者の退出", func() error { _, err := svc.Leave(ctx, 1, "other"); return err }, model.ErrCodeEventUnavailable},
		{"作成者以外の終了", func() error { _, err := svc.Close(ctx, 1, "other"); return err }, model.ErrCodeNotCreator},
		{"作成者以外の延長", func() error { _, err := svc.Extend(ctx, 1, "other"); return err }, model.ErrCodeNotCreator},
		{"終了済みイベントの終了", func() error { _, err := svc.Close(ctx, 1, "creator"); return err }, model.ErrCodeEventUnavailable},
		{"存在しないイベントへの参加", func() error { _, err := svc.Join(ctx, 9, "other"); return err }, model.ErrCodeEventUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !model.HasCode(err, tt.want) {
				t.Errorf("error = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestService_BackendErrorsAreMutationErrors(t *testing.T) {
	boom := errors.New("db down")
	repo := &mockEventRepo{
		joinFn:  func(context.Context, int64, string) (*model.Event, error) { return nil, boom },
		leaveFn: func(context.Context, int64, string) (*model.Event, error) { return nil, boom },
		closeFn: func(context.Context, int64, string) (*model.Event, error) { return nil, boom },
	}
	svc := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.Join(ctx, 1, "u"); !model.HasCode(err, model.ErrCodeMutationFailed) {
		t.Errorf("Join error = %v", err)
	}
	if _, err := svc.Leave(ctx, 1, "u"); !model.HasCode(err, model.ErrCodeMutationFailed) {
		t.Errorf("Leave error = %v", err)
	}
	if _, err := svc.Close(ctx, 1, "u"); !model.HasCode(err, model.ErrCodeMutationFailed) {
		t.Errorf("Close error = %v", err)
	}
}
