package realtime

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lib/pq"
)

func newTestHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func receive(t *testing.T, s *Subscription) Change {
	t.Helper()
	select {
	case c, ok := <-s.Changes():
		if !ok {
			t.Fatal("チャネルがクローズされています")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("通知を受信できませんでした")
	}
	return Change{}
}

func expectNone(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case c := <-s.Changes():
		t.Fatalf("想定外の通知を受信しました: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDecodeChange(t *testing.T) {
	c, err := decodeChange(`{"table":"messages","type":"INSERT","record":{"id":42,"event_id":7,"text":"やあ","created_at":"2026-01-01T12:00:00.123456+00:00"},"old_record":null}`)
	if err != nil {
		t.Fatalf("decodeChange() error = %v", err)
	}
	if c.Table != "messages" || c.Type != ChangeInsert {
		t.Errorf("decodeChange() = %+v", c)
	}
	if id, ok := c.Int64("id"); !ok || id != 42 {
		t.Errorf("Int64(id) = %d, %v", id, ok)
	}
	if v, ok := c.String("event_id"); !ok || v != "7" {
		t.Errorf("String(event_id) = %q, %v", v, ok)
	}
	if ts, ok := c.Time("created_at"); !ok || ts.Nanosecond() != 123456000 {
		t.Errorf("Time(created_at) = %v, %v", ts, ok)
	}

	if _, err := decodeChange(`{"record":{}}`); err == nil {
		t.Error("tableとtypeのないペイロードはエラーになるべき")
	}
	if _, err := decodeChange(`not json`); err == nil {
		t.Error("不正なJSONはエラーになるべき")
	}
}

func TestFilter_Match(t *testing.T) {
	insert := Change{Table: "messages", Type: ChangeInsert, Record: map[string]any{"event_id": "7"}}

	tests := []struct {
		name   string
		filter Filter
		change Change
		want   bool
	}{
		{"テーブル一致・全種別", Filter{Table: "messages"}, insert, true},
		{"テーブル不一致", Filter{Table: "events"}, insert, false},
		{"種別一致", Filter{Table: "messages", Types: []ChangeType{ChangeInsert}}, insert, true},
		{"種別不一致", Filter{Table: "messages", Types: []ChangeType{ChangeUpdate}}, insert, false},
		{"カラム一致", Filter{Table: "messages", Column: "event_id", Value: "7"}, insert, true},
		{"カラム不一致", Filter{Table: "messages", Column: "event_id", Value: "8"}, insert, false},
		{"DELETEは変更前の行で判定", Filter{Table: "events", Column: "id", Value: "3"},
			Change{Table: "events", Type: ChangeDelete, OldRecord: map[string]any{"id": "3"}}, true},
		{"RESYNCは全種別の購読に届く", Filter{Table: "events"}, Change{Type: ChangeResync}, true},
		{"RESYNCは種別限定の購読に届かない", Filter{Table: "messages", Types: []ChangeType{ChangeInsert}}, Change{Type: ChangeResync}, false},
		{"RESYNCを明示した種別限定の購読に届く", Filter{Table: "messages", Types: []ChangeType{ChangeInsert, ChangeResync}, Column: "event_id", Value: "7"}, Change{Type: ChangeResync}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(tt.change); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHub_DeliversInOrder(t *testing.T) {
	hub := newTestHub()
	sub := hub.Subscribe(Filter{Table: "events"})
	defer sub.Unsubscribe()

	// 受信側が読み出す前に複数件を発行してもブロックしない
	for i := 0; i < 100; i++ {
		hub.Publish(Change{Table: "events", Type: ChangeUpdate, Record: map[string]any{"id": i}})
	}

	for i := 0; i < 100; i++ {
		c := receive(t, sub)
		if id, _ := c.Int64("id"); id != int64(i) {
			t.Fatalf("%d件目のid = %d, want %d", i, id, i)
		}
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := newTestHub()
	sub := hub.Subscribe(Filter{Table: "messages"})

	hub.Publish(Change{Table: "messages", Type: ChangeInsert})
	sub.Unsubscribe()
	sub.Unsubscribe()

	if hub.Len() != 0 {
		t.Errorf("Len() = %d, want 0", hub.Len())
	}

	// 解除後はチャネルがクローズされ、以降の発行は届かない
	hub.Publish(Change{Table: "messages", Type: ChangeInsert})
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Changes():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("チャネルがクローズされませんでした")
		}
	}
}

func TestHub_FiltersPerSubscription(t *testing.T) {
	hub := newTestHub()
	a := hub.Subscribe(Filter{Table: "messages", Types: []ChangeType{ChangeInsert}, Column: "event_id", Value: "1"})
	b := hub.Subscribe(Filter{Table: "messages", Types: []ChangeType{ChangeInsert}, Column: "event_id", Value: "2"})
	defer a.Unsubscribe()
	defer b.Unsubscribe()

	hub.Publish(Change{Table: "messages", Type: ChangeInsert, Record: map[string]any{"event_id": "2", "text": "b"}})

	if c := receive(t, b); c.Record["text"] != "b" {
		t.Errorf("受信内容 = %+v", c)
	}
	expectNone(t, a)
}

type recordingPublisher struct {
	changes []Change
}

func (p *recordingPublisher) Publish(c Change) {
	p.changes = append(p.changes, c)
}

type countingObserver struct {
	received map[string]int
	resyncs  int
}

func (o *countingObserver) NotificationReceived(table string) { o.received[table]++ }
func (o *countingObserver) Resynced()                         { o.resyncs++ }

func TestListener_Handle(t *testing.T) {
	pub := &recordingPublisher{}
	obs := &countingObserver{received: map[string]int{}}
	l := NewListener("", time.Second, time.Minute, pub, obs, slog.New(slog.NewTextHandler(io.Discard, nil)))

	l.handle(&pq.Notification{Channel: Channel, Extra: `{"table":"events","type":"UPDATE","record":{"id":1},"old_record":{"id":1}}`})
	l.handle(&pq.Notification{Channel: Channel, Extra: `broken`})
	l.handle(nil)

	if len(pub.changes) != 2 {
		t.Fatalf("発行件数 = %d, want 2", len(pub.changes))
	}
	if pub.changes[0].Table != "events" || pub.changes[0].Type != ChangeUpdate {
		t.Errorf("1件目 = %+v", pub.changes[0])
	}
	if pub.changes[1].Type != ChangeResync {
		t.Errorf("再接続後はRESYNCを発行するべき: %+v", pub.changes[1])
	}
	if obs.received["events"] != 1 || obs.resyncs != 1 {
		t.Errorf("observer = %+v", obs)
	}
}
