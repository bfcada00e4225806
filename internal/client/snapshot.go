package client

import (
	"errors"
	"time"

	"github.com/hitoshi/vibex/internal/chat"
	"github.com/hitoshi/vibex/internal/geo"
	"github.com/hitoshi/vibex/internal/model"
	"github.com/hitoshi/vibex/internal/session"
)

// View はトップレベルの画面。
type View string

const (
	ViewLoading View = "loading"
	ViewAuth    View = "auth"
	ViewMain    View = "main"
)

// ChatView は開いているチャットの表示内容。
type ChatView struct {
	EventID      int64           `json:"event_id"`
	Messages     []model.Message `json:"messages"`
	Loaded       bool            `json:"loaded"`
	QuickReplies []string        `json:"quick_replies"`
}

// Snapshot は画面に描画する状態。
type Snapshot struct {
	View          View                   `json:"view"`
	Phase         string                 `json:"phase"`
	Authenticated bool                   `json:"authenticated"`
	AuthEvent     session.AuthEvent      `json:"auth_event,omitempty"`
	User          *model.ApplicationUser `json:"user,omitempty"`
	AuthError     *model.APIError        `json:"auth_error,omitempty"`
	Events        []model.Event          `json:"events"`
	EventsLoaded  bool                   `json:"events_loaded"`
	ActiveVibe    *model.Event           `json:"active_vibe,omitempty"`
	Pending       bool                   `json:"pending"`
	Chat          *ChatView              `json:"chat,omitempty"`
	Location      geo.Position           `json:"location"`
	LocationError *model.APIError        `json:"location_error,omitempty"`
	Banners       []*model.APIError      `json:"banners,omitempty"`
	GeneratedAt   time.Time              `json:"generated_at"`
}

// Snapshot は現在の表示内容を返す。期限切れと他人の非公開イベントは含まない。
func (c *Client) Snapshot() Snapshot {
	now := c.now()
	st := c.user.State()

	c.mu.Lock()
	events, v, ch, loc := c.events, c.vibe, c.chat, c.location
	c.mu.Unlock()

	snap := Snapshot{
		Phase:         st.Phase.String(),
		Authenticated: c.user.Authenticated(),
		AuthEvent:     c.user.LastAuthEvent(),
		Events:        []model.Event{},
		Location:      loc,
		LocationError: loc.Err,
		GeneratedAt:   now,
	}

	switch {
	case st.Loading():
		snap.View = ViewLoading
		return snap
	case st.User == nil:
		snap.View = ViewAuth
		if st.Phase == session.PhaseFailed {
			snap.AuthError = resolutionError(st.Err)
		}
		return snap
	}

	snap.View = ViewMain
	snap.User = st.User
	if events != nil {
		snap.Events = events.Visible(st.User.ID, now)
		snap.EventsLoaded = events.Loaded()
		if err := events.Err(); err != nil {
			snap.Banners = append(snap.Banners, err)
		}
	}
	if v != nil {
		if active := v.Active(); active != nil && active.IsLive(now) {
			snap.ActiveVibe = active
		}
		snap.Pending = v.Pending()
	}
	if ch != nil && ch.EventID() != 0 {
		snap.Chat = &ChatView{
			EventID:      ch.EventID(),
			Messages:     ch.Messages(),
			Loaded:       ch.Loaded(),
			QuickReplies: chat.QuickReplies,
		}
		if err := ch.Err(); err != nil {
			snap.Banners = append(snap.Banners, err)
		}
	}
	return snap
}

func resolutionError(err error) *model.APIError {
	if errors.Is(err, session.ErrInitTimeout) {
		return model.NewSessionFetchFailedError()
	}
	if err == nil {
		return nil
	}
	return toAPIError(err)
}
