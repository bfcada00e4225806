package client

import (
	"context"
	"errors"

	"github.com/hitoshi/vibex/internal/chat"
	"github.com/hitoshi/vibex/internal/event"
	"github.com/hitoshi/vibex/internal/geo"
	"github.com/hitoshi/vibex/internal/model"
	"github.com/hitoshi/vibex/internal/vibe"
)

// コマンド種別
const (
	CmdSignUp        = "sign_up"
	CmdSignIn        = "sign_in"
	CmdSignOut       = "sign_out"
	CmdUpdateProfile = "update_profile"
	CmdSetLocation   = "set_location"
	CmdCreateEvent   = "create_event"
	CmdJoinEvent     = "join_event"
	CmdLeaveEvent    = "leave_event"
	CmdCloseEvent    = "close_event"
	CmdExtendEvent   = "extend_event"
	CmdOpenChat      = "open_chat"
	CmdCloseChat     = "close_chat"
	CmdSendMessage   = "send_message"
	CmdDismissError  = "dismiss_error"
	CmdViewProfile   = "view_profile"
	CmdParticipants  = "participants"
)

// Command はブラウザから送られる操作。
type Command struct {
	ID              string             `json:"id,omitempty"`
	Type            string             `json:"type"`
	Email           string             `json:"email,omitempty"`
	Password        string             `json:"password,omitempty"`
	ConfirmPassword string             `json:"confirm_password,omitempty"`
	Metadata        model.UserMetadata `json:"metadata,omitempty"`
	Bio             string             `json:"bio,omitempty"`
	Privacy         model.Privacy      `json:"privacy,omitempty"`
	Location        *geo.Coordinates   `json:"location,omitempty"`
	ErrorCode       int                `json:"error_code,omitempty"`
	Event           *model.NewEvent    `json:"event,omitempty"`
	EventID         int64              `json:"event_id,omitempty"`
	Text            string             `json:"text,omitempty"`
	Username        string             `json:"username,omitempty"`
}

// Reply はコマンドの処理結果。
type Reply struct {
	ID    string          `json:"id,omitempty"`
	Type  string          `json:"type"`
	OK    bool            `json:"ok"`
	Error *model.APIError `json:"error,omitempty"`
	Data  any             `json:"data,omitempty"`
}

// SignUpResult はサインアップの結果。
type SignUpResult struct {
	ConfirmationRequired bool `json:"confirmation_required"`
}

// Handle はコマンドを処理して結果を返す。
// 失敗時もローカルの状態は変更しない。
func (c *Client) Handle(ctx context.Context, cmd Command) Reply {
	data, err := c.dispatch(ctx, cmd)
	reply := Reply{ID: cmd.ID, Type: cmd.Type, OK: err == nil, Data: data}
	if err != nil {
		reply.Data = nil
		reply.Error = toAPIError(err)
	}
	c.notify()
	return reply
}

// knownCommands は受け付けるコマンド種別。
var knownCommands = map[string]bool{
	CmdSignUp: true, CmdSignIn: true, CmdSignOut: true, CmdUpdateProfile: true,
	CmdSetLocation: true, CmdCreateEvent: true, CmdJoinEvent: true, CmdLeaveEvent: true,
	CmdCloseEvent: true, CmdExtendEvent: true, CmdOpenChat: true, CmdCloseChat: true,
	CmdSendMessage: true, CmdDismissError: true, CmdViewProfile: true, CmdParticipants: true,
}

func (c *Client) dispatch(ctx context.Context, cmd Command) (any, error) {
	// 未対応の種別はログイン状態に関係なく拒否する
	if !knownCommands[cmd.Type] {
		return nil, model.NewInvalidMessageError("未対応のコマンドです: " + cmd.Type)
	}

	switch cmd.Type {
	case CmdSignUp:
		s, err := c.provider.SignUp(ctx, model.SignUpRequest{
			Email:           cmd.Email,
			Password:        cmd.Password,
			ConfirmPassword: cmd.ConfirmPassword,
			Metadata:        cmd.Metadata,
		})
		if err != nil {
			return nil, err
		}
		return SignUpResult{ConfirmationRequired: !s.IsConfirmed()}, nil

	case CmdSignIn:
		_, err := c.provider.SignIn(ctx, cmd.Email, cmd.Password)
		return nil, err

	case CmdSignOut:
		return nil, c.provider.SignOut(ctx)

	case CmdUpdateProfile:
		return c.user.UpdateProfile(ctx, cmd.Bio, cmd.Privacy)

	case CmdSetLocation:
		if cmd.Location == nil {
			c.SetLocation(geo.Fallback(&geo.LocationError{Kind: geo.Classify(cmd.ErrorCode)}))
			return nil, nil
		}
		c.SetLocation(geo.FromDevice(*cmd.Location))
		return nil, nil

	case CmdDismissError:
		c.dismissErrors()
		return nil, nil
	}

	// 以降はログイン中ユーザーが必要
	userID, v, ch, ok := c.components()
	if !ok {
		return nil, model.NewUnauthorizedError()
	}

	switch cmd.Type {
	case CmdCreateEvent:
		if cmd.Event == nil {
			return nil, model.NewInvalidEventError("内容が空です")
		}
		if err := c.checkCreateRadius(*cmd.Event); err != nil {
			return nil, err
		}
		return v.Create(ctx, *cmd.Event)

	case CmdJoinEvent:
		return v.Join(ctx, cmd.EventID)

	case CmdLeaveEvent:
		err := v.Leave(ctx)
		c.syncChat()
		return nil, err

	case CmdCloseEvent:
		err := v.Close(ctx, cmd.EventID)
		c.syncChat()
		return nil, err

	case CmdExtendEvent:
		return v.Extend(ctx, cmd.EventID)

	case CmdOpenChat:
		if err := v.OpenChat(); err != nil {
			return nil, err
		}
		c.syncChat()
		return map[string]any{"quick_replies": chat.QuickReplies}, nil

	case CmdCloseChat:
		v.CloseChat()
		c.syncChat()
		return nil, nil

	case CmdSendMessage:
		return nil, ch.Send(ctx, userID, cmd.Text)

	case CmdViewProfile:
		return c.svc.Profiles.View(ctx, userID, cmd.Username)

	case CmdParticipants:
		active := v.Active()
		if active == nil {
			return nil, model.NewNoActiveVibeError()
		}
		return c.svc.Profiles.Participants(ctx, active.Participants)
	}

	return nil, model.NewInvalidMessageError("未対応のコマンドです: " + cmd.Type)
}

// components はログイン中ユーザーのコンポーネントを返す。
func (c *Client) components() (string, *vibe.Session, *chat.Sync, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == "" || c.vibe == nil || c.chat == nil {
		return "", nil, nil, false
	}
	return c.userID, c.vibe, c.chat, true
}

// checkCreateRadius は現在地が分かっている場合に作成地点が範囲内かを検証する。
func (c *Client) checkCreateRadius(in model.NewEvent) error {
	c.mu.Lock()
	loc := c.location
	c.mu.Unlock()
	if !loc.Known() {
		return nil
	}
	if !geo.WithinCreateRadius(loc.Coordinates, geo.Coordinates{Lat: in.Lat, Lng: in.Lng}) {
		return model.NewOutOfRangeError(geo.CreateRadiusMeters)
	}
	return nil
}

func (c *Client) dismissErrors() {
	c.mu.Lock()
	events, ch := c.events, c.chat
	c.location.Err = nil
	c.mu.Unlock()
	if events != nil {
		events.DismissError()
	}
	if ch != nil {
		ch.DismissError()
	}
}

// toAPIError は画面表示用のエラーに変換する。
func toAPIError(err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var locErr *geo.LocationError
	if errors.As(err, &locErr) {
		return locErr.APIError()
	}
	return model.NewInternalError()
}

var _ vibe.Mutator = (*event.Service)(nil)
