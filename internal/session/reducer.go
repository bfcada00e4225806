package session

import (
	"errors"

	"github.com/hitoshi/vibex/internal/model"
)

// ErrInitTimeout は解決が初期化タイムアウトまでに完了しなかったことを表す。
var ErrInitTimeout = errors.New("session resolution timed out")

// Phase はログイン中ユーザーの解決状態。
type Phase int

const (
	// PhaseNone はログイン中ユーザーがいない状態。
	PhaseNone Phase = iota
	// PhaseResolving はセッションをユーザーに解決中の状態。
	PhaseResolving
	// PhaseResolved はユーザーが確定した状態。
	PhaseResolved
	// PhaseFailed は解決に失敗した、またはタイムアウトした状態。
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseResolving:
		return "resolving"
	case PhaseResolved:
		return "resolved"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State はApplication User Contextの状態。
// Genは認証状態の遷移ごとに増加し、古い解決結果の適用を防ぐ。
// Resolving中のUserは直前に確定していたユーザーで、再解決中も表示を維持するために残す。
type State struct {
	Phase  Phase
	User   *model.ApplicationUser
	Gen    uint64
	Err    error
	Closed bool
}

// Action はReduceへの入力。
type Action interface {
	isAction()
}

// AuthChanged は認証状態が遷移し、世代genの解決を開始したことを表す。
type AuthChanged struct{ Gen uint64 }

// Resolved は世代genの解決でユーザーが確定したことを表す。
type Resolved struct {
	Gen  uint64
	User *model.ApplicationUser
}

// NoUser は世代genの解決でユーザーなしとなったことを表す。
type NoUser struct{ Gen uint64 }

// ResolveFailed は世代genの解決が失敗したことを表す。
type ResolveFailed struct {
	Gen uint64
	Err error
}

// InitTimeout は世代genの解決が時間内に完了しなかったことを表す。
type InitTimeout struct{ Gen uint64 }

// ProfilePatched は本人によるbio・privacyの更新が確定したことを表す。
type ProfilePatched struct {
	Bio     string
	Privacy model.Privacy
}

// Teardown は所有者の破棄を表す。以降のActionは無視される。
type Teardown struct{}

func (AuthChanged) isAction()    {}
func (Resolved) isAction()       {}
func (NoUser) isAction()         {}
func (ResolveFailed) isAction()  {}
func (InitTimeout) isAction()    {}
func (ProfilePatched) isAction() {}
func (Teardown) isAction()       {}

// Reduce は状態遷移を行う純粋関数。
//
// 解決結果は世代が一致する場合のみ適用する。タイムアウトでFailedになった後でも
// 同じ世代の結果が届けば適用する。
func Reduce(s State, a Action) State {
	if s.Closed {
		return s
	}

	switch a := a.(type) {
	case AuthChanged:
		return State{Phase: PhaseResolving, User: s.User, Gen: a.Gen}
	case Resolved:
		if a.Gen != s.Gen {
			return s
		}
		return State{Phase: PhaseResolved, User: cloneUser(a.User), Gen: s.Gen}
	case NoUser:
		if a.Gen != s.Gen {
			return s
		}
		return State{Phase: PhaseNone, Gen: s.Gen}
	case ResolveFailed:
		if a.Gen != s.Gen {
			return s
		}
		return State{Phase: PhaseFailed, Gen: s.Gen, Err: a.Err}
	case InitTimeout:
		if a.Gen != s.Gen || s.Phase != PhaseResolving {
			return s
		}
		return State{Phase: PhaseFailed, Gen: s.Gen, Err: ErrInitTimeout}
	case ProfilePatched:
		if s.Phase != PhaseResolved || s.User == nil {
			return s
		}
		next := s
		next.User = cloneUser(s.User)
		next.User.Profile.Bio = a.Bio
		next.User.Profile.Privacy = a.Privacy
		return next
	case Teardown:
		return State{Phase: PhaseNone, Gen: s.Gen, Closed: true}
	default:
		return s
	}
}

// CurrentUser は確定済みのユーザーを返す。Resolved以外ではnil。
func (s State) CurrentUser() *model.ApplicationUser {
	if s.Phase != PhaseResolved {
		return nil
	}
	return s.User
}

// Loading は表示すべきユーザーがなく解決中の場合にtrueを返す。
func (s State) Loading() bool {
	return s.Phase == PhaseResolving && s.User == nil
}

func cloneUser(u *model.ApplicationUser) *model.ApplicationUser {
	if u == nil {
		return nil
	}
	copied := *u
	return &copied
}
