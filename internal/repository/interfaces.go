// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/vibex/internal/model"
)

// AccountRepository は認証アカウントの永続化インターフェース。
type AccountRepository interface {
	// Create はアカウントを作成する。メールアドレスが重複する場合はErrDuplicateをラップして返す。
	// profilesへの初期プロフィール作成はDBトリガーが行う。
	Create(ctx context.Context, account *model.Account) error

	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByEmail はメールアドレスでアカウントを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// UsernameTaken はユーザー名がプロフィールまたは未確認アカウントで使用済みかを返す。
	UsernameTaken(ctx context.Context, username string) (bool, error)

	// Confirm は確認トークンに一致する未確認アカウントを確認済みにする。
	// 一致するアカウントがない場合はnilを返す。
	Confirm(ctx context.Context, token string) (*model.Account, error)
}

// AuthSessionRepository はリフレッシュトークンセッションの永続化インターフェース。
type AuthSessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.AuthSession) error

	// FindByTokenHash は指定ハッシュのセッションを取得する。期限切れの場合はnilを返す。
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.AuthSession, error)

	// Rotate は有効な旧セッションを削除し、新セッションを同一トランザクションで作成する。
	// 旧セッションが存在しないか期限切れの場合はfalseを返す。
	Rotate(ctx context.Context, oldTokenHash string, next *model.AuthSession) (bool, error)

	// DeleteByTokenHash は指定ハッシュのセッションを削除する。
	DeleteByTokenHash(ctx context.Context, tokenHash string) error
}

// ProfileRepository はプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// FindByUsername はユーザー名でプロフィールを取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.Profile, error)

	// Insert はプロフィールを作成し、作成された行を返す。
	// IDまたはユーザー名が重複する場合はErrDuplicateをラップして返す。
	Insert(ctx context.Context, profile *model.Profile) (*model.Profile, error)

	// UpdateSettings はbioとprivacyを更新し、更新後の行を返す。見つからない場合はnilを返す。
	UpdateSettings(ctx context.Context, id, bio string, privacy model.Privacy) (*model.Profile, error)

	// ListSummaries は指定ID群のIDとユーザー名を返す。存在しないIDは含まれない。
	ListSummaries(ctx context.Context, ids []string) ([]model.ProfileSummary, error)

	// FindUsername は指定IDのユーザー名を返す。見つからない場合は空文字とfalseを返す。
	FindUsername(ctx context.Context, id string) (string, bool, error)
}

// EventRepository はイベント（Vibe）の永続化インターフェース。
// 書き込みはすべてイベントIDをキーとした単一の条件付き更新で、
// 条件に一致しなかった場合はnilを返す。返却値には作成者のユーザー名が結合される。
type EventRepository interface {
	// ListActive はstatus=activeのイベントを作成者名付きで取得する。
	ListActive(ctx context.Context) ([]model.Event, error)

	// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Event, error)

	// Create はイベントを作成する。participantsには作成者のみを設定し、statusはactiveとする。
	Create(ctx context.Context, event *model.Event) (*model.Event, error)

	// Join は開催中かつ閲覧可能なイベントのparticipantsにユーザーを追加する。既に参加済みの場合は変更しない。
	Join(ctx context.Context, id int64, userID string) (*model.Event, error)

	// Leave は作成者以外の参加者をparticipantsから取り除く。
	Leave(ctx context.Context, id int64, userID string) (*model.Event, error)

	// Close は作成者によるイベント終了（status=closed）を行う。
	Close(ctx context.Context, id int64, creatorID string) (*model.Event, error)

	// Extend は作成者によるdurationの延長を行う。
	Extend(ctx context.Context, id int64, creatorID string, minutes int) (*model.Event, error)
}

// MessageRepository はチャットメッセージの永続化インターフェース。
type MessageRepository interface {
	// ListByEvent はイベントのメッセージを送信者名付きでcreated_at昇順に取得する。
	ListByEvent(ctx context.Context, eventID int64) ([]model.Message, error)

	// Insert はメッセージを作成する。
	Insert(ctx context.Context, eventID int64, senderID, text string) (*model.Message, error)
}

// NoteRepository はメモの永続化インターフェース。
type NoteRepository interface {
	// ListByUser はユーザーのメモをcreated_at降順で取得する。
	ListByUser(ctx context.Context, userID string, limit int) ([]model.Note, error)

	// Insert はメモを作成し、作成された行を返す。
	Insert(ctx context.Context, userID, content string) (*model.Note, error)
}
