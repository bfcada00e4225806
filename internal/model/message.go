package model

import "time"

// UnknownSender は送信者名の解決に失敗した場合の表示名。
const UnknownSender = "Unknown"

// Sender はメッセージ送信者の非正規化情報。
type Sender struct {
	Username string `json:"username"`
}

// Message はVibeのチャットメッセージ。イベントごとに追記のみで、created_at昇順で並ぶ。
type Message struct {
	ID        int64     `json:"id"`
	EventID   int64     `json:"event_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Sender    Sender    `json:"sender"`
}

// Note はユーザー個人のメモ（履歴タブ）。
type Note struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
