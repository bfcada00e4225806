package model

import (
	"slices"
	"time"
)

// EventStatus はイベント（Vibe）の状態を表す。closedは終端状態。
type EventStatus string

const (
	EventStatusActive EventStatus = "active"
	EventStatusClosed EventStatus = "closed"
)

// Topic はイベントのトピック。
type Topic string

const (
	TopicFood   Topic = "Food"
	TopicMovies Topic = "Movies"
	TopicArts   Topic = "Arts"
	TopicMusic  Topic = "Music"
	TopicSports Topic = "Sports"
	TopicTech   Topic = "Tech"
	TopicSocial Topic = "Social"
)

// AllTopics は選択可能なトピックの一覧。
var AllTopics = []Topic{TopicFood, TopicMovies, TopicArts, TopicMusic, TopicSports, TopicTech, TopicSocial}

// Valid は定義済みのトピックかどうかを返す。
func (t Topic) Valid() bool {
	return slices.Contains(AllTopics, t)
}

// ExtendMinutes は延長操作1回あたりに加算する分数。
const ExtendMinutes = 15

// Creator はイベント作成者の非正規化情報。
type Creator struct {
	Username string `json:"username"`
}

// Event は時間制限付きの位置情報つきミートアップ（Vibe）を表す。
// Durationは分単位。participantsには作成時点で必ずcreator_idが含まれる。
type Event struct {
	ID           int64       `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	Lat          float64     `json:"lat"`
	Lng          float64     `json:"lng"`
	Topics       []Topic     `json:"topics"`
	IsPublic     bool        `json:"is_public"`
	EventTime    time.Time   `json:"event_time"`
	Duration     int         `json:"duration"`
	Status       EventStatus `json:"status"`
	CreatorID    string      `json:"creator_id"`
	Participants []string    `json:"participants"`
	Creator      Creator     `json:"creator"`
	CreatedAt    time.Time   `json:"created_at"`
}

// EndsAt はイベントの終了時刻（event_time + duration）を返す。
func (e *Event) EndsAt() time.Time {
	return e.EventTime.Add(time.Duration(e.Duration) * time.Minute)
}

// IsLive はstatus=activeかつnowが終了時刻より前の場合にtrueを返す。
func (e *Event) IsLive(now time.Time) bool {
	return e.Status == EventStatusActive && now.Before(e.EndsAt())
}

// VisibleTo は閲覧者に表示すべきイベントかどうかを返す。
// 期限切れは保存上のstatusに関係なく除外し、非公開イベントは作成者にのみ表示する。
func (e *Event) VisibleTo(viewerID string, now time.Time) bool {
	if !e.IsLive(now) {
		return false
	}
	return e.IsPublic || (viewerID != "" && e.CreatorID == viewerID)
}

// HasParticipant は指定ユーザーが参加者に含まれるかを返す。
func (e *Event) HasParticipant(userID string) bool {
	return slices.Contains(e.Participants, userID)
}

// Clone はスライスを含めたディープコピーを返す。
func (e Event) Clone() Event {
	e.Topics = slices.Clone(e.Topics)
	e.Participants = slices.Clone(e.Participants)
	return e
}

// NewEvent はイベント作成の入力。
// StartOffsetMinutesは現在時刻からの開始オフセット（分）。
type NewEvent struct {
	Title              string  `json:"title"`
	Description        string  `json:"description"`
	Lat                float64 `json:"lat"`
	Lng                float64 `json:"lng"`
	Topics             []Topic `json:"topics"`
	IsPublic           bool    `json:"is_public"`
	StartOffsetMinutes int     `json:"start_offset"`
	Duration           int     `json:"duration"`
}
