package event

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/hitoshi/vibex/internal/model"
	"github.com/hitoshi/vibex/internal/repository"
	"github.com/hitoshi/vibex/internal/security"
)

const (
	// MaxTitleLength はタイトルの最大文字数。
	MaxTitleLength = 80
	// MaxDescriptionLength は説明の最大文字数。
	MaxDescriptionLength = 500
	// MaxStartOffsetMinutes は作成時に指定できる開始オフセットの上限（分）。
	MaxStartOffsetMinutes = 30
)

// AllowedDurations は作成時に選択できる開催時間（分）。延長でのみこれ以外の値になる。
var AllowedDurations = []int{30, 60, 90, 120}

// Service はイベントの書き込みを提供する。
// 各操作はイベントIDをキーとした単一の条件付き書き込みで、ローカルへの楽観的な反映は行わない。
type Service struct {
	events    repository.EventRepository
	sanitizer security.TextSanitizer
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(events repository.EventRepository, sanitizer security.TextSanitizer, logger *slog.Logger) *Service {
	return &Service{
		events:    events,
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
	}
}

// Create はイベントを作成する。作成者はparticipantsに含まれ、statusはactiveになる。
func (s *Service) Create(ctx context.Context, creatorID string, in model.NewEvent) (*model.Event, error) {
	e, err := s.validate(in)
	if err != nil {
		return nil, err
	}
	e.CreatorID = creatorID
	e.Participants = []string{creatorID}
	e.Status = model.EventStatusActive
	e.EventTime = s.now().Add(time.Duration(in.StartOffsetMinutes) * time.Minute).Truncate(time.Second)

	created, err := s.events.Create(ctx, e)
	if err != nil || created == nil {
		s.logFailure("create_event", 0, creatorID, err)
		return nil, model.NewMutationError("create_event")
	}
	return created, nil
}

func (s *Service) validate(in model.NewEvent) (*model.Event, error) {
	title, ok := s.sanitizer.Clean(in.Title, MaxTitleLength)
	if !ok {
		return nil, model.NewInvalidEventError("タイトルが長すぎます")
	}
	if title == "" {
		return nil, model.NewInvalidEventError("タイトルは必須です")
	}
	description, ok := s.sanitizer.Clean(in.Description, MaxDescriptionLength)
	if !ok {
		return nil, model.NewInvalidEventError("説明が長すぎます")
	}

	topics := make([]model.Topic, 0, len(in.Topics))
	seen := make(map[model.Topic]bool, len(in.Topics))
	for _, t := range in.Topics {
		if !t.Valid() {
			return nil, model.NewInvalidEventError("未定義のトピックです: " + string(t))
		}
		if !seen[t] {
			seen[t] = true
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return nil, model.NewInvalidEventError("トピックを1つ以上選択してください")
	}

	if in.StartOffsetMinutes < 0 || in.StartOffsetMinutes > MaxStartOffsetMinutes {
		return nil, model.NewInvalidEventError("開始時刻は現在から30分以内で指定してください")
	}
	if !validDuration(in.Duration) {
		return nil, model.NewInvalidEventError("開催時間は30分、60分、90分、120分のいずれかです")
	}
	if in.Lat < -90 || in.Lat > 90 || in.Lng < -180 || in.Lng > 180 {
		return nil, model.NewInvalidEventError("座標が範囲外です")
	}

	return &model.Event{
		Title:       title,
		Description: description,
		Lat:         in.Lat,
		Lng:         in.Lng,
		Topics:      topics,
		IsPublic:    in.IsPublic,
		Duration:    in.Duration,
	}, nil
}

func validDuration(d int) bool {
	return slices.Contains(AllowedDurations, d)
}

// Join はparticipantsに参加者を追加し、更新後のイベントを返す。
// 開催中かつ閲覧可能なイベントのみが対象。
func (s *Service) Join(ctx context.Context, id int64, userID string) (*model.Event, error) {
	e, err := s.events.Join(ctx, id, userID)
	if err != nil {
		s.logFailure("join_event", id, userID, err)
		return nil, model.NewMutationError("join_event")
	}
	if e == nil {
		return nil, model.NewEventUnavailableError(id)
	}
	return e, nil
}

// Leave はparticipantsから参加者を取り除き、更新後のイベントを返す。作成者は退出できない。
func (s *Service) Leave(ctx context.Context, id int64, userID string) (*model.Event, error) {
	e, err := s.events.Leave(ctx, id, userID)
	if err != nil {
		s.logFailure("leave_event", id, userID, err)
		return nil, model.NewMutationError("leave_event")
	}
	if e == nil {
		return nil, s.classify(ctx, id, userID, true)
	}
	return e, nil
}

// Close はイベントをclosedにする。作成者のみ実行できる。
func (s *Service) Close(ctx context.Context, id int64, userID string) (*model.Event, error) {
	e, err := s.events.Close(ctx, id, userID)
	if err != nil {
		s.logFailure("close_event", id, userID, err)
		return nil, model.NewMutationError("close_event")
	}
	if e == nil {
		return nil, s.classify(ctx, id, userID, false)
	}
	return e, nil
}

// Extend はdurationをExtendMinutes分延長する。作成者のみ実行できる。
func (s *Service) Extend(ctx context.Context, id int64, userID string) (*model.Event, error) {
	e, err := s.events.Extend(ctx, id, userID, model.ExtendMinutes)
	if err != nil {
		s.logFailure("extend_event", id, userID, err)
		return nil, model.NewMutationError("extend_event")
	}
	if e == nil {
		return nil, s.classify(ctx, id, userID, false)
	}
	return e, nil
}

// classify は条件付き書き込みが一致しなかった理由を判定する。
// 判定用の読み込みに失敗した場合は利用不可として扱う。
func (s *Service) classify(ctx context.Context, id int64, userID string, leaving bool) error {
	e, err := s.events.FindByID(ctx, id)
	if err != nil || e == nil {
		return model.NewEventUnavailableError(id)
	}
	switch {
	case leaving && e.CreatorID == userID:
		return model.NewCreatorCannotLeaveError()
	case !leaving && e.CreatorID != userID:
		return model.NewNotCreatorError()
	}
	return model.NewEventUnavailableError(id)
}

func (s *Service) logFailure(op string, id int64, userID string, err error) {
	attrs := []any{
		slog.String("op", op),
		slog.Int64("event_id", id),
		slog.String("user_id", userID),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.logger.Error("イベントの書き込みに失敗しました", attrs...)
}
