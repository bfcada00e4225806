package session

import (
	"sync"

	"github.com/hitoshi/vibex/internal/model"
)

// Store は最後に観測したセッションを保持する。
type Store struct {
	mu      sync.RWMutex
	session *model.Session
	event   AuthEvent
}

// NewStore はStoreを生成する。
func NewStore() *Store {
	return &Store{}
}

// Observe は認証状態の遷移を記録する。AuthChangeFuncとして渡せる。
func (s *Store) Observe(event AuthEvent, session *model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.event = event
	if session == nil {
		s.session = nil
		return
	}
	copied := *session
	s.session = &copied
}

// Session は最後に観測したセッションを返す。
func (s *Store) Session() *model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil
	}
	copied := *s.session
	return &copied
}

// LastEvent は最後に観測した遷移種別を返す。
func (s *Store) LastEvent() AuthEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.event
}

// Authenticated はメール確認済みのセッションが存在する場合にtrueを返す。
// audが未確認のままのセッションはログインしていないものとして扱う。
func (s *Store) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.IsConfirmed()
}
