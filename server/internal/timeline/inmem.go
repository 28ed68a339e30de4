package timeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"triage-assistant/server/internal/model"
)

type sessionLog struct {
	seq    int64
	events []model.Event
	ids    map[string]int64
}

// InMemoryStore 是一个基于内存的 Timeline 存储实现。
type InMemoryStore struct {
	mu   sync.RWMutex
	logs map[string]*sessionLog
	now  func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		logs: make(map[string]*sessionLog),
		now:  time.Now,
	}
}

// Append 追加事件并分配 seq；未设置 ServerTS 时用当前时间补齐。
func (s *InMemoryStore) Append(_ context.Context, sessionID string, evt *model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(sessionID, evt), nil
}

// AppendAll 在同一把锁内追加，内存实现不会部分失败。
func (s *InMemoryStore) AppendAll(_ context.Context, sessionID string, evts []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range evts {
		evts[i].Seq = s.appendLocked(sessionID, &evts[i])
	}
	return nil
}

func (s *InMemoryStore) appendLocked(sessionID string, evt *model.Event) int64 {
	l, ok := s.logs[sessionID]
	if !ok {
		l = &sessionLog{ids: make(map[string]int64)}
		s.logs[sessionID] = l
	}
	if evt.EventID != "" {
		if seq, exists := l.ids[evt.EventID]; exists {
			return seq
		}
	}

	l.seq++
	e := *evt
	e.Seq = l.seq
	e.SessionID = sessionID
	if e.ServerTS.IsZero() {
		e.ServerTS = s.now()
	}
	l.events = append(l.events, e)
	if e.EventID != "" {
		l.ids[e.EventID] = e.Seq
	}
	return e.Seq
}

// Since 返回副本，调用方修改不影响内部数据。
func (s *InMemoryStore) Since(_ context.Context, sessionID string, afterSeq int64) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[sessionID]
	if !ok {
		return []model.Event{}, nil
	}
	// events 按 seq 升序
	i := sort.Search(len(l.events), func(i int) bool { return l.events[i].Seq > afterSeq })
	out := make([]model.Event, len(l.events)-i)
	copy(out, l.events[i:])
	return out, nil
}
