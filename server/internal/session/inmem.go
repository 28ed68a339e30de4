package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"triage-assistant/server/internal/model"
)

var ErrNotFound = errors.New("session not found")

// InMemoryStore 是一个基于内存的会话存储实现。
// 读写都做深拷贝，调用方拿到的会话可以随意修改，直到 Save 才生效。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]*model.Session
}

func NewInMemoryStore() *InMemoryStore {
	// 重启即丢失进行中的会话；结束的会话由 Archive 持久化。
	return &InMemoryStore{data: make(map[string]*model.Session)}
}

// Get 根据 PatientID 获取会话。
func (s *InMemoryStore) Get(_ context.Context, patientID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.data[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// Find 根据 SessionID 获取会话。
func (s *InMemoryStore) Find(_ context.Context, sessionID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.data {
		if sess.ID == sessionID {
			return sess.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Save 保存或更新会话。
func (s *InMemoryStore) Save(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[sess.PatientID] = sess.Clone()
	return nil
}

// Delete 删除病人的进行中会话，不存在时不报错。
func (s *InMemoryStore) Delete(_ context.Context, patientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, patientID)
	return nil
}

// ListIdle 按最后更新时间升序返回空闲会话。
func (s *InMemoryStore) ListIdle(_ context.Context, before time.Time) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Session
	for _, sess := range s.data {
		if sess.UpdatedAt.Before(before) {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// InMemoryArchive 结束会话的内存归档
type InMemoryArchive struct {
	mu        sync.RWMutex
	sessions  map[string]*model.Session
	byPatient map[string]int
}

func NewInMemoryArchive() *InMemoryArchive {
	return &InMemoryArchive{
		sessions:  make(map[string]*model.Session),
		byPatient: make(map[string]int),
	}
}

func (a *InMemoryArchive) ArchiveSession(_ context.Context, sess *model.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.sessions[sess.ID]; !ok {
		a.byPatient[sess.PatientID]++
	}
	a.sessions[sess.ID] = sess.Clone()
	return nil
}

func (a *InMemoryArchive) GetArchived(_ context.Context, sessionID string) (*model.Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	sess, ok := a.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (a *InMemoryArchive) CountArchived(_ context.Context, patientID string) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.byPatient[patientID], nil
}
