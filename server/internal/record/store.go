package record

import (
	"context"
	"errors"
	"sort"
	"sync"

	"triage-assistant/server/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrExists 病历不可变，同一 ID 只能保存一次。
	ErrExists = errors.New("record already exists")
)

// Store 持久化病历
type Store interface {
	Save(ctx context.Context, r *model.MedicalRecord) error
	Get(ctx context.Context, id string) (*model.MedicalRecord, error)
	// ListByPatient 返回病人的全部病历，按创建时间升序。
	ListByPatient(ctx context.Context, patientID string) ([]*model.MedicalRecord, error)
}

// InMemoryStore 内存实现
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.MedicalRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*model.MedicalRecord)}
}

func (s *InMemoryStore) Save(ctx context.Context, r *model.MedicalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return ErrExists
	}
	cp := *r
	s.records[r.ID] = &cp
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*model.MedicalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *InMemoryStore) ListByPatient(ctx context.Context, patientID string) ([]*model.MedicalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.MedicalRecord
	for _, r := range s.records {
		if r.PatientID == patientID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}
