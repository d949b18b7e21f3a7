package memory

import (
	"time"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

// FindThread 查找 (user, subject) 相同且引用集合与 refs 有交集的会话。
func (s *Store) FindThread(userID, subject string, refs []string) (*domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refSet := make(map[string]bool, len(refs))
	for _, r := range refs {
		refSet[r] = true
	}

	for _, t := range s.threads {
		if t.UserID != userID || t.Subject != subject {
			continue
		}
		for _, id := range t.IDs {
			if refSet[id] {
				cp := *t
				cp.IDs = append([]string(nil), t.IDs...)
				return &cp, nil
			}
		}
	}
	return nil, nil
}

// AddThreadRefs 将 refs 并入既有会话的引用集合（去重）。
func (s *Store) AddThreadRefs(threadID string, refs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return storage.ErrMessageNotFound
	}
	for _, r := range refs {
		if !containsRef(t.IDs, r) {
			t.IDs = append(t.IDs, r)
		}
	}
	t.Updated = time.Now().UTC()
	return nil
}

func containsRef(ids []string, ref string) bool {
	for _, id := range ids {
		if id == ref {
			return true
		}
	}
	return false
}

// InsertThread 插入新会话。
func (s *Store) InsertThread(thread *domain.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *thread
	cp.IDs = append([]string(nil), thread.IDs...)
	s.threads[thread.ID] = &cp
	return nil
}

// GetThread 根据 ID 获取会话。
func (s *Store) GetThread(id string) (*domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[id]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	cp := *t
	cp.IDs = append([]string(nil), t.IDs...)
	return &cp, nil
}
