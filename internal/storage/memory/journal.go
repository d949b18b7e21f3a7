package memory

import (
	"github.com/ArmaGroupHolding/wildduck/internal/domain"
)

// AppendJournal 追加日志条目。Seq 由调用方分配，同一用户内严格递增。
func (s *Store) AppendJournal(entries []*domain.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		cp := *e
		cp.Flags = append([]string(nil), e.Flags...)
		s.journal[e.UserID] = append(s.journal[e.UserID], &cp)
	}
	return nil
}

// ListJournal 返回某用户 Seq 大于 afterSeq 的条目，按 Seq 升序。
func (s *Store) ListJournal(userID string, afterSeq int64, limit int) ([]*domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.JournalEntry, 0)
	for _, e := range s.journal[userID] {
		if e.Seq <= afterSeq {
			continue
		}
		cp := *e
		cp.Flags = append([]string(nil), e.Flags...)
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
