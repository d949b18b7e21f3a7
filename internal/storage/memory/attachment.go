package memory

import (
	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

// UpsertAttachment 已存在则引用计数加 1，否则以 refCount=1 插入。
func (s *Store) UpsertAttachment(rec *domain.AttachmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := attachmentKey{hash: rec.Hash, magic: rec.Magic}
	if existing, ok := s.attachments[key]; ok {
		existing.RefCount++
		return nil
	}

	cp := *rec
	cp.Data = append([]byte(nil), rec.Data...)
	cp.RefCount = 1
	s.attachments[key] = &cp
	return nil
}

// GetAttachment 获取附件记录。
func (s *Store) GetAttachment(hash string, magic int32) (*domain.AttachmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.attachments[attachmentKey{hash: hash, magic: magic}]
	if !ok {
		return nil, storage.ErrAttachmentNotFound
	}
	cp := *rec
	cp.Data = append([]byte(nil), rec.Data...)
	return &cp, nil
}

// UpdateAttachments 批量按增量调整引用计数。
func (s *Store) UpdateAttachments(hashes []string, magic int32, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, hash := range hashes {
		if rec, ok := s.attachments[attachmentKey{hash: hash, magic: magic}]; ok {
			rec.RefCount += delta
		}
	}
	return nil
}

// DeleteAttachments 引用计数减 1，降到 0 时删除记录。
// 递减与删除在同一临界区内完成，等价于条件删除。
func (s *Store) DeleteAttachments(hashes []string, magic int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, hash := range hashes {
		key := attachmentKey{hash: hash, magic: magic}
		if rec, ok := s.attachments[key]; ok {
			rec.RefCount--
			if rec.RefCount <= 0 {
				delete(s.attachments, key)
			}
		}
	}
	return nil
}
