package memory

import (
	"sort"
	"time"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

// InsertMessage 插入消息。(mailbox, uid) 冲突视为存储错误。
func (s *Store) InsertMessage(message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mailboxes[message.MailboxID]; !ok {
		return storage.ErrMailboxMissing
	}

	msgs, ok := s.messages[message.MailboxID]
	if !ok {
		msgs = make(map[string]*domain.Message)
		s.messages[message.MailboxID] = msgs
		s.byUID[message.MailboxID] = make(map[uint32]string)
	}

	cp := cloneMessage(message)
	msgs[message.ID] = cp
	s.byUID[message.MailboxID][message.UID] = message.ID
	return nil
}

// GetMessage 获取单条消息。
func (s *Store) GetMessage(mailboxID, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[mailboxID][messageID]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

// GetMessageByUID 按 UID 获取消息。
func (s *Store) GetMessageByUID(mailboxID string, uid uint32) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUID[mailboxID][uid]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	return cloneMessage(s.messages[mailboxID][id]), nil
}

// ListUIDs 返回邮箱内全部 UID，升序。
func (s *Store) ListUIDs(mailboxID string) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.mailboxes[mailboxID]; !ok {
		return nil, storage.ErrMailboxNotFound
	}

	uids := make([]uint32, 0, len(s.byUID[mailboxID]))
	for uid := range s.byUID[mailboxID] {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// ListMessagesByUID 按给定 UID 集合返回消息，UID 升序。
// 不存在的 UID 被跳过。
func (s *Store) ListMessagesByUID(mailboxID string, uids []uint32) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := append([]uint32(nil), uids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	result := make([]*domain.Message, 0, len(sorted))
	for _, uid := range sorted {
		if id, ok := s.byUID[mailboxID][uid]; ok {
			result = append(result, cloneMessage(s.messages[mailboxID][id]))
		}
	}
	return result, nil
}

// ListMessagesInRange 返回 [from, to] 区间内的消息，UID 升序；to 为 0 表示不设上界。
func (s *Store) ListMessagesInRange(mailboxID string, from, to uint32) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uids := make([]uint32, 0, len(s.byUID[mailboxID]))
	for uid := range s.byUID[mailboxID] {
		if uid < from {
			continue
		}
		if to != 0 && uid > to {
			continue
		}
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	result := make([]*domain.Message, 0, len(uids))
	for _, uid := range uids {
		result = append(result, cloneMessage(s.messages[mailboxID][s.byUID[mailboxID][uid]]))
	}
	return result, nil
}

// FindDuplicate 查找同邮箱内 (hdate, msgid) 相同且 0 < uid < uidNext 的既有消息。
func (s *Store) FindDuplicate(mailboxID string, hdate time.Time, msgid string, uidNext uint32) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msg := range s.messages[mailboxID] {
		if msg.UID > 0 && msg.UID < uidNext && msg.MsgID == msgid && msg.HDate.Equal(hdate) {
			return cloneMessage(msg), nil
		}
	}
	return nil, storage.ErrMessageNotFound
}

// UpdateMessage 按 (id, mailbox) 原地覆盖。
func (s *Store) UpdateMessage(message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.messages[message.MailboxID][message.ID]
	if !ok {
		return storage.ErrMessageNotFound
	}
	if old.UID != message.UID {
		delete(s.byUID[message.MailboxID], old.UID)
		s.byUID[message.MailboxID][message.UID] = message.ID
	}
	s.messages[message.MailboxID][message.ID] = cloneMessage(message)
	return nil
}

// DeleteMessage 按 (id, mailbox, uid) 删除；记录缺失不是错误。
func (s *Store) DeleteMessage(mailboxID, messageID string, uid uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[mailboxID][messageID]
	if !ok || msg.UID != uid {
		return false, nil
	}
	delete(s.messages[mailboxID], messageID)
	delete(s.byUID[mailboxID], uid)
	return true, nil
}

// CountMessages 返回邮箱内消息总数与未读数。
func (s *Store) CountMessages(mailboxID string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	unseen := 0
	for _, msg := range s.messages[mailboxID] {
		total++
		if msg.Unseen {
			unseen++
		}
	}
	return total, unseen, nil
}

// ListExpired 返回 rdate 不晚于 now 的到期消息。
func (s *Store) ListExpired(now time.Time, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Message, 0)
	for _, msgs := range s.messages {
		for _, msg := range msgs {
			if msg.Exp && msg.RDate != nil && !msg.RDate.After(now) {
				result = append(result, cloneMessage(msg))
				if limit > 0 && len(result) >= limit {
					return result, nil
				}
			}
		}
	}
	return result, nil
}

// cloneMessage 深拷贝消息，避免调用方看到锁外修改。
func cloneMessage(m *domain.Message) *domain.Message {
	cp := *m
	cp.Flags = append([]string(nil), m.Flags...)
	cp.HTML = append([]string(nil), m.HTML...)
	cp.Headers = append([]domain.Header(nil), m.Headers...)
	if m.RDate != nil {
		rd := *m.RDate
		cp.RDate = &rd
	}
	if m.Envelope != nil {
		env := *m.Envelope
		cp.Envelope = &env
	}
	if m.MimeTree != nil {
		tree := *m.MimeTree
		if m.MimeTree.AttachmentMap != nil {
			tree.AttachmentMap = make(map[string]string, len(m.MimeTree.AttachmentMap))
			for k, v := range m.MimeTree.AttachmentMap {
				tree.AttachmentMap[k] = v
			}
		}
		cp.MimeTree = &tree
	}
	return &cp
}
