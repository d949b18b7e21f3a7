package memory

import (
	"sync"
	"time"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

// Store 使用内存保存全部文档集合，主要用于开发验证与测试。
//
// 所有"原子单文档更新并返回后像"的原语都在 store 级别的互斥锁内完成，
// 对调用方呈现与文档数据库相同的语义。
type Store struct {
	mu sync.RWMutex

	users      map[string]*domain.User // userID -> user
	byUnameview map[string]string      // unameview -> userID

	mailboxes map[string]*domain.Mailbox   // mailboxID -> mailbox
	byPath    map[string]map[string]string // userID -> path -> mailboxID

	messages map[string]map[string]*domain.Message // mailboxID -> messageID -> message
	byUID    map[string]map[uint32]string          // mailboxID -> uid -> messageID

	threads map[string]*domain.Thread // threadID -> thread

	journal map[string][]*domain.JournalEntry // userID -> entries（Seq 升序）

	attachments map[attachmentKey]*domain.AttachmentRecord
}

type attachmentKey struct {
	hash  string
	magic int32
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		users:       make(map[string]*domain.User),
		byUnameview: make(map[string]string),
		mailboxes:   make(map[string]*domain.Mailbox),
		byPath:      make(map[string]map[string]string),
		messages:    make(map[string]map[string]*domain.Message),
		byUID:       make(map[string]map[uint32]string),
		threads:     make(map[string]*domain.Thread),
		journal:     make(map[string][]*domain.JournalEntry),
		attachments: make(map[attachmentKey]*domain.AttachmentRecord),
	}
}

// ========== User Repository ==========

// CreateUser 创建新用户。
func (s *Store) CreateUser(user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byUnameview[user.Unameview]; exists {
		return storage.ErrUserExists
	}

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}

	cp := *user
	s.users[user.ID] = &cp
	s.byUnameview[user.Unameview] = user.ID
	return nil
}

// GetUser 根据 ID 获取用户。
func (s *Store) GetUser(id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

// GetUserByUnameview 根据归一化查找键获取用户。
func (s *Store) GetUserByUnameview(unameview string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUnameview[unameview]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

// UpdateStorageUsed 按增量调整已用空间。
func (s *Store) UpdateStorageUsed(userID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}
	user.StorageUsed += delta
	user.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteUser 删除用户及其全部邮箱。
func (s *Store) DeleteUser(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}

	for id, mb := range s.mailboxes {
		if mb.UserID == userID {
			s.deleteMailboxLocked(id)
		}
	}
	delete(s.byUnameview, user.Unameview)
	delete(s.users, userID)
	delete(s.journal, userID)
	return nil
}

// ========== Mailbox Repository ==========

// CreateMailbox 创建邮箱。UIDValidity 仅在此处设置，之后不再变化。
func (s *Store) CreateMailbox(mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, ok := s.byPath[mailbox.UserID]
	if !ok {
		paths = make(map[string]string)
		s.byPath[mailbox.UserID] = paths
	}
	if _, exists := paths[mailbox.Path]; exists {
		return storage.ErrMailboxExists
	}

	if mailbox.UIDValidity == 0 {
		mailbox.UIDValidity = uint32(time.Now().Unix())
	}
	if mailbox.UIDNext == 0 {
		mailbox.UIDNext = 1
	}
	if mailbox.CreatedAt.IsZero() {
		mailbox.CreatedAt = time.Now().UTC()
	}

	cp := *mailbox
	s.mailboxes[mailbox.ID] = &cp
	paths[mailbox.Path] = mailbox.ID
	return nil
}

// GetMailbox 根据 ID 获取邮箱。
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	cp := *mb
	return &cp, nil
}

// GetMailboxByPath 根据 (user, path) 获取邮箱。
func (s *Store) GetMailboxByPath(userID, path string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byPath[userID][path]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	cp := *s.mailboxes[id]
	return &cp, nil
}

// GetMailboxBySpecialUse 根据特殊用途标记获取邮箱。
func (s *Store) GetMailboxBySpecialUse(userID string, use domain.SpecialUse) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, mb := range s.mailboxes {
		if mb.UserID == userID && mb.SpecialUse == use {
			cp := *mb
			return &cp, nil
		}
	}
	return nil, storage.ErrMailboxNotFound
}

// ListMailboxes 返回某用户的全部邮箱。
func (s *Store) ListMailboxes(userID string) ([]domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Mailbox, 0)
	for _, mb := range s.mailboxes {
		if mb.UserID == userID {
			result = append(result, *mb)
		}
	}
	return result, nil
}

// SetSubscribed 设置订阅状态。
func (s *Store) SetSubscribed(id string, subscribed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	mb.Subscribed = subscribed
	return nil
}

// DeleteMailbox 删除邮箱及其消息。
func (s *Store) DeleteMailbox(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mailboxes[id]; !ok {
		return storage.ErrMailboxNotFound
	}
	s.deleteMailboxLocked(id)
	return nil
}

func (s *Store) deleteMailboxLocked(id string) {
	if mb, ok := s.mailboxes[id]; ok {
		delete(s.byPath[mb.UserID], mb.Path)
	}
	delete(s.mailboxes, id)
	delete(s.messages, id)
	delete(s.byUID, id)
}

// ReserveSlot 原子地预留一个 UID 槽位并推进 MODSEQ，返回后像。
func (s *Store) ReserveSlot(mailboxID string) (*domain.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[mailboxID]
	if !ok {
		return nil, storage.ErrMailboxMissing
	}
	mb.UIDNext++
	mb.ModifyIndex++
	cp := *mb
	return &cp, nil
}

// Bump 原子地只推进 MODSEQ，返回后像。
func (s *Store) Bump(mailboxID string) (*domain.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[mailboxID]
	if !ok {
		return nil, storage.ErrMailboxMissing
	}
	mb.ModifyIndex++
	cp := *mb
	return &cp, nil
}

// ========== 工具方法 ==========

// Close 关闭存储连接。
func (s *Store) Close() error {
	return nil
}

// Health 健康检查。
func (s *Store) Health() error {
	return nil
}
