// Package sql 提供基于 gorm + PostgreSQL 的存储实现。
//
// ReserveSlot/Bump 依赖 UPDATE ... RETURNING 返回后像，
// 引用计数调整使用 SQL 表达式实现原子自增。
package sql

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

// Store 基于 gorm 的存储实现。
type Store struct {
	db *gorm.DB
}

// Config SQL 存储配置。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore 创建 SQL 存储实例并执行迁移。
func NewStore(cfg Config) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&domain.User{},
		&domain.Mailbox{},
		&domain.Message{},
		&domain.Thread{},
		&domain.JournalEntry{},
		&domain.AttachmentRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// ========== User Repository ==========

// CreateUser 创建新用户。
func (s *Store) CreateUser(user *domain.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}
	err := s.db.Create(user).Error
	if err != nil && isUniqueViolation(err) {
		return storage.ErrUserExists
	}
	return err
}

// GetUser 根据 ID 获取用户。
func (s *Store) GetUser(id string) (*domain.User, error) {
	var user domain.User
	if err := s.db.First(&user, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err, storage.ErrUserNotFound)
	}
	return &user, nil
}

// GetUserByUnameview 根据归一化查找键获取用户。
func (s *Store) GetUserByUnameview(unameview string) (*domain.User, error) {
	var user domain.User
	if err := s.db.First(&user, "unameview = ?", unameview).Error; err != nil {
		return nil, mapNotFound(err, storage.ErrUserNotFound)
	}
	return &user, nil
}

// UpdateStorageUsed 按增量调整已用空间。
func (s *Store) UpdateStorageUsed(userID string, delta int64) error {
	res := s.db.Model(&domain.User{}).Where("id = ?", userID).
		Update("storage_used", gorm.Expr("storage_used + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrUserNotFound
	}
	return nil
}

// DeleteUser 删除用户及其全部邮箱。
func (s *Store) DeleteUser(userID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var mailboxIDs []string
		if err := tx.Model(&domain.Mailbox{}).Where("user_id = ?", userID).
			Pluck("id", &mailboxIDs).Error; err != nil {
			return err
		}
		if len(mailboxIDs) > 0 {
			if err := tx.Where("mailbox_id IN ?", mailboxIDs).Delete(&domain.Message{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", mailboxIDs).Delete(&domain.Mailbox{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("user_id = ?", userID).Delete(&domain.JournalEntry{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&domain.User{}, "id = ?", userID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrUserNotFound
		}
		return nil
	})
}

// ========== Mailbox Repository ==========

// CreateMailbox 创建邮箱。
func (s *Store) CreateMailbox(mailbox *domain.Mailbox) error {
	if mailbox.UIDValidity == 0 {
		mailbox.UIDValidity = uint32(time.Now().Unix())
	}
	if mailbox.UIDNext == 0 {
		mailbox.UIDNext = 1
	}
	if mailbox.CreatedAt.IsZero() {
		mailbox.CreatedAt = time.Now().UTC()
	}
	err := s.db.Create(mailbox).Error
	if err != nil && isUniqueViolation(err) {
		return storage.ErrMailboxExists
	}
	return err
}

// GetMailbox 根据 ID 获取邮箱。
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	var mb domain.Mailbox
	if err := s.db.First(&mb, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err, storage.ErrMailboxNotFound)
	}
	return &mb, nil
}

// GetMailboxByPath 根据 (user, path) 获取邮箱。
func (s *Store) GetMailboxByPath(userID, path string) (*domain.Mailbox, error) {
	var mb domain.Mailbox
	if err := s.db.First(&mb, "user_id = ? AND path = ?", userID, path).Error; err != nil {
		return nil, mapNotFound(err, storage.ErrMailboxNotFound)
	}
	return &mb, nil
}

// GetMailboxBySpecialUse 根据特殊用途标记获取邮箱。
func (s *Store) GetMailboxBySpecialUse(userID string, use domain.SpecialUse) (*domain.Mailbox, error) {
	var mb domain.Mailbox
	if err := s.db.First(&mb, "user_id = ? AND special_use = ?", userID, string(use)).Error; err != nil {
		return nil, mapNotFound(err, storage.ErrMailboxNotFound)
	}
	return &mb, nil
}

// ListMailboxes 返回某用户的全部邮箱。
func (s *Store) ListMailboxes(userID string) ([]domain.Mailbox, error) {
	var out []domain.Mailbox
	if err := s.db.Where("user_id = ?", userID).Order("path").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// SetSubscribed 设置订阅状态。
func (s *Store) SetSubscribed(id string, subscribed bool) error {
	res := s.db.Model(&domain.Mailbox{}).Where("id = ?", id).Update("subscribed", subscribed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrMailboxNotFound
	}
	return nil
}

// DeleteMailbox 删除邮箱及其消息。
func (s *Store) DeleteMailbox(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("mailbox_id = ?", id).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&domain.Mailbox{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrMailboxNotFound
		}
		return nil
	})
}

// ReserveSlot 原子地预留一个 UID 槽位并推进 MODSEQ，返回后像。
func (s *Store) ReserveSlot(mailboxID string) (*domain.Mailbox, error) {
	mb := domain.Mailbox{ID: mailboxID}
	res := s.db.Model(&mb).Clauses(clause.Returning{}).
		Where("id = ?", mailboxID).
		Updates(map[string]interface{}{
			"uid_next":     gorm.Expr("uid_next + 1"),
			"modify_index": gorm.Expr("modify_index + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, storage.ErrMailboxMissing
	}
	return &mb, nil
}

// Bump 原子地只推进 MODSEQ，返回后像。
func (s *Store) Bump(mailboxID string) (*domain.Mailbox, error) {
	mb := domain.Mailbox{ID: mailboxID}
	res := s.db.Model(&mb).Clauses(clause.Returning{}).
		Where("id = ?", mailboxID).
		Update("modify_index", gorm.Expr("modify_index + 1"))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, storage.ErrMailboxMissing
	}
	return &mb, nil
}

// ========== Message Repository ==========

// InsertMessage 插入消息。
func (s *Store) InsertMessage(message *domain.Message) error {
	return s.db.Create(message).Error
}

// GetMessage 获取单条消息。
func (s *Store) GetMessage(mailboxID, messageID string) (*domain.Message, error) {
	var msg domain.Message
	if err := s.db.First(&msg, "mailbox_id = ? AND id = ?", mailboxID, messageID).Error; err != nil {
		return nil, mapNotFound(err, storage.ErrMessageNotFound)
	}
	return &msg, nil
}

// GetMessageByUID 按 UID 获取消息。
func (s *Store) GetMessageByUID(mailboxID string, uid uint32) (*domain.Message, error) {
	var msg domain.Message
	if err := s.db.First(&msg, "mailbox_id = ? AND uid = ?", mailboxID, uid).Error; err != nil {
		return nil, mapNotFound(err, storage.ErrMessageNotFound)
	}
	return &msg, nil
}

// ListUIDs 返回邮箱内全部 UID，升序。
func (s *Store) ListUIDs(mailboxID string) ([]uint32, error) {
	var uids []uint32
	if err := s.db.Model(&domain.Message{}).Where("mailbox_id = ?", mailboxID).
		Order("uid").Pluck("uid", &uids).Error; err != nil {
		return nil, err
	}
	return uids, nil
}

// ListMessagesByUID 按给定 UID 集合返回消息，UID 升序。
func (s *Store) ListMessagesByUID(mailboxID string, uids []uint32) ([]*domain.Message, error) {
	var out []*domain.Message
	if len(uids) == 0 {
		return out, nil
	}
	if err := s.db.Where("mailbox_id = ? AND uid IN ?", mailboxID, uids).
		Order("uid").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessagesInRange 返回 [from, to] 区间内的消息，UID 升序。
func (s *Store) ListMessagesInRange(mailboxID string, from, to uint32) ([]*domain.Message, error) {
	q := s.db.Where("mailbox_id = ? AND uid >= ?", mailboxID, from)
	if to != 0 {
		q = q.Where("uid <= ?", to)
	}
	var out []*domain.Message
	if err := q.Order("uid").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindDuplicate 查找同邮箱内 (hdate, msgid) 相同且 0 < uid < uidNext 的既有消息。
func (s *Store) FindDuplicate(mailboxID string, hdate time.Time, msgid string, uidNext uint32) (*domain.Message, error) {
	var msg domain.Message
	err := s.db.First(&msg,
		"mailbox_id = ? AND h_date = ? AND msg_id = ? AND uid > 0 AND uid < ?",
		mailboxID, hdate, msgid, uidNext).Error
	if err != nil {
		return nil, mapNotFound(err, storage.ErrMessageNotFound)
	}
	return &msg, nil
}

// UpdateMessage 按 (id, mailbox) 原地覆盖。
func (s *Store) UpdateMessage(message *domain.Message) error {
	res := s.db.Where("mailbox_id = ?", message.MailboxID).Save(message)
	if res.Error != nil {
		return res.Error
	}
	return nil
}

// DeleteMessage 按 (id, mailbox, uid) 删除；记录缺失不是错误。
func (s *Store) DeleteMessage(mailboxID, messageID string, uid uint32) (bool, error) {
	res := s.db.Where("mailbox_id = ? AND id = ? AND uid = ?", mailboxID, messageID, uid).
		Delete(&domain.Message{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CountMessages 返回邮箱内消息总数与未读数。
func (s *Store) CountMessages(mailboxID string) (int, int, error) {
	var total, unseen int64
	if err := s.db.Model(&domain.Message{}).Where("mailbox_id = ?", mailboxID).
		Count(&total).Error; err != nil {
		return 0, 0, err
	}
	if err := s.db.Model(&domain.Message{}).Where("mailbox_id = ? AND unseen", mailboxID).
		Count(&unseen).Error; err != nil {
		return 0, 0, err
	}
	return int(total), int(unseen), nil
}

// ListExpired 返回 rdate 不晚于 now 的到期消息。
func (s *Store) ListExpired(now time.Time, limit int) ([]*domain.Message, error) {
	q := s.db.Where("exp AND r_date IS NOT NULL AND r_date <= ?", now).Order("r_date")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*domain.Message
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ========== Thread Repository ==========

// FindThread 查找 (user, subject) 相同且引用集合与 refs 有交集的会话。
// 引用集合以 JSON 存储，交集判断在应用侧完成。
func (s *Store) FindThread(userID, subject string, refs []string) (*domain.Thread, error) {
	var candidates []*domain.Thread
	if err := s.db.Where("user_id = ? AND subject = ?", userID, subject).
		Find(&candidates).Error; err != nil {
		return nil, err
	}

	refSet := make(map[string]bool, len(refs))
	for _, r := range refs {
		refSet[r] = true
	}
	for _, t := range candidates {
		for _, id := range t.IDs {
			if refSet[id] {
				return t, nil
			}
		}
	}
	return nil, nil
}

// AddThreadRefs 将 refs 并入既有会话的引用集合（去重）。
func (s *Store) AddThreadRefs(threadID string, refs []string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var t domain.Thread
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&t, "id = ?", threadID).Error; err != nil {
			return mapNotFound(err, storage.ErrMessageNotFound)
		}
		existing := make(map[string]bool, len(t.IDs))
		for _, id := range t.IDs {
			existing[id] = true
		}
		for _, r := range refs {
			if !existing[r] {
				t.IDs = append(t.IDs, r)
			}
		}
		t.Updated = time.Now().UTC()
		return tx.Save(&t).Error
	})
}

// InsertThread 插入新会话。
func (s *Store) InsertThread(thread *domain.Thread) error {
	return s.db.Create(thread).Error
}

// GetThread 根据 ID 获取会话。
func (s *Store) GetThread(id string) (*domain.Thread, error) {
	var t domain.Thread
	if err := s.db.First(&t, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err, storage.ErrMessageNotFound)
	}
	return &t, nil
}

// ========== Journal Repository ==========

// AppendJournal 追加日志条目。
func (s *Store) AppendJournal(entries []*domain.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Create(entries).Error
}

// ListJournal 返回某用户 Seq 大于 afterSeq 的条目，按 Seq 升序。
func (s *Store) ListJournal(userID string, afterSeq int64, limit int) ([]*domain.JournalEntry, error) {
	q := s.db.Where("user_id = ? AND seq > ?", userID, afterSeq).Order("seq")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*domain.JournalEntry
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ========== Attachment Repository ==========

// UpsertAttachment 已存在则引用计数加 1，否则以 refCount=1 插入。
func (s *Store) UpsertAttachment(rec *domain.AttachmentRecord) error {
	rec.RefCount = 1
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "hash"}, {Name: "magic"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"ref_count": gorm.Expr("attachment_records.ref_count + 1"),
		}),
	}).Create(rec).Error
}

// GetAttachment 获取附件记录。
func (s *Store) GetAttachment(hash string, magic int32) (*domain.AttachmentRecord, error) {
	var rec domain.AttachmentRecord
	if err := s.db.First(&rec, "hash = ? AND magic = ?", hash, magic).Error; err != nil {
		return nil, mapNotFound(err, storage.ErrAttachmentNotFound)
	}
	return &rec, nil
}

// UpdateAttachments 批量按增量调整引用计数。
func (s *Store) UpdateAttachments(hashes []string, magic int32, delta int64) error {
	if len(hashes) == 0 {
		return nil
	}
	return s.db.Model(&domain.AttachmentRecord{}).
		Where("hash IN ? AND magic = ?", hashes, magic).
		Update("ref_count", gorm.Expr("ref_count + ?", delta)).Error
}

// DeleteAttachments 引用计数减 1，降到 0 时条件删除记录。
func (s *Store) DeleteAttachments(hashes []string, magic int32) error {
	if len(hashes) == 0 {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.AttachmentRecord{}).
			Where("hash IN ? AND magic = ?", hashes, magic).
			Update("ref_count", gorm.Expr("ref_count - 1")).Error; err != nil {
			return err
		}
		// 条件删除：只移除计数确实降到 0 的记录
		return tx.Where("hash IN ? AND magic = ? AND ref_count <= 0", hashes, magic).
			Delete(&domain.AttachmentRecord{}).Error
	})
}

// ========== 工具方法 ==========

// Close 关闭存储连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 健康检查。
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func mapNotFound(err, sentinel error) error {
	if err == gorm.ErrRecordNotFound {
		return sentinel
	}
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && (err == gorm.ErrDuplicatedKey ||
		strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "UNIQUE constraint"))
}
