package storage

import (
	"errors"
	"time"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
)

var (
	// ErrMailboxMissing 目标邮箱缺失（IMAP 端报告为 TRYCREATE）
	ErrMailboxMissing = errors.New("mailbox missing")
	// ErrMailboxNotFound 邮箱不存在（IMAP 端报告为 NONEXISTENT）
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrMessageNotFound 消息不存在
	ErrMessageNotFound = errors.New("message not found")
	// ErrUserNotFound 用户不存在
	ErrUserNotFound = errors.New("user not found")
	// ErrAttachmentNotFound 附件记录不存在
	ErrAttachmentNotFound = errors.New("attachment not found")
	// ErrMailboxExists 同路径邮箱已存在
	ErrMailboxExists = errors.New("mailbox already exists")
	// ErrUserExists 同名用户已存在
	ErrUserExists = errors.New("user already exists")
	// ErrQuotaExceeded 配额不足。核心自身不强制配额，
	// 由外部投递策略在插入前检查时使用
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// UserRepository 定义用户数据存取操作。
type UserRepository interface {
	CreateUser(user *domain.User) error
	GetUser(id string) (*domain.User, error)
	GetUserByUnameview(unameview string) (*domain.User, error)
	// UpdateStorageUsed 按增量调整已用空间（允许短暂为负，读取时截断）
	UpdateStorageUsed(userID string, delta int64) error
	DeleteUser(userID string) error
}

// MailboxRepository 定义邮箱数据存取操作，持有 UID/MODSEQ 分配原语。
type MailboxRepository interface {
	CreateMailbox(mailbox *domain.Mailbox) error
	GetMailbox(id string) (*domain.Mailbox, error)
	GetMailboxByPath(userID, path string) (*domain.Mailbox, error)
	GetMailboxBySpecialUse(userID string, use domain.SpecialUse) (*domain.Mailbox, error)
	ListMailboxes(userID string) ([]domain.Mailbox, error)
	SetSubscribed(id string, subscribed bool) error
	DeleteMailbox(id string) error

	// ReserveSlot 原子地将 UIDNext 与 ModifyIndex 各加 1 并返回后像。
	// 预留的 UID 若未被占用则作废（IMAP 允许 UID 存在空洞）。
	// 记录缺失时返回 ErrMailboxMissing。
	ReserveSlot(mailboxID string) (*domain.Mailbox, error)
	// Bump 原子地只将 ModifyIndex 加 1 并返回后像，
	// 供不分配 UID 的操作（纯标志更新、移动的源端）使用。
	Bump(mailboxID string) (*domain.Mailbox, error)
}

// MessageRepository 定义消息数据存取操作。
type MessageRepository interface {
	InsertMessage(message *domain.Message) error
	GetMessage(mailboxID, messageID string) (*domain.Message, error)
	GetMessageByUID(mailboxID string, uid uint32) (*domain.Message, error)
	// ListUIDs 返回邮箱内全部 UID，升序。
	ListUIDs(mailboxID string) ([]uint32, error)
	// ListMessagesByUID 按给定 UID 集合返回消息，UID 升序。
	ListMessagesByUID(mailboxID string, uids []uint32) ([]*domain.Message, error)
	// ListMessagesInRange 返回 [from, to] 区间内的消息，UID 升序；to 为 0 表示不设上界。
	ListMessagesInRange(mailboxID string, from, to uint32) ([]*domain.Message, error)
	// FindDuplicate 查找同邮箱内 (hdate, msgid) 相同且 0 < uid < uidNext 的既有消息。
	// 未找到返回 ErrMessageNotFound。
	FindDuplicate(mailboxID string, hdate time.Time, msgid string, uidNext uint32) (*domain.Message, error)
	// UpdateMessage 按 (id, mailbox) 原地覆盖。
	UpdateMessage(message *domain.Message) error
	// DeleteMessage 按 (id, mailbox, uid) 删除；记录缺失不是错误。
	// 返回是否确实删除了记录。
	DeleteMessage(mailboxID, messageID string, uid uint32) (bool, error)
	// CountMessages 返回邮箱内消息总数与未读数。
	CountMessages(mailboxID string) (total int, unseen int, err error)
	// ListExpired 返回 rdate 不晚于 now 的到期消息。
	ListExpired(now time.Time, limit int) ([]*domain.Message, error)
}

// ThreadRepository 定义会话分组数据存取操作。
type ThreadRepository interface {
	// FindThread 查找 (user, subject) 相同且引用集合与 refs 有交集的会话。
	// 未找到返回 nil, nil。
	FindThread(userID, subject string, refs []string) (*domain.Thread, error)
	// AddThreadRefs 将 refs 并入既有会话的引用集合（去重）。
	AddThreadRefs(threadID string, refs []string) error
	InsertThread(thread *domain.Thread) error
	GetThread(id string) (*domain.Thread, error)
}

// JournalRepository 定义变更日志存取操作。
type JournalRepository interface {
	// AppendJournal 追加条目；Seq 由调用方分配且同一用户内严格递增。
	AppendJournal(entries []*domain.JournalEntry) error
	// ListJournal 返回某用户 Seq 大于 afterSeq 的条目，按 Seq 升序；limit 为 0 表示不限。
	ListJournal(userID string, afterSeq int64, limit int) ([]*domain.JournalEntry, error)
}

// AttachmentRepository 定义附件记录存取操作。
type AttachmentRepository interface {
	// UpsertAttachment 已存在则引用计数加 1，否则以 refCount=1 插入。
	UpsertAttachment(rec *domain.AttachmentRecord) error
	GetAttachment(hash string, magic int32) (*domain.AttachmentRecord, error)
	// UpdateAttachments 批量按增量调整引用计数（复制扇出）。
	UpdateAttachments(hashes []string, magic int32, delta int64) error
	// DeleteAttachments 引用计数减 1，降到 0 时条件删除记录。
	// 条件删除避免误删并发写入方刚刚重新引用的记录。
	DeleteAttachments(hashes []string, magic int32) error
}

// Store 定义完整的存储接口。
type Store interface {
	UserRepository
	MailboxRepository
	MessageRepository
	ThreadRepository
	JournalRepository
	AttachmentRepository

	Close() error
	Health() error
}
