// Package mailstore 实现消息管理核心：投递、删除、移动、复制与批量更新，
// 并在每个可观察的变更后产出日志条目与通知。
package mailstore

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/attachments"
	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/notify"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
	"github.com/ArmaGroupHolding/wildduck/internal/threads"
)

// BulkBatchSize 批量操作的日志冲刷步长。
const BulkBatchSize = 150

var (
	// ErrNothingChanged 更新请求中没有任何可识别的键
	ErrNothingChanged = errors.New("nothing was changed")
)

// Session 表示一个可接收同步帧的已认证 IMAP 会话。
// 接入层实现该接口；发起写入的连接在通知器赶上之前
// 就能从自己的输出流里看到变更。
type Session interface {
	// ID 会话标识，用于来源抑制
	ID() string
	// SelectedMailbox 当前选中的邮箱 ID，未选中时为空
	SelectedMailbox() string
	// WriteExists 向会话输出流写入 EXISTS 帧
	WriteExists(uid uint32)
	// WriteExpunge 向会话输出流写入 EXPUNGE 帧
	WriteExpunge(uid uint32)
}

// Handler 消息管理核心。
type Handler struct {
	store    storage.Store
	attach   *attachments.Store
	threads  *threads.Resolver
	notifier *notify.Notifier
	log      *zap.Logger
}

// NewHandler 创建消息处理器。
func NewHandler(store storage.Store, attach *attachments.Store, resolver *threads.Resolver, notifier *notify.Notifier, log *zap.Logger) *Handler {
	return &Handler{
		store:    store,
		attach:   attach,
		threads:  resolver,
		notifier: notifier,
		log:      log,
	}
}

// MailboxRef 按 ID、路径或特殊用途之一定位邮箱。
type MailboxRef struct {
	ID         string
	Path       string
	SpecialUse domain.SpecialUse
}

// resolveMailbox 依次按 ID、路径、特殊用途解析邮箱。
func (h *Handler) resolveMailbox(userID string, ref MailboxRef) (*domain.Mailbox, error) {
	switch {
	case ref.ID != "":
		return h.store.GetMailbox(ref.ID)
	case ref.Path != "":
		return h.store.GetMailboxByPath(userID, ref.Path)
	case ref.SpecialUse != domain.SpecialUseNone:
		return h.store.GetMailboxBySpecialUse(userID, ref.SpecialUse)
	default:
		return nil, storage.ErrMailboxNotFound
	}
}

// sessionID 返回会话标识，会话缺失时为空。
func sessionID(session Session) string {
	if session == nil {
		return ""
	}
	return session.ID()
}

// selectedIn 判断会话当前是否选中了给定邮箱。
func selectedIn(session Session, mailboxID string) bool {
	return session != nil && session.SelectedMailbox() == mailboxID
}

// existsEntry 构造 EXISTS 日志条目。
func existsEntry(mb *domain.Mailbox, msg *domain.Message, ignore string) *domain.JournalEntry {
	return &domain.JournalEntry{
		MailboxID:    mb.ID,
		Path:         mb.Path,
		Command:      domain.CommandExists,
		UID:          msg.UID,
		MessageID:    msg.ID,
		ModSeq:       msg.ModSeq,
		UnseenChange: msg.Unseen,
		Ignore:       ignore,
	}
}

// expungeEntry 构造 EXPUNGE 日志条目。
func expungeEntry(mb *domain.Mailbox, msg *domain.Message, uid uint32, modseq uint64, ignore string) *domain.JournalEntry {
	return &domain.JournalEntry{
		MailboxID:    mb.ID,
		Path:         mb.Path,
		Command:      domain.CommandExpunge,
		UID:          uid,
		MessageID:    msg.ID,
		ModSeq:       modseq,
		UnseenChange: msg.Unseen,
		Ignore:       ignore,
	}
}

// retentionFor 依据目标邮箱的保留期计算 exp/rdate。
func retentionFor(mb *domain.Mailbox, base time.Time) (bool, *time.Time) {
	if mb.Retention <= 0 {
		return false, nil
	}
	rdate := base.Add(mb.Retention)
	return true, &rdate
}
