package mailstore

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
)

// DelInput 定义一次消息删除。
type DelInput struct {
	UserID  string
	Message *domain.Message
	Mailbox *domain.Mailbox // 可为 nil，按消息归属解析
	Session Session
}

// Del 删除消息文档：减配额、减附件引用计数、
// 向来源会话回写 EXPUNGE、追加日志并触发通知。
// 文档已不存在时不是错误（幂等）。
func (h *Handler) Del(input DelInput) error {
	msg := input.Message

	mailbox := input.Mailbox
	if mailbox == nil {
		var err error
		mailbox, err = h.store.GetMailbox(msg.MailboxID)
		if err != nil {
			return err
		}
	}

	deleted, err := h.store.DeleteMessage(mailbox.ID, msg.ID, msg.UID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if !deleted {
		return nil
	}

	if err := h.store.UpdateStorageUsed(input.UserID, -msg.Size); err != nil {
		h.log.Warn("failed to update quota on delete",
			zap.String("user", input.UserID), zap.Error(err))
	}
	h.attach.ReleaseMessage(msg)

	post, err := h.store.Bump(mailbox.ID)
	if err != nil {
		post = mailbox
	}

	if selectedIn(input.Session, mailbox.ID) {
		input.Session.WriteExpunge(msg.UID)
	}

	if err := h.notifier.AddEntries(input.UserID,
		expungeEntry(post, msg, msg.UID, post.ModifyIndex, sessionID(input.Session)),
	); err != nil {
		h.log.Warn("failed to append journal entry",
			zap.String("user", input.UserID),
			zap.String("mailbox", mailbox.ID),
			zap.Error(err))
	}
	h.notifier.Fire(input.UserID, post.Path)

	return nil
}
