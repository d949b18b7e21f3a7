package mailstore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/indexer"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
	"github.com/ArmaGroupHolding/wildduck/internal/threads"
)

// 投递结果状态。
const (
	StatusNew    = "new"
	StatusUpdate = "update"
	StatusSkip   = "skip"
)

// AddInput 定义一次投递。Raw 与 Prepared 二选一。
type AddInput struct {
	UserID       string
	Mailbox      MailboxRef
	Raw          []byte
	Prepared     *indexer.Prepared
	Flags        []string
	Session      Session
	SkipExisting bool
}

// AddResult 投递结果。
type AddResult struct {
	UIDValidity uint32
	UID         uint32
	ID          string
	MailboxID   string
	Status      string
}

// Add 向目标邮箱投递一封消息。
//
// 每个可能失败的步骤把补偿动作压入回滚栈；任何后续步骤失败时
// 按逆序执行补偿，恢复配额与附件引用计数。
func (h *Handler) Add(input AddInput) (*AddResult, error) {
	prepared := input.Prepared
	if prepared == nil {
		var err error
		prepared, err = indexer.Prepare(input.Raw, indexer.Options{})
		if err != nil {
			return nil, err
		}
	}

	mailbox, err := h.resolveMailbox(input.UserID, input.Mailbox)
	if err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			return nil, storage.ErrMailboxMissing
		}
		return nil, err
	}

	// 重复投递探测
	existing, err := h.store.FindDuplicate(mailbox.ID, prepared.HDate, prepared.MsgID, mailbox.UIDNext)
	if err != nil && !errors.Is(err, storage.ErrMessageNotFound) {
		return nil, fmt.Errorf("duplicate probe: %w", err)
	}
	if existing != nil {
		if input.SkipExisting {
			return &AddResult{
				UIDValidity: mailbox.UIDValidity,
				UID:         existing.UID,
				ID:          existing.ID,
				MailboxID:   mailbox.ID,
				Status:      StatusSkip,
			}, nil
		}
		return h.replaceExisting(mailbox, existing, input)
	}

	// 回滚栈：后续任一步骤失败时逆序执行
	var rollback []func()
	fail := func(err error) (*AddResult, error) {
		for i := len(rollback) - 1; i >= 0; i-- {
			rollback[i]()
		}
		return nil, err
	}

	// 持久化附件体（引用计数在此记入）
	storedHashes, err := h.attach.Put(prepared.Attachments, prepared.Magic)
	if len(storedHashes) > 0 {
		hashes, magic := storedHashes, prepared.Magic
		rollback = append(rollback, func() { h.attach.Release(hashes, magic) })
	}
	if err != nil {
		return fail(fmt.Errorf("store attachments: %w", err))
	}

	// 配额先于 UID 分配记账，竞争下也无法绕过
	if err := h.store.UpdateStorageUsed(input.UserID, prepared.Size); err != nil {
		return fail(fmt.Errorf("update quota: %w", err))
	}
	rollback = append(rollback, func() {
		if err := h.store.UpdateStorageUsed(input.UserID, -prepared.Size); err != nil {
			h.log.Warn("failed to roll back quota",
				zap.String("user", input.UserID), zap.Error(err))
		}
	})

	post, err := h.store.ReserveSlot(mailbox.ID)
	if err != nil {
		if errors.Is(err, storage.ErrMailboxMissing) {
			return fail(storage.ErrMailboxMissing)
		}
		return fail(fmt.Errorf("reserve slot: %w", err))
	}

	msg := h.buildMessage(input.UserID, post, prepared, input.Flags)

	threadID, err := h.threads.Resolve(input.UserID, prepared.Subject, threads.ReferenceInput{
		MsgID:       prepared.MsgID,
		InReplyTo:   prepared.InReplyTo,
		ThreadIndex: prepared.ThreadIndex,
		References:  prepared.References,
	})
	if err != nil {
		return fail(fmt.Errorf("resolve thread: %w", err))
	}
	msg.ThreadID = threadID

	if err := h.store.InsertMessage(msg); err != nil {
		return fail(fmt.Errorf("insert message: %w", err))
	}

	// 发起写入的连接同步看到自己的 EXISTS
	if selectedIn(input.Session, mailbox.ID) {
		input.Session.WriteExists(msg.UID)
	}

	if err := h.notifier.AddEntries(input.UserID, existsEntry(post, msg, sessionID(input.Session))); err != nil {
		h.log.Warn("failed to append journal entry",
			zap.String("user", input.UserID),
			zap.String("mailbox", mailbox.ID),
			zap.Error(err))
	}
	h.notifier.Fire(input.UserID, post.Path)

	return &AddResult{
		UIDValidity: post.UIDValidity,
		UID:         msg.UID,
		ID:          msg.ID,
		MailboxID:   post.ID,
		Status:      StatusNew,
	}, nil
}

// buildMessage 依据预留后的邮箱后像填充消息文档。
func (h *Handler) buildMessage(userID string, post *domain.Mailbox, prepared *indexer.Prepared, flags []string) *domain.Message {
	id := uuid.NewString()
	msg := &domain.Message{
		ID:            id,
		RootID:        id,
		MailboxID:     post.ID,
		UserID:        userID,
		UID:           post.UIDNext - 1,
		ModSeq:        post.ModifyIndex,
		Flags:         append([]string(nil), flags...),
		Size:          prepared.Size,
		IDate:         prepared.IDate,
		HDate:         prepared.HDate,
		MsgID:         prepared.MsgID,
		Envelope:      prepared.Envelope,
		BodyStructure: prepared.BodyStructure,
		MimeTree:      prepared.MimeTree,
		Headers:       prepared.Headers,
		Intro:         prepared.Intro,
		Text:          prepared.Text,
		HTML:          prepared.HTML,
		Magic:         prepared.Magic,
		Junk:          post.JunkIn(),
	}
	domain.SyncFlagColumns(msg)
	msg.Searchable = post.SearchableIn() && msg.Undeleted
	msg.Exp, msg.RDate = retentionFor(post, prepared.IDate)
	return msg
}

// replaceExisting 执行换 UID 保 ID 的合并：预留新槽位，
// 原地更新既有文档的 uid/modseq/flags，向会话与日志发出
// EXPUNGE(旧)+EXISTS(新) 对。文档 ID、祖先与存储体保持不动。
func (h *Handler) replaceExisting(mailbox *domain.Mailbox, existing *domain.Message, input AddInput) (*AddResult, error) {
	post, err := h.store.ReserveSlot(mailbox.ID)
	if err != nil {
		if errors.Is(err, storage.ErrMailboxMissing) {
			return nil, storage.ErrMailboxMissing
		}
		return nil, fmt.Errorf("reserve slot: %w", err)
	}

	oldUID := existing.UID
	existing.UID = post.UIDNext - 1
	existing.ModSeq = post.ModifyIndex
	existing.Flags = append([]string(nil), input.Flags...)
	domain.SyncFlagColumns(existing)

	if err := h.store.UpdateMessage(existing); err != nil {
		return nil, fmt.Errorf("replace message: %w", err)
	}

	if selectedIn(input.Session, mailbox.ID) {
		input.Session.WriteExpunge(oldUID)
		input.Session.WriteExists(existing.UID)
	}

	sid := sessionID(input.Session)
	if err := h.notifier.AddEntries(input.UserID,
		expungeEntry(post, existing, oldUID, post.ModifyIndex, sid),
		existsEntry(post, existing, sid),
	); err != nil {
		h.log.Warn("failed to append journal entries",
			zap.String("user", input.UserID),
			zap.String("mailbox", mailbox.ID),
			zap.Error(err))
	}
	h.notifier.Fire(input.UserID, post.Path)

	return &AddResult{
		UIDValidity: post.UIDValidity,
		UID:         existing.UID,
		ID:          existing.ID,
		MailboxID:   post.ID,
		Status:      StatusUpdate,
	}, nil
}
