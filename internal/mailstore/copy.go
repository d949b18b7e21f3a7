package mailstore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

// CopyInput 定义一次批量复制。
type CopyInput struct {
	UserID      string
	Source      MailboxRef
	Destination MailboxRef
	UIDs        []uint32
	Session     Session
}

// CopyResult 复制结果。UID 对按源 UID 升序配对。
type CopyResult struct {
	UIDValidity     uint32
	SourceUIDs      []uint32
	DestinationUIDs []uint32
	Status          string
}

// Copy 把一组消息复制到目标邮箱。副本取新文档 ID，
// 祖先 ID 沿用源消息的 root；附件引用计数随副本批量加一，
// 用户已用空间按副本大小记账。
func (h *Handler) Copy(input CopyInput) (*CopyResult, error) {
	source, err := h.resolveMailbox(input.UserID, input.Source)
	if err != nil {
		return nil, err
	}
	dest, err := h.resolveMailbox(input.UserID, input.Destination)
	if err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			return nil, storage.ErrMailboxMissing
		}
		return nil, err
	}

	msgs, err := h.store.ListMessagesByUID(source.ID, input.UIDs)
	if err != nil {
		return nil, err
	}

	result := &CopyResult{
		UIDValidity: dest.UIDValidity,
		Status:      "copied",
	}
	sid := sessionID(input.Session)
	pending := make([]*domain.JournalEntry, 0, BulkBatchSize)
	var destPath string
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := h.notifier.AddEntries(input.UserID, pending...); err != nil {
			h.log.Warn("failed to append journal entries",
				zap.String("user", input.UserID), zap.Error(err))
		}
		h.notifier.Fire(input.UserID, destPath)
		pending = pending[:0]
	}
	destPath = dest.Path

	for i, msg := range msgs {
		destPost, err := h.store.ReserveSlot(dest.ID)
		if err != nil {
			flush()
			return result, fmt.Errorf("reserve slot: %w", err)
		}

		clone := *msg
		clone.ID = uuid.NewString()
		clone.MailboxID = dest.ID
		clone.UID = destPost.UIDNext - 1
		clone.ModSeq = destPost.ModifyIndex
		clone.Flags = append([]string(nil), msg.Flags...)
		clone.Junk = destPost.JunkIn()
		clone.Searchable = destPost.SearchableIn() && clone.Undeleted
		clone.Exp, clone.RDate = retentionFor(destPost, clone.IDate)

		// 副本扇出：同一投递桶内的引用计数批量加一
		if tree := msg.MimeTree; tree != nil && len(tree.AttachmentMap) > 0 {
			hashes := make([]string, 0, len(tree.AttachmentMap))
			for _, hash := range tree.AttachmentMap {
				hashes = append(hashes, hash)
			}
			if err := h.attach.AddRefs(hashes, msg.Magic); err != nil {
				flush()
				return result, fmt.Errorf("bump attachment refs: %w", err)
			}
		}

		if err := h.store.InsertMessage(&clone); err != nil {
			flush()
			return result, fmt.Errorf("insert copy: %w", err)
		}
		if err := h.store.UpdateStorageUsed(input.UserID, clone.Size); err != nil {
			h.log.Warn("failed to update quota on copy",
				zap.String("user", input.UserID), zap.Error(err))
		}

		result.SourceUIDs = append(result.SourceUIDs, msg.UID)
		result.DestinationUIDs = append(result.DestinationUIDs, clone.UID)

		if selectedIn(input.Session, dest.ID) {
			input.Session.WriteExists(clone.UID)
		}

		pending = append(pending, existsEntry(destPost, &clone, sid))
		if (i+1)%BulkBatchSize == 0 {
			flush()
		}
	}
	flush()

	return result, nil
}
