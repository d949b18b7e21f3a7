package mailstore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

// MoveInput 定义一次批量移动。
type MoveInput struct {
	UserID      string
	Source      MailboxRef
	Destination MailboxRef
	UIDs        []uint32
	Updates     *domain.MessageUpdates
	MarkSeen    bool
	Session     Session
}

// MoveResult 移动结果。UID 对按源 UID 升序配对（UIDPLUS 语义）。
type MoveResult struct {
	UIDValidity     uint32
	SourceUIDs      []uint32
	DestinationUIDs []uint32
	Status          string
}

// Move 把一组消息从源邮箱移动到目标邮箱，按源 UID 升序逐条处理。
//
// 批量移动不支持中途取消：首个存储错误即停止，已完成的
// 逐条步骤不回滚（已移动的 UID 保持已移动，客户端可通过
// 交错的 EXPUNGE/EXISTS 观察到这一点）。
func (h *Handler) Move(input MoveInput) (*MoveResult, error) {
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

	// 源端先行示意变更
	sourcePost, err := h.store.Bump(source.ID)
	if err != nil {
		return nil, err
	}

	msgs, err := h.store.ListMessagesByUID(source.ID, input.UIDs)
	if err != nil {
		return nil, err
	}

	result := &MoveResult{
		UIDValidity: dest.UIDValidity,
		Status:      "moved",
	}
	sid := sessionID(input.Session)
	pending := make([]*domain.JournalEntry, 0, 2*BulkBatchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := h.notifier.AddEntries(input.UserID, pending...); err != nil {
			h.log.Warn("failed to append journal entries",
				zap.String("user", input.UserID), zap.Error(err))
		}
		h.notifier.Fire(input.UserID, sourcePost.Path)
		h.notifier.Fire(input.UserID, dest.Path)
		pending = pending[:0]
	}

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
		clone.Exp, clone.RDate = retentionFor(destPost, clone.IDate)

		if input.Updates != nil {
			input.Updates.Apply(&clone)
		}
		if input.MarkSeen && clone.Unseen {
			clone.Unseen = false
			clone.Flags = domain.AddFlag(clone.Flags, domain.FlagSeen)
		}
		clone.Searchable = destPost.SearchableIn() && clone.Undeleted

		if err := h.store.InsertMessage(&clone); err != nil {
			flush()
			return result, fmt.Errorf("insert moved message: %w", err)
		}
		if _, err := h.store.DeleteMessage(source.ID, msg.ID, msg.UID); err != nil {
			flush()
			return result, fmt.Errorf("delete source message: %w", err)
		}

		result.SourceUIDs = append(result.SourceUIDs, msg.UID)
		result.DestinationUIDs = append(result.DestinationUIDs, clone.UID)

		if selectedIn(input.Session, source.ID) {
			input.Session.WriteExpunge(msg.UID)
		}
		if selectedIn(input.Session, dest.ID) {
			input.Session.WriteExists(clone.UID)
		}

		pending = append(pending,
			expungeEntry(sourcePost, msg, msg.UID, sourcePost.ModifyIndex, sid),
			existsEntry(destPost, &clone, sid),
		)
		if (i+1)%BulkBatchSize == 0 {
			flush()
		}
	}
	flush()

	return result, nil
}
