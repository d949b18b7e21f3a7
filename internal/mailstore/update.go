package mailstore

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
)

// UpdateInput 定义一次 UID 区间上的批量标志/过期更新。
// UIDs 非空时按集合匹配，否则按 [From, To] 区间匹配。
type UpdateInput struct {
	UserID  string
	Mailbox MailboxRef
	UIDs    []uint32
	From    uint32
	To      uint32
	Updates domain.MessageUpdates
	Session Session
}

// UpdateResult 更新结果。
type UpdateResult struct {
	UIDValidity uint32
	Updated     int
	ModifyIndex uint64
}

// Update 对单个邮箱内匹配的消息批量应用标志更新。
//
// MODSEQ 只推进一次：全部被更新的消息以后像 ModifyIndex
// 作为新的 modseq。每条变更产出一条携带新标志的 FETCH 条目，
// 每 BulkBatchSize 条冲刷一次。
func (h *Handler) Update(input UpdateInput) (*UpdateResult, error) {
	if input.Updates.Empty() {
		return nil, ErrNothingChanged
	}

	mailbox, err := h.resolveMailbox(input.UserID, input.Mailbox)
	if err != nil {
		return nil, err
	}

	post, err := h.store.Bump(mailbox.ID)
	if err != nil {
		return nil, err
	}

	var msgs []*domain.Message
	if len(input.UIDs) > 0 {
		msgs, err = h.store.ListMessagesByUID(mailbox.ID, input.UIDs)
	} else {
		msgs, err = h.store.ListMessagesInRange(mailbox.ID, input.From, input.To)
	}
	if err != nil {
		return nil, err
	}

	result := &UpdateResult{
		UIDValidity: post.UIDValidity,
		ModifyIndex: post.ModifyIndex,
	}
	sid := sessionID(input.Session)
	pending := make([]*domain.JournalEntry, 0, BulkBatchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := h.notifier.AddEntries(input.UserID, pending...); err != nil {
			h.log.Warn("failed to append journal entries",
				zap.String("user", input.UserID), zap.Error(err))
		}
		h.notifier.Fire(input.UserID, post.Path)
		pending = pending[:0]
	}

	for _, msg := range msgs {
		wasUnseen := msg.Unseen
		if !input.Updates.Apply(msg) {
			continue
		}
		msg.ModSeq = post.ModifyIndex

		if err := h.store.UpdateMessage(msg); err != nil {
			flush()
			return result, fmt.Errorf("update message: %w", err)
		}
		result.Updated++

		pending = append(pending, &domain.JournalEntry{
			MailboxID:    post.ID,
			Path:         post.Path,
			Command:      domain.CommandFetch,
			UID:          msg.UID,
			MessageID:    msg.ID,
			ModSeq:       msg.ModSeq,
			Flags:        append([]string(nil), msg.Flags...),
			UnseenChange: wasUnseen != msg.Unseen,
			Ignore:       sid,
		})
		if len(pending) >= BulkBatchSize {
			flush()
		}
	}
	flush()

	return result, nil
}
