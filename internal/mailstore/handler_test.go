package mailstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/attachments"
	"github.com/ArmaGroupHolding/wildduck/internal/counters"
	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/notify"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
	"github.com/ArmaGroupHolding/wildduck/internal/storage/memory"
	"github.com/ArmaGroupHolding/wildduck/internal/threads"
)

// fixture 组装一套内存后端的消息处理器。
type fixture struct {
	store    *memory.Store
	notifier *notify.Notifier
	handler  *Handler
	userID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	log := zap.NewNop()
	notifier := notify.NewNotifier(store, counters.NewMemory(), nil, log)
	handler := NewHandler(store, attachments.NewStore(store, log), threads.NewResolver(store, log), notifier, log)

	userID := uuid.NewString()
	require.NoError(t, store.CreateUser(&domain.User{
		ID:        userID,
		Username:  "alice",
		Unameview: "alice",
	}))

	return &fixture{store: store, notifier: notifier, handler: handler, userID: userID}
}

// newMailbox 创建一个指定 uidNext/modifyIndex 起点的邮箱。
func (f *fixture) newMailbox(t *testing.T, path string, uidNext uint32, modifyIndex uint64) *domain.Mailbox {
	t.Helper()

	mb := &domain.Mailbox{
		ID:          uuid.NewString(),
		UserID:      f.userID,
		Path:        path,
		UIDValidity: 1,
		UIDNext:     uidNext,
		ModifyIndex: modifyIndex,
		Subscribed:  true,
	}
	require.NoError(t, f.store.CreateMailbox(mb))
	return mb
}

// seedMessage 直接写入一条既有消息。
func (f *fixture) seedMessage(t *testing.T, mb *domain.Mailbox, uid uint32) *domain.Message {
	t.Helper()

	id := uuid.NewString()
	msg := &domain.Message{
		ID:        id,
		RootID:    id,
		MailboxID: mb.ID,
		UserID:    f.userID,
		UID:       uid,
		ModSeq:    mb.ModifyIndex,
		MsgID:     fmt.Sprintf("<seed-%d@example.com>", uid),
		HDate:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		IDate:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Size:      512,
		Unseen:    true,
		Undeleted: true,
	}
	require.NoError(t, f.store.InsertMessage(msg))
	return msg
}

// journal 返回用户的全部日志条目。
func (f *fixture) journal(t *testing.T) []*domain.JournalEntry {
	t.Helper()
	entries, err := f.store.ListJournal(f.userID, 0, 0)
	require.NoError(t, err)
	return entries
}

func rawMessage(msgid, subject, refs string) []byte {
	headers := "From: bob@example.com\r\n" +
		"To: alice@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 01 Jan 2024 00:00:00 +0000\r\n"
	if msgid != "" {
		headers += "Message-Id: " + msgid + "\r\n"
	}
	if refs != "" {
		headers += "References: " + refs + "\r\n"
	}
	return []byte(headers + "\r\nhello world\r\n")
}

// testSession 记录输出帧的假会话。
type testSession struct {
	id       string
	selected string
	mu       sync.Mutex
	frames   []string
}

func (s *testSession) ID() string              { return s.id }
func (s *testSession) SelectedMailbox() string { return s.selected }
func (s *testSession) WriteExists(uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, fmt.Sprintf("EXISTS %d", uid))
}
func (s *testSession) WriteExpunge(uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, fmt.Sprintf("EXPUNGE %d", uid))
}

func TestAdd(t *testing.T) {
	t.Run("分配严格递增的UID与MODSEQ", func(t *testing.T) {
		f := newFixture(t)
		mb := f.newMailbox(t, "INBOX", 5, 10)

		result, err := f.handler.Add(AddInput{
			UserID:  f.userID,
			Mailbox: MailboxRef{ID: mb.ID},
			Raw:     rawMessage("<x@y>", "hello", ""),
		})
		require.NoError(t, err)
		assert.Equal(t, StatusNew, result.Status)
		assert.Equal(t, uint32(5), result.UID)

		stored, err := f.store.GetMessageByUID(mb.ID, 5)
		require.NoError(t, err)
		assert.Equal(t, uint64(11), stored.ModSeq)

		after, err := f.store.GetMailbox(mb.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(6), after.UIDNext)
		assert.Equal(t, uint64(11), after.ModifyIndex)

		// 连续投递保持单调
		var lastUID uint32
		for i := 0; i < 5; i++ {
			r, err := f.handler.Add(AddInput{
				UserID:  f.userID,
				Mailbox: MailboxRef{ID: mb.ID},
				Raw:     rawMessage(fmt.Sprintf("<m%d@y>", i), fmt.Sprintf("msg %d", i), ""),
			})
			require.NoError(t, err)
			assert.Greater(t, r.UID, lastUID)
			lastUID = r.UID
		}
		after, err = f.store.GetMailbox(mb.ID)
		require.NoError(t, err)
		assert.Less(t, lastUID, after.UIDNext)
	})

	t.Run("目标邮箱缺失返回TRYCREATE语义", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.handler.Add(AddInput{
			UserID:  f.userID,
			Mailbox: MailboxRef{Path: "no/such/mailbox"},
			Raw:     rawMessage("<x@y>", "hello", ""),
		})
		assert.ErrorIs(t, err, storage.ErrMailboxMissing)

		// 配额没有残留
		user, err := f.store.GetUser(f.userID)
		require.NoError(t, err)
		assert.Zero(t, user.StorageUsed)
	})

	t.Run("重复投递skipExisting跳过", func(t *testing.T) {
		f := newFixture(t)
		mb := f.newMailbox(t, "INBOX", 1, 0)
		raw := rawMessage("<dup@y>", "hello", "")

		first, err := f.handler.Add(AddInput{
			UserID: f.userID, Mailbox: MailboxRef{ID: mb.ID}, Raw: raw,
		})
		require.NoError(t, err)

		second, err := f.handler.Add(AddInput{
			UserID: f.userID, Mailbox: MailboxRef{ID: mb.ID}, Raw: raw, SkipExisting: true,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusSkip, second.Status)
		assert.Equal(t, first.UID, second.UID)

		uids, err := f.store.ListUIDs(mb.ID)
		require.NoError(t, err)
		assert.Len(t, uids, 1)
	})

	t.Run("重复投递换UID保ID", func(t *testing.T) {
		f := newFixture(t)
		mb := f.newMailbox(t, "INBOX", 5, 10)
		raw := rawMessage("<x@y>", "hello", "")

		session := &testSession{id: "sess-1", selected: mb.ID}

		first, err := f.handler.Add(AddInput{
			UserID: f.userID, Mailbox: MailboxRef{ID: mb.ID}, Raw: raw, Session: session,
		})
		require.NoError(t, err)
		assert.Equal(t, uint32(5), first.UID)

		second, err := f.handler.Add(AddInput{
			UserID: f.userID, Mailbox: MailboxRef{ID: mb.ID}, Raw: raw, Session: session,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusUpdate, second.Status)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, uint32(6), second.UID)

		stored, err := f.store.GetMessageByUID(mb.ID, 6)
		require.NoError(t, err)
		assert.Equal(t, first.ID, stored.ID)
		assert.Equal(t, uint64(12), stored.ModSeq)

		after, err := f.store.GetMailbox(mb.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(7), after.UIDNext)
		assert.Equal(t, uint64(12), after.ModifyIndex)

		// 恰好一对 EXPUNGE(旧)+EXISTS(新)
		entries := f.journal(t)
		require.Len(t, entries, 3)
		assert.Equal(t, domain.CommandExists, entries[0].Command)
		assert.Equal(t, domain.CommandExpunge, entries[1].Command)
		assert.Equal(t, uint32(5), entries[1].UID)
		assert.Equal(t, domain.CommandExists, entries[2].Command)
		assert.Equal(t, uint32(6), entries[2].UID)

		// 会话同步看到自己的帧
		assert.Equal(t, []string{"EXISTS 5", "EXPUNGE 5", "EXISTS 6"}, session.frames)
	})

	t.Run("配额随投递增加", func(t *testing.T) {
		f := newFixture(t)
		mb := f.newMailbox(t, "INBOX", 1, 0)
		raw := rawMessage("<q@y>", "hello", "")

		_, err := f.handler.Add(AddInput{UserID: f.userID, Mailbox: MailboxRef{ID: mb.ID}, Raw: raw})
		require.NoError(t, err)

		user, err := f.store.GetUser(f.userID)
		require.NoError(t, err)
		assert.Equal(t, int64(len(raw)), user.StorageUsed)
	})
}

func TestMove(t *testing.T) {
	t.Run("按源UID升序配对移动", func(t *testing.T) {
		f := newFixture(t)
		source := f.newMailbox(t, "INBOX", 10, 20)
		dest := f.newMailbox(t, "Archive", 3, 4)

		f.seedMessage(t, source, 7)
		f.seedMessage(t, source, 9)

		result, err := f.handler.Move(MoveInput{
			UserID:      f.userID,
			Source:      MailboxRef{ID: source.ID},
			Destination: MailboxRef{ID: dest.ID},
			UIDs:        []uint32{9, 7}, // 乱序输入
		})
		require.NoError(t, err)
		assert.Equal(t, []uint32{7, 9}, result.SourceUIDs)
		assert.Equal(t, []uint32{3, 4}, result.DestinationUIDs)
		assert.Equal(t, "moved", result.Status)

		// 源消息已删除
		uids, err := f.store.ListUIDs(source.ID)
		require.NoError(t, err)
		assert.Empty(t, uids)

		// 目标顶点推进
		after, err := f.store.GetMailbox(dest.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(5), after.UIDNext)
		assert.GreaterOrEqual(t, after.ModifyIndex, uint64(5))

		// 日志对按序成对
		entries := f.journal(t)
		require.Len(t, entries, 4)
		assert.Equal(t, domain.CommandExpunge, entries[0].Command)
		assert.Equal(t, uint32(7), entries[0].UID)
		assert.Equal(t, domain.CommandExists, entries[1].Command)
		assert.Equal(t, uint32(3), entries[1].UID)
		assert.Equal(t, domain.CommandExpunge, entries[2].Command)
		assert.Equal(t, uint32(9), entries[2].UID)
		assert.Equal(t, domain.CommandExists, entries[3].Command)
		assert.Equal(t, uint32(4), entries[3].UID)
	})

	t.Run("目标邮箱缺失返回TRYCREATE语义", func(t *testing.T) {
		f := newFixture(t)
		source := f.newMailbox(t, "INBOX", 1, 0)
		f.seedMessage(t, source, 1)

		_, err := f.handler.Move(MoveInput{
			UserID:      f.userID,
			Source:      MailboxRef{ID: source.ID},
			Destination: MailboxRef{Path: "missing"},
			UIDs:        []uint32{1},
		})
		assert.ErrorIs(t, err, storage.ErrMailboxMissing)
	})

	t.Run("移动时应用标志更新", func(t *testing.T) {
		f := newFixture(t)
		source := f.newMailbox(t, "INBOX", 5, 0)
		dest := f.newMailbox(t, "Trash", 1, 0)

		f.seedMessage(t, source, 2)

		seen := true
		deleted := true
		result, err := f.handler.Move(MoveInput{
			UserID:      f.userID,
			Source:      MailboxRef{ID: source.ID},
			Destination: MailboxRef{ID: dest.ID},
			UIDs:        []uint32{2},
			Updates:     &domain.MessageUpdates{Seen: &seen, Deleted: &deleted},
		})
		require.NoError(t, err)
		require.Len(t, result.DestinationUIDs, 1)

		moved, err := f.store.GetMessageByUID(dest.ID, result.DestinationUIDs[0])
		require.NoError(t, err)
		assert.False(t, moved.Unseen)
		assert.False(t, moved.Undeleted)
		assert.True(t, domain.HasFlag(moved.Flags, domain.FlagSeen))
		assert.True(t, domain.HasFlag(moved.Flags, domain.FlagDeleted))
	})
}

func TestUpdate(t *testing.T) {
	t.Run("批量置已读只推进一次MODSEQ", func(t *testing.T) {
		f := newFixture(t)
		mb := f.newMailbox(t, "INBOX", 101, 50)
		for uid := uint32(1); uid <= 100; uid++ {
			f.seedMessage(t, mb, uid)
		}

		seen := true
		result, err := f.handler.Update(UpdateInput{
			UserID:  f.userID,
			Mailbox: MailboxRef{ID: mb.ID},
			From:    1,
			To:      100,
			Updates: domain.MessageUpdates{Seen: &seen},
		})
		require.NoError(t, err)
		assert.Equal(t, 100, result.Updated)
		assert.Equal(t, uint64(51), result.ModifyIndex)

		after, err := f.store.GetMailbox(mb.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(101), after.UIDNext)
		assert.Equal(t, uint64(51), after.ModifyIndex)

		msgs, err := f.store.ListMessagesInRange(mb.ID, 1, 100)
		require.NoError(t, err)
		require.Len(t, msgs, 100)
		for _, msg := range msgs {
			assert.False(t, msg.Unseen)
			assert.Equal(t, uint64(51), msg.ModSeq)
			count := 0
			for _, flag := range msg.Flags {
				if flag == domain.FlagSeen {
					count++
				}
			}
			assert.Equal(t, 1, count, "\\Seen 不应重复")
		}

		// 恰好 100 条 FETCH
		entries := f.journal(t)
		require.Len(t, entries, 100)
		for _, e := range entries {
			assert.Equal(t, domain.CommandFetch, e.Command)
			assert.Equal(t, uint64(51), e.ModSeq)
			assert.True(t, e.UnseenChange)
		}
	})

	t.Run("没有可识别的键时报错", func(t *testing.T) {
		f := newFixture(t)
		mb := f.newMailbox(t, "INBOX", 1, 0)

		_, err := f.handler.Update(UpdateInput{
			UserID:  f.userID,
			Mailbox: MailboxRef{ID: mb.ID},
			From:    1,
		})
		assert.ErrorIs(t, err, ErrNothingChanged)
	})

	t.Run("draft键维护draft列", func(t *testing.T) {
		f := newFixture(t)
		mb := f.newMailbox(t, "Drafts", 2, 0)
		f.seedMessage(t, mb, 1)

		draft := true
		_, err := f.handler.Update(UpdateInput{
			UserID:  f.userID,
			Mailbox: MailboxRef{ID: mb.ID},
			UIDs:    []uint32{1},
			Updates: domain.MessageUpdates{Draft: &draft},
		})
		require.NoError(t, err)

		msg, err := f.store.GetMessageByUID(mb.ID, 1)
		require.NoError(t, err)
		assert.True(t, msg.Draft)
		assert.False(t, msg.Flagged)
		assert.True(t, domain.HasFlag(msg.Flags, domain.FlagDraft))
	})
}

func TestDel(t *testing.T) {
	t.Run("删除是幂等的", func(t *testing.T) {
		f := newFixture(t)
		mb := f.newMailbox(t, "INBOX", 5, 0)
		msg := f.seedMessage(t, mb, 2)
		require.NoError(t, f.store.UpdateStorageUsed(f.userID, msg.Size))

		require.NoError(t, f.handler.Del(DelInput{UserID: f.userID, Message: msg}))
		require.NoError(t, f.handler.Del(DelInput{UserID: f.userID, Message: msg}))

		user, err := f.store.GetUser(f.userID)
		require.NoError(t, err)
		assert.Zero(t, user.StorageUsed, "配额只回退一次")

		entries := f.journal(t)
		require.Len(t, entries, 1)
		assert.Equal(t, domain.CommandExpunge, entries[0].Command)
	})
}

func TestCopy(t *testing.T) {
	t.Run("副本扇出附件引用计数", func(t *testing.T) {
		f := newFixture(t)
		source := f.newMailbox(t, "INBOX", 1, 0)
		dest := f.newMailbox(t, "Archive", 1, 0)

		// 带附件的投递
		raw := []byte("From: bob@example.com\r\n" +
			"To: alice@example.com\r\n" +
			"Subject: attached\r\n" +
			"Message-Id: <att@y>\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: multipart/mixed; boundary=xyz\r\n" +
			"\r\n" +
			"--xyz\r\n" +
			"Content-Type: text/plain\r\n" +
			"\r\n" +
			"body\r\n" +
			"--xyz\r\n" +
			"Content-Type: application/octet-stream\r\n" +
			"Content-Disposition: attachment; filename=\"a.bin\"\r\n" +
			"\r\n" +
			"DATA\r\n" +
			"--xyz--\r\n")

		added, err := f.handler.Add(AddInput{
			UserID: f.userID, Mailbox: MailboxRef{ID: source.ID}, Raw: raw,
		})
		require.NoError(t, err)

		original, err := f.store.GetMessage(source.ID, added.ID)
		require.NoError(t, err)
		require.NotNil(t, original.MimeTree)
		require.Len(t, original.MimeTree.AttachmentMap, 1)

		var hash string
		for _, h := range original.MimeTree.AttachmentMap {
			hash = h
		}
		rec, err := f.store.GetAttachment(hash, original.Magic)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.RefCount)

		result, err := f.handler.Copy(CopyInput{
			UserID:      f.userID,
			Source:      MailboxRef{ID: source.ID},
			Destination: MailboxRef{ID: dest.ID},
			UIDs:        []uint32{original.UID},
		})
		require.NoError(t, err)
		require.Len(t, result.DestinationUIDs, 1)

		rec, err = f.store.GetAttachment(hash, original.Magic)
		require.NoError(t, err)
		assert.Equal(t, int64(2), rec.RefCount)

		// 删除两份后记录回收
		copied, err := f.store.GetMessageByUID(dest.ID, result.DestinationUIDs[0])
		require.NoError(t, err)
		require.NoError(t, f.handler.Del(DelInput{UserID: f.userID, Message: original}))
		require.NoError(t, f.handler.Del(DelInput{UserID: f.userID, Message: copied}))

		_, err = f.store.GetAttachment(hash, original.Magic)
		assert.ErrorIs(t, err, storage.ErrAttachmentNotFound)
	})
}
