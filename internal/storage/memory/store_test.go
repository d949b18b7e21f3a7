package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

func newMailbox(t *testing.T, s *Store, uidNext uint32, modifyIndex uint64) *domain.Mailbox {
	t.Helper()
	mb := &domain.Mailbox{
		ID:          "mb1",
		UserID:      "u1",
		Path:        "INBOX",
		UIDNext:     uidNext,
		ModifyIndex: modifyIndex,
		UIDValidity: 7,
	}
	require.NoError(t, s.CreateMailbox(mb))
	return mb
}

func TestReserveSlot(t *testing.T) {
	t.Run("返回递增后的后像", func(t *testing.T) {
		s := NewStore()
		newMailbox(t, s, 5, 10)

		post, err := s.ReserveSlot("mb1")
		require.NoError(t, err)
		assert.Equal(t, uint32(6), post.UIDNext)
		assert.Equal(t, uint64(11), post.ModifyIndex)
		assert.Equal(t, uint32(7), post.UIDValidity)
	})

	t.Run("记录缺失返回MailboxMissing", func(t *testing.T) {
		s := NewStore()
		_, err := s.ReserveSlot("missing")
		assert.ErrorIs(t, err, storage.ErrMailboxMissing)
	})

	t.Run("并发预留获得互不相同的UID", func(t *testing.T) {
		s := NewStore()
		newMailbox(t, s, 1, 0)

		const workers = 50
		uids := make(chan uint32, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				post, err := s.ReserveSlot("mb1")
				if err == nil {
					uids <- post.UIDNext - 1
				}
			}()
		}
		wg.Wait()
		close(uids)

		seen := make(map[uint32]bool)
		for uid := range uids {
			assert.False(t, seen[uid], "UID 重复: %d", uid)
			seen[uid] = true
		}
		assert.Len(t, seen, workers)

		mb, err := s.GetMailbox("mb1")
		require.NoError(t, err)
		assert.Equal(t, uint32(1+workers), mb.UIDNext)
	})
}

func TestBump(t *testing.T) {
	s := NewStore()
	newMailbox(t, s, 5, 10)

	post, err := s.Bump("mb1")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), post.ModifyIndex)
	assert.Equal(t, uint32(5), post.UIDNext, "Bump 不分配 UID")
}

func TestFindDuplicate(t *testing.T) {
	s := NewStore()
	newMailbox(t, s, 10, 0)

	hdate := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertMessage(&domain.Message{
		ID: "m1", MailboxID: "mb1", UserID: "u1", UID: 3,
		MsgID: "<x@y>", HDate: hdate,
	}))

	t.Run("命中同hdate同msgid", func(t *testing.T) {
		found, err := s.FindDuplicate("mb1", hdate, "<x@y>", 10)
		require.NoError(t, err)
		assert.Equal(t, "m1", found.ID)
	})

	t.Run("uid越界不命中", func(t *testing.T) {
		_, err := s.FindDuplicate("mb1", hdate, "<x@y>", 3)
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	})

	t.Run("msgid不同不命中", func(t *testing.T) {
		_, err := s.FindDuplicate("mb1", hdate, "<other@y>", 10)
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	})
}

func TestMessages(t *testing.T) {
	t.Run("UID列表升序", func(t *testing.T) {
		s := NewStore()
		newMailbox(t, s, 100, 0)
		for _, uid := range []uint32{9, 3, 27, 1} {
			require.NoError(t, s.InsertMessage(&domain.Message{
				ID: string(rune('a' + uid)), MailboxID: "mb1", UserID: "u1", UID: uid,
			}))
		}

		uids, err := s.ListUIDs("mb1")
		require.NoError(t, err)
		assert.Equal(t, []uint32{1, 3, 9, 27}, uids)
	})

	t.Run("删除要求uid匹配", func(t *testing.T) {
		s := NewStore()
		newMailbox(t, s, 10, 0)
		require.NoError(t, s.InsertMessage(&domain.Message{
			ID: "m1", MailboxID: "mb1", UserID: "u1", UID: 2,
		}))

		deleted, err := s.DeleteMessage("mb1", "m1", 9)
		require.NoError(t, err)
		assert.False(t, deleted, "uid 不匹配时不删除")

		deleted, err = s.DeleteMessage("mb1", "m1", 2)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.DeleteMessage("mb1", "m1", 2)
		require.NoError(t, err)
		assert.False(t, deleted, "重复删除是幂等的")
	})

	t.Run("返回的消息是副本", func(t *testing.T) {
		s := NewStore()
		newMailbox(t, s, 10, 0)
		require.NoError(t, s.InsertMessage(&domain.Message{
			ID: "m1", MailboxID: "mb1", UserID: "u1", UID: 1,
			Flags: []string{domain.FlagSeen},
		}))

		got, err := s.GetMessage("mb1", "m1")
		require.NoError(t, err)
		got.Flags[0] = "mutated"

		again, err := s.GetMessage("mb1", "m1")
		require.NoError(t, err)
		assert.Equal(t, domain.FlagSeen, again.Flags[0])
	})
}

func TestAttachments(t *testing.T) {
	t.Run("重复插入累加引用计数", func(t *testing.T) {
		s := NewStore()
		rec := &domain.AttachmentRecord{Hash: "h1", Magic: 42, Data: []byte("x")}
		require.NoError(t, s.UpsertAttachment(rec))
		require.NoError(t, s.UpsertAttachment(rec))

		got, err := s.GetAttachment("h1", 42)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.RefCount)
	})

	t.Run("magic不同则互不相干", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.UpsertAttachment(&domain.AttachmentRecord{Hash: "h1", Magic: 1}))
		require.NoError(t, s.UpsertAttachment(&domain.AttachmentRecord{Hash: "h1", Magic: 2}))

		a, err := s.GetAttachment("h1", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), a.RefCount)
	})

	t.Run("计数归零即回收", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.UpsertAttachment(&domain.AttachmentRecord{Hash: "h1", Magic: 1}))
		require.NoError(t, s.UpsertAttachment(&domain.AttachmentRecord{Hash: "h1", Magic: 1}))

		require.NoError(t, s.DeleteAttachments([]string{"h1"}, 1))
		_, err := s.GetAttachment("h1", 1)
		require.NoError(t, err)

		require.NoError(t, s.DeleteAttachments([]string{"h1"}, 1))
		_, err = s.GetAttachment("h1", 1)
		assert.ErrorIs(t, err, storage.ErrAttachmentNotFound)
	})
}

func TestJournal(t *testing.T) {
	s := NewStore()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.AppendJournal([]*domain.JournalEntry{{
			Seq: i, UserID: "u1", Command: domain.CommandExists,
		}}))
	}

	t.Run("按afterSeq过滤", func(t *testing.T) {
		entries, err := s.ListJournal("u1", 3, 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, int64(4), entries[0].Seq)
		assert.Equal(t, int64(5), entries[1].Seq)
	})

	t.Run("limit截断", func(t *testing.T) {
		entries, err := s.ListJournal("u1", 0, 2)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})
}
