package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/counters"
	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/storage/memory"
)

// collector 收集投递到监听器的条目。
type collector struct {
	mu      sync.Mutex
	entries []*domain.JournalEntry
}

func (c *collector) fn(entries []*domain.JournalEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entries...)
}

func (c *collector) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Command)
	}
	return out
}

func newTestNotifier(t *testing.T) (*Notifier, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewNotifier(store, counters.NewMemory(), nil, zap.NewNop()), store
}

func TestAddEntries(t *testing.T) {
	t.Run("序号同一用户内严格递增", func(t *testing.T) {
		n, store := newTestNotifier(t)

		for i := 0; i < 5; i++ {
			require.NoError(t, n.AddEntries("u1", &domain.JournalEntry{
				MailboxID: "mb1",
				Command:   domain.CommandExists,
				UID:       uint32(i + 1),
			}))
		}

		entries, err := store.ListJournal("u1", 0, 0)
		require.NoError(t, err)
		require.Len(t, entries, 5)

		var last int64
		for _, e := range entries {
			assert.Greater(t, e.Seq, last)
			last = e.Seq
			assert.Equal(t, "u1", e.UserID)
			assert.False(t, e.Created.IsZero())
		}
	})

	t.Run("不同用户的序号互不影响", func(t *testing.T) {
		n, _ := newTestNotifier(t)

		require.NoError(t, n.AddEntries("a", &domain.JournalEntry{Command: domain.CommandExists}))
		require.NoError(t, n.AddEntries("b", &domain.JournalEntry{Command: domain.CommandExists}))

		assert.Equal(t, int64(1), n.LastSeq("a"))
		assert.Equal(t, int64(1), n.LastSeq("b"))
	})
}

func TestFire(t *testing.T) {
	t.Run("监听器按日志顺序收到条目", func(t *testing.T) {
		n, _ := newTestNotifier(t)

		col := &collector{}
		n.AddListener("sess-a", "u1", col.fn)

		require.NoError(t, n.AddEntries("u1",
			&domain.JournalEntry{Command: domain.CommandExists, UID: 1},
			&domain.JournalEntry{Command: domain.CommandFetch, UID: 1},
			&domain.JournalEntry{Command: domain.CommandExpunge, UID: 1},
		))
		n.Fire("u1", "INBOX")

		assert.Equal(t, []string{
			domain.CommandExists,
			domain.CommandFetch,
			domain.CommandExpunge,
		}, col.commands())
	})

	t.Run("来源抑制只对发起会话生效", func(t *testing.T) {
		n, _ := newTestNotifier(t)

		origin := &collector{}
		other := &collector{}
		n.AddListener("sess-origin", "u1", origin.fn)
		n.AddListener("sess-other", "u1", other.fn)

		require.NoError(t, n.AddEntries("u1", &domain.JournalEntry{
			Command: domain.CommandExists,
			UID:     7,
			Ignore:  "sess-origin",
		}))
		n.Fire("u1", "INBOX")

		assert.Empty(t, origin.commands(), "发起会话不应重复收到自己的事件")
		assert.Equal(t, []string{domain.CommandExists}, other.commands())
	})

	t.Run("游标避免重复投递", func(t *testing.T) {
		n, _ := newTestNotifier(t)

		col := &collector{}
		n.AddListener("sess-a", "u1", col.fn)

		require.NoError(t, n.AddEntries("u1", &domain.JournalEntry{Command: domain.CommandExists, UID: 1}))
		n.Fire("u1", "INBOX")
		n.Fire("u1", "INBOX") // 再次触发不重复投递

		assert.Len(t, col.commands(), 1)
	})

	t.Run("监听器只从注册时的尾部开始", func(t *testing.T) {
		n, _ := newTestNotifier(t)

		require.NoError(t, n.AddEntries("u1", &domain.JournalEntry{Command: domain.CommandExists, UID: 1}))

		col := &collector{}
		n.AddListener("sess-late", "u1", col.fn)

		require.NoError(t, n.AddEntries("u1", &domain.JournalEntry{Command: domain.CommandExpunge, UID: 1}))
		n.Fire("u1", "INBOX")

		assert.Equal(t, []string{domain.CommandExpunge}, col.commands())
	})
}

func TestRemoveListener(t *testing.T) {
	n, _ := newTestNotifier(t)

	col := &collector{}
	id := n.AddListener("sess-a", "u1", col.fn)
	n.RemoveListener("u1", id)

	require.NoError(t, n.AddEntries("u1", &domain.JournalEntry{Command: domain.CommandExists}))
	n.Fire("u1", "INBOX")

	assert.Empty(t, col.commands())
}
