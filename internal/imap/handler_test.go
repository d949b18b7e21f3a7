package imap

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ArmaGroupHolding/wildduck/internal/attachments"
	"github.com/ArmaGroupHolding/wildduck/internal/counters"
	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/mailstore"
	"github.com/ArmaGroupHolding/wildduck/internal/notify"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
	"github.com/ArmaGroupHolding/wildduck/internal/storage/memory"
	"github.com/ArmaGroupHolding/wildduck/internal/threads"
)

func newTestHandler(t *testing.T, disableTLS bool) (*Handler, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	log := zap.NewNop()
	notifier := notify.NewNotifier(store, counters.NewMemory(), nil, log)
	mail := mailstore.NewHandler(store, attachments.NewStore(store, log), threads.NewResolver(store, log), notifier, log)
	return NewHandler(store, mail, disableTLS, log), store
}

func seedUser(t *testing.T, store *memory.Store, username, password string) *domain.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := &domain.User{
		ID:           "user-" + username,
		Username:     username,
		Unameview:    domain.NormalizeUsername(username),
		PasswordHash: string(hash),
	}
	require.NoError(t, store.CreateUser(user))
	return user
}

func TestDecodeSASLPlain(t *testing.T) {
	t.Run("标准PLAIN令牌", func(t *testing.T) {
		token := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00hunter2"))
		user, pass, err := DecodeSASLPlain(token)
		require.NoError(t, err)
		assert.Equal(t, "alice", user)
		assert.Equal(t, "hunter2", pass)
	})

	t.Run("字节数不合法", func(t *testing.T) {
		_, _, err := DecodeSASLPlain("AAA") // 长度不是 4 的倍数，base64 解码即失败
		assert.ErrorIs(t, err, ErrAuthBadArgument)
	})

	t.Run("非base64", func(t *testing.T) {
		_, _, err := DecodeSASLPlain("!!!not-base64!!!")
		assert.ErrorIs(t, err, ErrAuthBadArgument)
	})
}

func TestOnAuth(t *testing.T) {
	t.Run("TLS之上凭据正确时通过", func(t *testing.T) {
		h, store := newTestHandler(t, false)
		seedUser(t, store, "alice", "hunter2")

		session := NewSession(true)
		result, err := h.OnAuth(AuthRequest{Method: "PLAIN", Username: "alice", Password: "hunter2"}, session)
		require.NoError(t, err)
		assert.Equal(t, "alice", result.User.Username)
		assert.Equal(t, result.User.ID, session.UserID())
	})

	t.Run("明文连接要求先STARTTLS", func(t *testing.T) {
		h, store := newTestHandler(t, false)
		seedUser(t, store, "alice", "hunter2")

		session := NewSession(false)
		_, err := h.OnAuth(AuthRequest{Method: "PLAIN", Username: "alice", Password: "hunter2"}, session)
		assert.ErrorIs(t, err, ErrAuthRequiresTLS)
	})

	t.Run("凭据错误", func(t *testing.T) {
		h, store := newTestHandler(t, false)
		seedUser(t, store, "alice", "hunter2")

		session := NewSession(true)
		_, err := h.OnAuth(AuthRequest{Method: "PLAIN", Username: "alice", Password: "wrong"}, session)
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("未知用户不泄露存在性", func(t *testing.T) {
		h, _ := newTestHandler(t, false)

		session := NewSession(true)
		_, err := h.OnAuth(AuthRequest{Method: "PLAIN", Username: "ghost", Password: "x"}, session)
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("不支持的机制", func(t *testing.T) {
		h, _ := newTestHandler(t, false)

		session := NewSession(true)
		_, err := h.OnAuth(AuthRequest{Method: "LOGIN"}, session)
		assert.ErrorIs(t, err, ErrAuthNotImplemented)
	})
}

func TestOnOpen(t *testing.T) {
	h, store := newTestHandler(t, true)
	user := seedUser(t, store, "alice", "pw")

	mb := &domain.Mailbox{ID: "mb1", UserID: user.ID, Path: "INBOX", UIDNext: 100}
	require.NoError(t, store.CreateMailbox(mb))
	for _, uid := range []uint32{42, 7, 19} {
		require.NoError(t, store.InsertMessage(&domain.Message{
			ID: string(rune('a' + uid)), MailboxID: "mb1", UserID: user.ID, UID: uid,
		}))
	}

	session := NewSession(true)
	view, err := h.OnOpen(user.ID, "INBOX", session)
	require.NoError(t, err)
	assert.Equal(t, []uint32{7, 19, 42}, view.UIDList, "uidList 升序")
	assert.Equal(t, "mb1", session.SelectedMailbox())
}

func TestOnCopy(t *testing.T) {
	h, store := newTestHandler(t, true)
	user := seedUser(t, store, "alice", "pw")

	require.NoError(t, store.CreateMailbox(&domain.Mailbox{
		ID: "src", UserID: user.ID, Path: "INBOX", UIDNext: 10,
	}))
	require.NoError(t, store.InsertMessage(&domain.Message{
		ID: "m1", MailboxID: "src", UserID: user.ID, UID: 3,
	}))

	t.Run("目标缺失返回TRYCREATE", func(t *testing.T) {
		_, err := h.OnCopy(user.ID, "INBOX", CopyRequest{Destination: "missing", Messages: []uint32{3}}, nil)
		assert.ErrorIs(t, err, storage.ErrMailboxMissing)
		assert.Equal(t, "TRYCREATE", ResponseCode(err))
	})

	t.Run("源缺失返回NONEXISTENT", func(t *testing.T) {
		_, err := h.OnCopy(user.ID, "nope", CopyRequest{Destination: "INBOX"}, nil)
		assert.ErrorIs(t, err, storage.ErrMailboxNotFound)
		assert.Equal(t, "NONEXISTENT", ResponseCode(err))
	})

	t.Run("复制返回配对的UID列表", func(t *testing.T) {
		require.NoError(t, store.CreateMailbox(&domain.Mailbox{
			ID: "dst", UserID: user.ID, Path: "Archive", UIDNext: 1,
		}))

		result, err := h.OnCopy(user.ID, "INBOX", CopyRequest{Destination: "Archive", Messages: []uint32{3}}, nil)
		require.NoError(t, err)
		assert.Equal(t, []uint32{3}, result.SourceUIDs)
		assert.Equal(t, []uint32{1}, result.DestinationUIDs)
	})
}

func TestOnGetQuotaRoot(t *testing.T) {
	h, store := newTestHandler(t, true)
	user := seedUser(t, store, "alice", "pw")
	user.Quota = 1024

	t.Run("负的已用空间截断到0", func(t *testing.T) {
		require.NoError(t, store.UpdateStorageUsed(user.ID, -500))

		quota, err := h.OnGetQuotaRoot(user.ID)
		require.NoError(t, err)
		assert.Equal(t, "", quota.Root)
		assert.Zero(t, quota.StorageUsed)
	})
}

func TestOnUnsubscribe(t *testing.T) {
	h, store := newTestHandler(t, true)
	user := seedUser(t, store, "alice", "pw")
	require.NoError(t, store.CreateMailbox(&domain.Mailbox{
		ID: "mb1", UserID: user.ID, Path: "INBOX", Subscribed: true,
	}))

	require.NoError(t, h.OnUnsubscribe(user.ID, "INBOX"))

	mb, err := store.GetMailbox("mb1")
	require.NoError(t, err)
	assert.False(t, mb.Subscribed)
}

func TestOnDelete(t *testing.T) {
	h, store := newTestHandler(t, true)
	user := seedUser(t, store, "alice", "pw")
	require.NoError(t, store.CreateMailbox(&domain.Mailbox{
		ID: "mb1", UserID: user.ID, Path: "Trash", UIDNext: 10,
	}))
	require.NoError(t, store.InsertMessage(&domain.Message{
		ID: "m1", MailboxID: "mb1", UserID: user.ID, UID: 1, Size: 100,
	}))
	require.NoError(t, store.UpdateStorageUsed(user.ID, 100))

	require.NoError(t, h.OnDelete(user.ID, "Trash", nil))

	_, err := store.GetMailboxByPath(user.ID, "Trash")
	assert.ErrorIs(t, err, storage.ErrMailboxNotFound)

	u, err := store.GetUser(user.ID)
	require.NoError(t, err)
	assert.Zero(t, u.StorageUsed, "级联删除回退配额")
}
