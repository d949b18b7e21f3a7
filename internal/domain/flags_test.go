package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageUpdates(t *testing.T) {
	boolPtr := func(b bool) *bool { return &b }

	t.Run("置已读维护标志与布尔列", func(t *testing.T) {
		msg := &Message{Unseen: true, Undeleted: true}
		changed := MessageUpdates{Seen: boolPtr(true)}.Apply(msg)

		assert.True(t, changed)
		assert.False(t, msg.Unseen)
		assert.True(t, HasFlag(msg.Flags, FlagSeen))
	})

	t.Run("已是目标状态时无变化", func(t *testing.T) {
		msg := &Message{Unseen: false, Flags: []string{FlagSeen}}
		changed := MessageUpdates{Seen: boolPtr(true)}.Apply(msg)

		assert.False(t, changed)
		count := 0
		for _, f := range msg.Flags {
			if f == FlagSeen {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("取消删除标志", func(t *testing.T) {
		msg := &Message{Undeleted: false, Flags: []string{FlagDeleted}}
		changed := MessageUpdates{Deleted: boolPtr(false)}.Apply(msg)

		assert.True(t, changed)
		assert.True(t, msg.Undeleted)
		assert.False(t, HasFlag(msg.Flags, FlagDeleted))
	})

	t.Run("expires设置与清除", func(t *testing.T) {
		at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		msg := &Message{}

		MessageUpdates{Expires: &at, ExpiresSet: true}.Apply(msg)
		assert.True(t, msg.Exp)
		assert.Equal(t, at, *msg.RDate)

		MessageUpdates{ExpiresSet: true}.Apply(msg)
		assert.False(t, msg.Exp)
		assert.Nil(t, msg.RDate)
	})

	t.Run("Empty判定", func(t *testing.T) {
		assert.True(t, MessageUpdates{}.Empty())
		assert.False(t, MessageUpdates{Seen: boolPtr(false)}.Empty())
		assert.False(t, MessageUpdates{ExpiresSet: true}.Empty())
	})
}

func TestSyncFlagColumns(t *testing.T) {
	msg := &Message{Flags: []string{FlagSeen, FlagFlagged}}
	SyncFlagColumns(msg)

	assert.False(t, msg.Unseen)
	assert.True(t, msg.Flagged)
	assert.True(t, msg.Undeleted)
	assert.False(t, msg.Draft)
}

func TestNormalizeUsername(t *testing.T) {
	cases := map[string]string{
		"Alice":               "alice",
		"First.Last@Some.Com": "firstlast@some.com",
		"a.b.c":               "abc",
	}
	for input, want := range cases {
		assert.Equal(t, want, NormalizeUsername(input))
	}
}
