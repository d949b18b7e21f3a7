package domain

import "time"

// IMAP 系统标志。自定义标志原样保存在 Message.Flags 中。
const (
	FlagSeen    = "\\Seen"
	FlagDeleted = "\\Deleted"
	FlagFlagged = "\\Flagged"
	FlagDraft   = "\\Draft"
)

// HasFlag 判断标志集合中是否包含指定标志。
func HasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

// AddFlag 向标志集合添加标志（去重）。
func AddFlag(flags []string, flag string) []string {
	if HasFlag(flags, flag) {
		return flags
	}
	return append(flags, flag)
}

// RemoveFlag 从标志集合移除标志。
func RemoveFlag(flags []string, flag string) []string {
	out := flags[:0]
	for _, f := range flags {
		if f != flag {
			out = append(out, f)
		}
	}
	return out
}

// MessageUpdates 描述一次标志/过期时间变更请求。
//
// 指针为 nil 表示对应键未出现在请求中。expires 键允许显式置空：
// ExpiresSet 为 true 且 Expires 为 nil 表示关闭过期。
type MessageUpdates struct {
	Seen       *bool
	Deleted    *bool
	Flagged    *bool
	Draft      *bool
	Expires    *time.Time
	ExpiresSet bool
}

// Empty 判断请求中是否没有任何可识别的键。
func (u MessageUpdates) Empty() bool {
	return u.Seen == nil && u.Deleted == nil && u.Flagged == nil && u.Draft == nil && !u.ExpiresSet
}

// Apply 将变更应用到消息上，同步维护标志集合与布尔索引列。
// 返回是否发生了实际变化。
func (u MessageUpdates) Apply(m *Message) bool {
	changed := false

	if u.Seen != nil && *u.Seen == m.Unseen {
		m.Unseen = !*u.Seen
		if *u.Seen {
			m.Flags = AddFlag(m.Flags, FlagSeen)
		} else {
			m.Flags = RemoveFlag(m.Flags, FlagSeen)
		}
		changed = true
	}

	if u.Deleted != nil && *u.Deleted == m.Undeleted {
		m.Undeleted = !*u.Deleted
		if *u.Deleted {
			m.Flags = AddFlag(m.Flags, FlagDeleted)
		} else {
			m.Flags = RemoveFlag(m.Flags, FlagDeleted)
		}
		changed = true
	}

	if u.Flagged != nil && *u.Flagged != m.Flagged {
		m.Flagged = *u.Flagged
		if *u.Flagged {
			m.Flags = AddFlag(m.Flags, FlagFlagged)
		} else {
			m.Flags = RemoveFlag(m.Flags, FlagFlagged)
		}
		changed = true
	}

	if u.Draft != nil && *u.Draft != m.Draft {
		m.Draft = *u.Draft
		if *u.Draft {
			m.Flags = AddFlag(m.Flags, FlagDraft)
		} else {
			m.Flags = RemoveFlag(m.Flags, FlagDraft)
		}
		changed = true
	}

	if u.ExpiresSet {
		if u.Expires != nil {
			m.Exp = true
			rdate := *u.Expires
			m.RDate = &rdate
		} else {
			m.Exp = false
			m.RDate = nil
		}
		changed = true
	}

	return changed
}

// SyncFlagColumns 根据标志集合重建布尔索引列。
func SyncFlagColumns(m *Message) {
	m.Unseen = !HasFlag(m.Flags, FlagSeen)
	m.Undeleted = !HasFlag(m.Flags, FlagDeleted)
	m.Flagged = HasFlag(m.Flags, FlagFlagged)
	m.Draft = HasFlag(m.Flags, FlagDraft)
}
