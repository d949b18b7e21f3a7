package domain

import "time"

// 日志条目命令。
const (
	CommandExists   = "EXISTS"
	CommandExpunge  = "EXPUNGE"
	CommandFetch    = "FETCH"
	CommandCounters = "COUNTERS"
)

// JournalEntry 表示按用户追加的变更日志条目。
//
// 不变式：同一用户的条目按 Seq 全序；从 lastEventId 恢复的消费者
// 恰好看到其后的每一条。
type JournalEntry struct {
	Seq       int64     `json:"_id" gorm:"primaryKey;autoIncrement:false;index:idx_journal_user_seq,priority:2"`
	UserID    string    `json:"user" gorm:"primaryKey;type:varchar(36);index:idx_journal_user_seq,priority:1"`
	MailboxID string    `json:"mailbox" gorm:"type:varchar(36)"`
	Path      string    `json:"path,omitempty" gorm:"type:varchar(255)"`
	Command   string    `json:"command" gorm:"type:varchar(16)"`
	UID       uint32    `json:"uid,omitempty"`
	MessageID string    `json:"message,omitempty" gorm:"type:varchar(36)"`
	ModSeq    uint64    `json:"modseq,omitempty"`
	Unseen    int       `json:"unseen,omitempty"` // COUNTERS 条目携带未读计数
	Total     int       `json:"total,omitempty"`  // COUNTERS 条目携带总计数
	Flags     []string  `json:"flags,omitempty" gorm:"serializer:json"` // FETCH 条目携带新标志
	UnseenChange bool   `json:"unseenChange,omitempty"` // FETCH 是否改变了未读状态
	Ignore    string    `json:"ignore,omitempty" gorm:"type:varchar(64)"` // 来源会话 ID，不向其回放
	Created   time.Time `json:"created"`
}

// EventPayload 构造对外事件流的净荷：剔除内部字段，
// 仅 COUNTERS 条目保留 unseen/total。
func (e *JournalEntry) EventPayload() map[string]interface{} {
	payload := map[string]interface{}{
		"command": e.Command,
		"mailbox": e.MailboxID,
	}
	if e.Path != "" {
		payload["path"] = e.Path
	}
	if e.UID != 0 {
		payload["uid"] = e.UID
	}
	if e.MessageID != "" {
		payload["message"] = e.MessageID
	}
	if len(e.Flags) > 0 {
		payload["flags"] = e.Flags
	}
	if e.Command == CommandCounters {
		payload["unseen"] = e.Unseen
		payload["total"] = e.Total
	}
	return payload
}
