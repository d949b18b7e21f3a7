package domain

import "time"

// SpecialUse 表示邮箱的特殊用途标记（RFC 6154）。
type SpecialUse string

const (
	SpecialUseNone    SpecialUse = ""
	SpecialUseInbox   SpecialUse = "\\Inbox"
	SpecialUseSent    SpecialUse = "\\Sent"
	SpecialUseDrafts  SpecialUse = "\\Drafts"
	SpecialUseJunk    SpecialUse = "\\Junk"
	SpecialUseTrash   SpecialUse = "\\Trash"
	SpecialUseArchive SpecialUse = "\\Archive"
)

// Mailbox 表示一个用户邮箱（文件夹）。
//
// 不变式：任意消息 M 满足 M.UID < UIDNext 且 M.ModSeq <= ModifyIndex；
// UIDNext 与 ModifyIndex 只增不减；UIDValidity 创建后不再变化。
type Mailbox struct {
	ID          string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID      string        `json:"user" gorm:"type:varchar(36);uniqueIndex:idx_mailboxes_user_path;not null"`
	Path        string        `json:"path" gorm:"type:varchar(255);uniqueIndex:idx_mailboxes_user_path;not null"`
	SpecialUse  SpecialUse    `json:"specialUse,omitempty" gorm:"type:varchar(16)"`
	Subscribed  bool          `json:"subscribed" gorm:"default:true"`
	UIDValidity uint32        `json:"uidValidity"`
	UIDNext     uint32        `json:"uidNext"`
	ModifyIndex uint64        `json:"modifyIndex"`
	Retention   time.Duration `json:"retention"` // 0 表示关闭
	CreatedAt   time.Time     `json:"createdAt"`
}

// SearchableIn 判断投递到该邮箱的消息默认是否参与搜索。
// Junk 与 Trash 中的消息不参与。
func (m *Mailbox) SearchableIn() bool {
	return m.SpecialUse != SpecialUseJunk && m.SpecialUse != SpecialUseTrash
}

// JunkIn 判断投递到该邮箱的消息是否标记为垃圾。
func (m *Mailbox) JunkIn() bool {
	return m.SpecialUse == SpecialUseJunk
}
