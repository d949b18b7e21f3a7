package domain

import "time"

// Address 表示信封中的一个地址。
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Envelope 表示 IMAP ENVELOPE 结构的投影。
type Envelope struct {
	Date      time.Time `json:"date"`
	Subject   string    `json:"subject"`
	From      []Address `json:"from,omitempty"`
	Sender    []Address `json:"sender,omitempty"`
	ReplyTo   []Address `json:"replyTo,omitempty"`
	To        []Address `json:"to,omitempty"`
	Cc        []Address `json:"cc,omitempty"`
	Bcc       []Address `json:"bcc,omitempty"`
	InReplyTo string    `json:"inReplyTo,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
}

// Header 表示一条索引头部投影（键已小写，值已截断）。
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MimeNode 表示解析后 MIME 树中的一个节点。
type MimeNode struct {
	ContentType string      `json:"contentType"`
	Charset     string      `json:"charset,omitempty"`
	Encoding    string      `json:"encoding,omitempty"`
	Disposition string      `json:"disposition,omitempty"`
	Filename    string      `json:"filename,omitempty"`
	Size        int64       `json:"size"`
	AttachmentID string     `json:"attachmentId,omitempty"` // 非空表示该节点体被剥离到附件存储
	Children    []*MimeNode `json:"children,omitempty"`
}

// MimeTree 表示一封消息的解析结果骨架。
// AttachmentMap 将附件 ID 映射到内容哈希（存储键）。
type MimeTree struct {
	Root          *MimeNode         `json:"root,omitempty"`
	AttachmentMap map[string]string `json:"attachmentMap,omitempty"`
}

// Message 表示邮箱内的一封消息，按 (mailbox, uid) 唯一。
type Message struct {
	ID        string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	RootID    string `json:"root" gorm:"type:varchar(36)"` // 跨副本的祖先 ID，原件等于自身 ID
	MailboxID string `json:"mailbox" gorm:"type:varchar(36);uniqueIndex:idx_messages_mailbox_uid;index:idx_messages_dup,priority:1;not null"`
	UserID    string `json:"user" gorm:"type:varchar(36);index;not null"`
	UID       uint32 `json:"uid" gorm:"uniqueIndex:idx_messages_mailbox_uid"`
	ModSeq    uint64 `json:"modseq"`
	ThreadID  string `json:"thread" gorm:"type:varchar(36);index"`

	Flags []string `json:"flags" gorm:"serializer:json"`
	// 标志的布尔索引列，便于按列检索
	Unseen    bool `json:"unseen" gorm:"index"`
	Flagged   bool `json:"flagged"`
	Undeleted bool `json:"undeleted"`
	Draft     bool `json:"draft"`

	Size  int64     `json:"size"`
	IDate time.Time `json:"idate"` // 内部接收时间
	HDate time.Time `json:"hdate" gorm:"index:idx_messages_dup,priority:2"` // Date: 头，缺失时回退 IDate
	MsgID string    `json:"msgid" gorm:"type:varchar(998);index:idx_messages_dup,priority:3"`

	Envelope      *Envelope `json:"envelope,omitempty" gorm:"serializer:json"`
	BodyStructure string    `json:"bodystructure,omitempty" gorm:"type:text"`
	MimeTree      *MimeTree `json:"mimeTree,omitempty" gorm:"serializer:json"`
	Headers       []Header  `json:"headers,omitempty" gorm:"serializer:json"`

	Intro string   `json:"intro,omitempty" gorm:"type:varchar(160)"`
	Text  string   `json:"text,omitempty" gorm:"type:text"`
	HTML  []string `json:"html,omitempty" gorm:"serializer:json"`

	Magic      int32      `json:"magic"` // 每次投递的附件引用计数桶盐值
	Searchable bool       `json:"searchable"`
	Junk       bool       `json:"junk"`
	Exp        bool       `json:"exp"`             // 保留期开关
	RDate      *time.Time `json:"rdate,omitempty"` // 到期时间
}

// AttachmentIDs 返回消息 MIME 树引用的全部附件 ID。
func (m *Message) AttachmentIDs() []string {
	if m.MimeTree == nil || len(m.MimeTree.AttachmentMap) == 0 {
		return nil
	}
	ids := make([]string, 0, len(m.MimeTree.AttachmentMap))
	for id := range m.MimeTree.AttachmentMap {
		ids = append(ids, id)
	}
	return ids
}
