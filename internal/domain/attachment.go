package domain

// Attachment 表示解析阶段剥离出的一个附件体（尚未入库）。
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Hash        string `json:"hash"` // 内容哈希，作为存储键
	Size        int64  `json:"size"`
	Content     []byte `json:"-"`
}

// AttachmentRecord 表示附件存储中的一条记录，按 (hash, magic) 唯一。
//
// 不变式：记录存在当且仅当 RefCount > 0。每条引用该附件的消息
// 为其贡献一次引用计数。
type AttachmentRecord struct {
	Hash        string `json:"hash" gorm:"primaryKey;type:varchar(64)"`
	Magic       int32  `json:"magic" gorm:"primaryKey"`
	ContentType string `json:"contentType" gorm:"type:varchar(255)"`
	Size        int64  `json:"size"`
	Data        []byte `json:"-" gorm:"type:bytea"`
	RefCount    int64  `json:"refCount"`
}
