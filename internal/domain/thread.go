package domain

import "time"

// Thread 表示一个会话分组，按 (user, 归一化主题) 聚合，
// 引用 ID 集合随消息加入逐步扩展。
type Thread struct {
	ID      string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID  string    `json:"user" gorm:"type:varchar(36);index:idx_threads_user;not null"`
	Subject string    `json:"subject" gorm:"type:varchar(255)"`
	IDs     []string  `json:"ids" gorm:"serializer:json"` // 引用链哈希集合
	Updated time.Time `json:"updated"`
}
