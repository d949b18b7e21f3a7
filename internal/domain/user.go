package domain

import (
	"strings"
	"time"
)

// User 表示一个邮件账号。
type User struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Username     string    `json:"username" gorm:"type:varchar(255)"`
	Unameview    string    `json:"-" gorm:"type:varchar(255);uniqueIndex"` // 归一化的登录查找键
	PasswordHash string    `json:"-" gorm:"type:varchar(255)"`
	Quota        int64     `json:"quota"`              // 字节数，0 表示不限
	StorageUsed  int64     `json:"storageUsed"`        // 并发下可能短暂为负，读取时截断到 0
	PubKey       string    `json:"-" gorm:"type:text"` // 可选的加密协作方订阅公钥
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NormalizeUsername 计算用户名的归一化查找键。
// 小写并移除本地部分的点号（点号不参与寻址）。
func NormalizeUsername(username string) string {
	u := strings.ToLower(strings.TrimSpace(username))
	if at := strings.IndexByte(u, '@'); at >= 0 {
		local := strings.ReplaceAll(u[:at], ".", "")
		return local + u[at:]
	}
	return strings.ReplaceAll(u, ".", "")
}

// StorageUsedClamped 返回截断到 0 的已用空间。
func (u *User) StorageUsedClamped() int64 {
	if u.StorageUsed < 0 {
		return 0
	}
	return u.StorageUsed
}
