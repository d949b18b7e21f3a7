// Package imap 实现线缆层回调的命令钩子对象与会话状态。
// IMAP 协议解析本身由外部接入层完成。
package imap

import (
	"sync"

	"github.com/google/uuid"
)

// Frame 表示写入会话输出流的一条同步帧。
type Frame struct {
	Command string // EXISTS 或 EXPUNGE
	UID     uint32
}

// Session 表示一条 IMAP 连接的服务端状态。
//
// 发起写入的连接通过输出流缓冲在通知器赶上之前
// 观察到自己的变更；接入层负责把帧排空到线缆上。
type Session struct {
	id  string
	tls bool

	mu       sync.Mutex
	userID   string
	selected string // 选中的邮箱 ID，未选中时为空
	frames   []Frame
}

// NewSession 创建会话。
func NewSession(tls bool) *Session {
	return &Session{
		id:  uuid.NewString(),
		tls: tls,
	}
}

// ID 会话标识，用于来源抑制。
func (s *Session) ID() string {
	return s.id
}

// TLS 会话是否处于 TLS 之上。
func (s *Session) TLS() bool {
	return s.tls
}

// SetUser 绑定认证通过的用户。
func (s *Session) SetUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}

// UserID 返回会话绑定的用户。
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Select 记录当前选中的邮箱。
func (s *Session) Select(mailboxID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = mailboxID
}

// SelectedMailbox 当前选中的邮箱 ID，未选中时为空。
func (s *Session) SelectedMailbox() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// WriteExists 向输出流写入 EXISTS 帧。
func (s *Session) WriteExists(uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, Frame{Command: "EXISTS", UID: uid})
}

// WriteExpunge 向输出流写入 EXPUNGE 帧。
func (s *Session) WriteExpunge(uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, Frame{Command: "EXPUNGE", UID: uid})
}

// DrainFrames 取走并清空待发送的帧。
func (s *Session) DrainFrames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.frames
	s.frames = nil
	return frames
}
