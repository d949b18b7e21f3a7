// Package smtp 实现入站投递接入层：外部投递方经 SMTP 把消息
// 交给消息处理器，落入收件人的收件箱。
package smtp

import (
	"errors"
	"io"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/mailstore"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

// Backend SMTP 服务后端。
type Backend struct {
	store           storage.Store
	mail            *mailstore.Handler
	maxMessageBytes int64
	log             *zap.Logger
}

// NewBackend 创建 SMTP 后端。
func NewBackend(store storage.Store, mail *mailstore.Handler, maxMessageBytes int64, log *zap.Logger) *Backend {
	if maxMessageBytes <= 0 {
		maxMessageBytes = 32 * 1024 * 1024
	}
	return &Backend{store: store, mail: mail, maxMessageBytes: maxMessageBytes, log: log}
}

// NewSession 为一条连接创建会话。
func (b *Backend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	return &session{backend: b}, nil
}

// session 一条 SMTP 连接的投递状态。
type session struct {
	backend *Backend
	from    string
	rcpts   []string
}

// Mail 记录发件人。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt 校验收件人存在后记录。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if _, err := s.backend.store.GetUserByUnameview(domain.NormalizeUsername(to)); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return &gosmtp.SMTPError{Code: 550, EnhancedCode: gosmtp.EnhancedCode{5, 1, 1}, Message: "No such user"}
		}
		return err
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

// Data 接收消息体并逐收件人投递到收件箱。
// 同一收件人的重复投递由去重探测跳过。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(r, s.backend.maxMessageBytes+1))
	if err != nil {
		return err
	}
	if int64(len(raw)) > s.backend.maxMessageBytes {
		return &gosmtp.SMTPError{Code: 552, EnhancedCode: gosmtp.EnhancedCode{5, 3, 4}, Message: "Message too large"}
	}

	for _, rcpt := range s.rcpts {
		user, err := s.backend.store.GetUserByUnameview(domain.NormalizeUsername(rcpt))
		if err != nil {
			continue
		}

		result, err := s.backend.mail.Add(mailstore.AddInput{
			UserID:       user.ID,
			Mailbox:      mailstore.MailboxRef{SpecialUse: domain.SpecialUseInbox},
			Raw:          raw,
			SkipExisting: true,
		})
		if err != nil {
			s.backend.log.Error("delivery failed",
				zap.String("rcpt", rcpt),
				zap.String("from", s.from),
				zap.Error(err))
			return &gosmtp.SMTPError{Code: 451, EnhancedCode: gosmtp.EnhancedCode{4, 3, 0}, Message: "Temporary delivery failure"}
		}

		s.backend.log.Info("message delivered",
			zap.String("rcpt", rcpt),
			zap.String("from", s.from),
			zap.Uint32("uid", result.UID),
			zap.String("status", result.Status))
	}
	return nil
}

// Reset 重置会话状态。
func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

// Logout 结束会话。
func (s *session) Logout() error {
	return nil
}
