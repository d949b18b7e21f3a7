package imap

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/mailstore"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

// SASL 认证结果错误。接入层据此产出线缆响应。
var (
	// ErrAuthFailed 凭据错误 → NO AUTHENTICATIONFAILED Invalid credentials
	ErrAuthFailed = errors.New("Invalid credentials")
	// ErrAuthBadArgument 令牌格式不合法 → BAD Invalid SASL argument
	ErrAuthBadArgument = errors.New("Invalid SASL argument")
	// ErrAuthNotImplemented 不支持的认证机制
	ErrAuthNotImplemented = errors.New("Unsupported authentication method")
	// ErrAuthRequiresTLS 明文连接上拒绝认证 → BAD Run STARTTLS first
	ErrAuthRequiresTLS = errors.New("Run STARTTLS first")
)

// Handler 是线缆层调用的命令钩子对象。
type Handler struct {
	store       storage.Store
	mail        *mailstore.Handler
	authLimiter *rate.Limiter
	disableTLS  bool // 允许明文认证（仅测试环境）
	log         *zap.Logger
}

// NewHandler 创建命令钩子对象。
func NewHandler(store storage.Store, mail *mailstore.Handler, disableSTARTTLS bool, log *zap.Logger) *Handler {
	return &Handler{
		store:       store,
		mail:        mail,
		authLimiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 20),
		disableTLS:  disableSTARTTLS,
		log:         log,
	}
}

// AuthRequest PLAIN 认证请求。
type AuthRequest struct {
	Method   string
	Username string
	Password string
}

// AuthResult 认证结果。
type AuthResult struct {
	User struct {
		ID       string
		Username string
	}
}

// OnAuth 校验 PLAIN 凭据。只在 TLS 之上（或显式放开时）接受。
func (h *Handler) OnAuth(req AuthRequest, session *Session) (*AuthResult, error) {
	logAuth := func(outcome string) {
		h.log.Info("authentication attempt",
			zap.String("connection", session.ID()),
			zap.String("method", req.Method),
			zap.String("username", req.Username),
			zap.String("outcome", outcome),
		)
	}

	if req.Method != "PLAIN" {
		logAuth("not implemented")
		return nil, ErrAuthNotImplemented
	}
	if !session.TLS() && !h.disableTLS {
		logAuth("requires tls")
		return nil, ErrAuthRequiresTLS
	}
	if !h.authLimiter.Allow() {
		logAuth("throttled")
		return nil, ErrAuthFailed
	}

	user, err := h.store.GetUserByUnameview(domain.NormalizeUsername(req.Username))
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			logAuth("unknown user")
			return nil, ErrAuthFailed
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		logAuth("bad password")
		return nil, ErrAuthFailed
	}

	session.SetUser(user.ID)
	logAuth("success")

	result := &AuthResult{}
	result.User.ID = user.ID
	result.User.Username = user.Username
	return result, nil
}

// MailboxView onOpen 返回的邮箱视图。
type MailboxView struct {
	Mailbox *domain.Mailbox
	UIDList []uint32 // 升序
}

// OnOpen 打开邮箱：返回记录与升序 UID 列表，并记录会话选中态。
func (h *Handler) OnOpen(userID, path string, session *Session) (*MailboxView, error) {
	mb, err := h.store.GetMailboxByPath(userID, path)
	if err != nil {
		return nil, err
	}
	uids, err := h.store.ListUIDs(mb.ID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		session.Select(mb.ID)
	}
	return &MailboxView{Mailbox: mb, UIDList: uids}, nil
}

// CopyRequest onCopy 请求。
type CopyRequest struct {
	Destination string
	Messages    []uint32
}

// OnCopy 复制消息。源邮箱缺失 → ErrMailboxNotFound（NONEXISTENT），
// 目标邮箱缺失 → ErrMailboxMissing（TRYCREATE）。
func (h *Handler) OnCopy(userID, path string, req CopyRequest, session *Session) (*mailstore.CopyResult, error) {
	return h.mail.Copy(mailstore.CopyInput{
		UserID:      userID,
		Source:      mailstore.MailboxRef{Path: path},
		Destination: mailstore.MailboxRef{Path: req.Destination},
		UIDs:        req.Messages,
		Session:     mailSession(session),
	})
}

// mailSession 把 *Session 转为 mailstore.Session；nil 指针转为 nil 接口值。
func mailSession(s *Session) mailstore.Session {
	if s == nil {
		return nil
	}
	return s
}

// OnDelete 删除邮箱：逐条经删除路径清理消息（配额、附件、日志），
// 然后移除邮箱记录。
func (h *Handler) OnDelete(userID, path string, session *Session) error {
	mb, err := h.store.GetMailboxByPath(userID, path)
	if err != nil {
		return err
	}

	msgs, err := h.store.ListMessagesInRange(mb.ID, 0, 0)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := h.mail.Del(mailstore.DelInput{
			UserID:  userID,
			Message: msg,
			Mailbox: mb,
			Session: mailSession(session),
		}); err != nil {
			return err
		}
	}

	if session != nil && session.SelectedMailbox() == mb.ID {
		session.Select("")
	}
	return h.store.DeleteMailbox(mb.ID)
}

// OnUnsubscribe 取消订阅。
func (h *Handler) OnUnsubscribe(userID, path string) error {
	mb, err := h.store.GetMailboxByPath(userID, path)
	if err != nil {
		return err
	}
	return h.store.SetSubscribed(mb.ID, false)
}

// QuotaRoot onGetQuotaRoot 响应。
type QuotaRoot struct {
	Root        string `json:"root"`
	Quota       int64  `json:"quota"`
	StorageUsed int64  `json:"storageUsed"`
}

// OnGetQuotaRoot 返回配额根。已用空间在读取时截断到 0。
func (h *Handler) OnGetQuotaRoot(userID string) (*QuotaRoot, error) {
	user, err := h.store.GetUser(userID)
	if err != nil {
		return nil, err
	}
	return &QuotaRoot{
		Root:        "",
		Quota:       user.Quota,
		StorageUsed: user.StorageUsedClamped(),
	}, nil
}

// ResponseCode 把错误翻译为 IMAP 响应码。
func ResponseCode(err error) string {
	switch {
	case errors.Is(err, storage.ErrMailboxMissing):
		return "TRYCREATE"
	case errors.Is(err, storage.ErrMailboxNotFound):
		return "NONEXISTENT"
	default:
		return ""
	}
}
