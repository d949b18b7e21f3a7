package httptransport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/config"
	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/monitoring"
	"github.com/ArmaGroupHolding/wildduck/internal/notify"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

// EventsHandler 实现 Server-Sent Events 的日志直播端点。
type EventsHandler struct {
	cfg      config.EventsConfig
	store    storage.Store
	notifier *notify.Notifier
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewEventsHandler 创建事件流处理器。
func NewEventsHandler(cfg config.EventsConfig, store storage.Store, notifier *notify.Notifier, metrics *monitoring.Metrics, log *zap.Logger) *EventsHandler {
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 15 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &EventsHandler{cfg: cfg, store: store, notifier: notifier, metrics: metrics, log: log}
}

// Stream 处理 GET /users/:user/updates。
//
// Last-Event-ID 头（或查询参数）指定恢复位置：大于该序号的全部
// 条目按升序重放；每轮排空后为被 EXISTS/EXPUNGE/改变未读状态的
// FETCH 触碰过的邮箱合成一条 COUNTERS 事件；每 15 秒发送一条空闲
// 注释防止代理断连；服务端空闲 30 分钟后关闭。
func (h *EventsHandler) Stream(c *gin.Context) {
	userID := c.Param("user")
	if _, err := h.store.GetUser(userID); err != nil {
		writeError(c, err)
		return
	}

	lastEventID := parseLastEventID(c)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	incoming := make(chan []*domain.JournalEntry, 16)
	clientID := uuid.NewString()
	listenerID := h.notifier.AddListener(clientID, userID, func(entries []*domain.JournalEntry) {
		select {
		case incoming <- entries:
		default:
			// 客户端迟缓时丢弃直推；游标回放会补齐
		}
	})
	defer h.notifier.RemoveListener(userID, listenerID)

	if h.metrics != nil {
		h.metrics.SSEClients.Inc()
		defer h.metrics.SSEClients.Dec()
	}

	// 首轮排空：重放 lastEventId 之后的全部条目
	dirty := make(map[string]bool)
	lastEventID = h.drain(c, userID, lastEventID, dirty)
	h.emitCounters(c, dirty, lastEventID)
	flusher.Flush()

	idleTicker := time.NewTicker(h.cfg.IdleInterval)
	defer idleTicker.Stop()
	idleDeadline := time.NewTimer(h.cfg.IdleTimeout)
	defer idleDeadline.Stop()

	idleCount := 0
	for {
		select {
		case <-c.Request.Context().Done():
			return

		case <-idleDeadline.C:
			// 服务端空闲超时
			return

		case <-incoming:
			// 收到直推后仍按游标排空，保证不漏序
			dirty = make(map[string]bool)
			lastEventID = h.drain(c, userID, lastEventID, dirty)
			h.emitCounters(c, dirty, lastEventID)
			flusher.Flush()
			idleCount = 0
			if !idleDeadline.Stop() {
				select {
				case <-idleDeadline.C:
				default:
				}
			}
			idleDeadline.Reset(h.cfg.IdleTimeout)

		case <-idleTicker.C:
			idleCount++
			fmt.Fprintf(c.Writer, ": idling %d\n\n", idleCount)
			flusher.Flush()
		}
	}
}

// drain 发出序号大于 afterSeq 的全部条目，返回新的游标，
// 并记录需要重算计数的邮箱。
func (h *EventsHandler) drain(c *gin.Context, userID string, afterSeq int64, dirty map[string]bool) int64 {
	entries, err := h.notifier.ListSince(userID, afterSeq, 0)
	if err != nil {
		h.log.Warn("failed to drain journal",
			zap.String("user", userID), zap.Error(err))
		return afterSeq
	}

	for _, e := range entries {
		payload, err := json.Marshal(e.EventPayload())
		if err != nil {
			continue
		}
		fmt.Fprintf(c.Writer, "id: %d\ndata: %s\n\n", e.Seq, payload)
		afterSeq = e.Seq

		switch e.Command {
		case domain.CommandExists, domain.CommandExpunge:
			dirty[e.MailboxID] = true
		case domain.CommandFetch:
			if e.UnseenChange {
				dirty[e.MailboxID] = true
			}
		}
	}
	return afterSeq
}

// emitCounters 为被触碰的邮箱合成 COUNTERS 事件。
func (h *EventsHandler) emitCounters(c *gin.Context, dirty map[string]bool, lastSeq int64) {
	ids := make([]string, 0, len(dirty))
	for id := range dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, mailboxID := range ids {
		total, unseen, err := h.store.CountMessages(mailboxID)
		if err != nil {
			continue
		}
		entry := &domain.JournalEntry{
			MailboxID: mailboxID,
			Command:   domain.CommandCounters,
			Unseen:    unseen,
			Total:     total,
		}
		payload, err := json.Marshal(entry.EventPayload())
		if err != nil {
			continue
		}
		fmt.Fprintf(c.Writer, "id: %d\ndata: %s\n\n", lastSeq, payload)
	}
}

// parseLastEventID 从头部或查询参数解析恢复位置。
func parseLastEventID(c *gin.Context) int64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("lastEventId")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
