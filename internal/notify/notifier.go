// Package notify 负责变更日志的持久化追加与向所有相关会话的扇出：
// 进程内监听器直接投递，跨进程监听器通过总线唤醒后回放日志。
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/counters"
	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/pool"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

// Bus 跨进程唤醒总线。Publish 只携带轻量唤醒，不携带数据。
type Bus interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func())
}

// ListenerFunc 进程内监听器回调，按日志顺序接收条目。
type ListenerFunc func(entries []*domain.JournalEntry)

type listener struct {
	id        string
	sessionID string
	fn        ListenerFunc
	lastSeq   int64
}

// Notifier 变更通知服务。
type Notifier struct {
	journal  storage.JournalRepository
	counters counters.Service
	bus      Bus // 可为 nil（单进程部署）
	workers  *pool.WorkerPool
	log      *zap.Logger

	mu        sync.RWMutex
	listeners map[string]map[string]*listener // userID -> listenerID -> listener
}

// NewNotifier 创建通知服务。bus 为 nil 时只做进程内扇出。
func NewNotifier(journal storage.JournalRepository, cs counters.Service, bus Bus, log *zap.Logger) *Notifier {
	n := &Notifier{
		journal:   journal,
		counters:  cs,
		bus:       bus,
		workers:   pool.NewWorkerPool(4, 256),
		log:       log,
		listeners: make(map[string]map[string]*listener),
	}
	return n
}

// Run 启动后台协程：工作池与总线订阅。
func (n *Notifier) Run(ctx context.Context) {
	n.workers.Start(ctx)

	if n.bus == nil {
		return
	}
	pokes, cancel := n.bus.Subscribe(ctx, busChannel)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case userID, ok := <-pokes:
				if !ok {
					return
				}
				n.deliver(userID)
			}
		}
	}()
}

const busChannel = "wildduck:events"

func seqKey(userID string) string {
	return "journal:" + userID
}

// AddEntries 为条目分配同一用户内严格递增的序号并持久化。
// 序号分配与持久化次序保证消费者按序号回放即按插入序回放。
func (n *Notifier) AddEntries(userID string, entries ...*domain.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}

	ctx := context.Background()
	now := time.Now().UTC()
	for _, e := range entries {
		seq, err := n.counters.Next(ctx, seqKey(userID), 0)
		if err != nil {
			return fmt.Errorf("allocate journal seq: %w", err)
		}
		e.Seq = seq
		e.UserID = userID
		if e.Created.IsZero() {
			e.Created = now
		}
	}

	return n.journal.AppendJournal(entries)
}

// Fire 发布唤醒：进程内监听器同步投递，总线唤醒异步发布。
// 通知失败只记录日志，不向调用方冒泡——状态变更此刻已经发生。
func (n *Notifier) Fire(userID, path string) {
	n.deliver(userID)

	if n.bus != nil {
		user := userID
		n.workers.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := n.bus.Publish(ctx, busChannel, user); err != nil {
				n.log.Warn("failed to publish poke",
					zap.String("user", user),
					zap.String("path", path),
					zap.Error(err))
			}
		})
	}
}

// deliver 把每个监听器游标之后的条目按序投递，遵守来源抑制。
func (n *Notifier) deliver(userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, l := range n.listeners[userID] {
		entries, err := n.journal.ListJournal(userID, l.lastSeq, 0)
		if err != nil {
			n.log.Warn("failed to tail journal",
				zap.String("user", userID),
				zap.Error(err))
			continue
		}
		if len(entries) == 0 {
			continue
		}
		l.lastSeq = entries[len(entries)-1].Seq

		filtered := entries[:0]
		for _, e := range entries {
			if e.Ignore != "" && e.Ignore == l.sessionID {
				continue
			}
			filtered = append(filtered, e)
		}
		if len(filtered) > 0 {
			l.fn(filtered)
		}
	}
}

// AddListener 注册会话范围的监听器，返回监听器 ID。
// 游标从当前日志尾开始，历史条目通过事件流端点回放。
func (n *Notifier) AddListener(sessionID, userID string, fn ListenerFunc) string {
	cur, err := n.counters.Current(context.Background(), seqKey(userID))
	if err != nil {
		cur = 0
	}

	l := &listener{
		id:        uuid.NewString(),
		sessionID: sessionID,
		fn:        fn,
		lastSeq:   cur,
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.listeners[userID] == nil {
		n.listeners[userID] = make(map[string]*listener)
	}
	n.listeners[userID][l.id] = l
	return l.id
}

// RemoveListener 注销监听器。
func (n *Notifier) RemoveListener(userID, listenerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if m := n.listeners[userID]; m != nil {
		delete(m, listenerID)
		if len(m) == 0 {
			delete(n.listeners, userID)
		}
	}
}

// LastSeq 返回某用户当前的日志尾序号。
func (n *Notifier) LastSeq(userID string) int64 {
	cur, err := n.counters.Current(context.Background(), seqKey(userID))
	if err != nil {
		return 0
	}
	return cur
}

// ListSince 返回某用户序号大于 afterSeq 的日志条目。
func (n *Notifier) ListSince(userID string, afterSeq int64, limit int) ([]*domain.JournalEntry, error) {
	return n.journal.ListJournal(userID, afterSeq, limit)
}
