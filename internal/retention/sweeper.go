// Package retention 周期清理到期消息：rdate 不晚于当前时间的
// 消息经正常删除路径移除，日志与通知照常产出。
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ArmaGroupHolding/wildduck/internal/mailstore"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

// Sweeper 到期清理任务。
type Sweeper struct {
	store     storage.Store
	mail      *mailstore.Handler
	interval  time.Duration
	batchSize int
	log       *zap.Logger
}

// NewSweeper 创建清理任务。interval 为 0 时 Run 直接返回。
func NewSweeper(store storage.Store, mail *mailstore.Handler, interval time.Duration, batchSize int, log *zap.Logger) *Sweeper {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Sweeper{
		store:     store,
		mail:      mail,
		interval:  interval,
		batchSize: batchSize,
		log:       log,
	}
}

// Run 周期执行清理直到上下文取消。
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("retention sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("retention sweeper stopped")
			return nil
		case <-ticker.C:
			if count, err := s.SweepOnce(ctx); err != nil {
				s.log.Error("retention sweep failed", zap.Error(err))
			} else if count > 0 {
				s.log.Info("expired messages removed", zap.Int("count", count))
			}
		}
	}
}

// SweepOnce 清理一轮到期消息，返回删除数量。
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpired(time.Now().UTC(), s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	group, _ := errgroup.WithContext(ctx)
	group.SetLimit(4)

	for _, msg := range expired {
		msg := msg
		group.Go(func() error {
			return s.mail.Del(mailstore.DelInput{
				UserID:  msg.UserID,
				Message: msg,
			})
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}
	return len(expired), nil
}
