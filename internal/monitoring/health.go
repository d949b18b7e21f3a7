package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

// Pinger 可选的外部依赖探活接口（如 Redis）。
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查。
type HealthChecker struct {
	handler healthcheck.Handler
	log     *zap.Logger
}

// NewHealthChecker 创建健康检查器：存活检查关注协程数，
// 就绪检查探测存储与可选的 Redis。
func NewHealthChecker(store storage.Store, redis Pinger, log *zap.Logger) *HealthChecker {
	h := healthcheck.NewHandler()

	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(2000))

	h.AddReadinessCheck("store", func() error {
		return store.Health()
	})
	if redis != nil {
		h.AddReadinessCheck("redis", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redis.Ping(ctx)
		})
	}

	return &HealthChecker{handler: h, log: log}
}

// LiveHandler 存活检查端点。
func (h *HealthChecker) LiveHandler() http.Handler {
	return http.HandlerFunc(h.handler.LiveEndpoint)
}

// ReadyHandler 就绪检查端点。
func (h *HealthChecker) ReadyHandler() http.Handler {
	return http.HandlerFunc(h.handler.ReadyEndpoint)
}
