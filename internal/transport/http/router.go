// Package httptransport 提供 HTTP 接入层：事件流端点、配额查询与健康检查。
package httptransport

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/config"
	"github.com/ArmaGroupHolding/wildduck/internal/imap"
	"github.com/ArmaGroupHolding/wildduck/internal/monitoring"
	"github.com/ArmaGroupHolding/wildduck/internal/notify"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
	"github.com/ArmaGroupHolding/wildduck/internal/websocket"
)

// RouterDependencies 路由依赖。
type RouterDependencies struct {
	Config   *config.Config
	Store    storage.Store
	Notifier *notify.Notifier
	IMAP     *imap.Handler
	Hub      *websocket.Hub
	Metrics  *monitoring.Metrics
	Health   *monitoring.HealthChecker
	Logger   *zap.Logger
}

// NewRouter 构建 gin 路由。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", "Last-Event-ID"},
	}))

	events := NewEventsHandler(deps.Config.Events, deps.Store, deps.Notifier, deps.Metrics, deps.Logger)
	auth := JWTAuth(deps.Config.JWT, deps.Logger)

	users := router.Group("/users")
	users.Use(auth)
	{
		users.GET("/:user/updates", events.Stream)
		users.GET("/:user/quota", func(c *gin.Context) {
			quota, err := deps.IMAP.OnGetQuotaRoot(c.Param("user"))
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(200, quota)
		})
	}

	if deps.Hub != nil {
		router.GET("/ws", websocket.HandleWebSocket(deps.Hub))
	}

	if deps.Health != nil {
		router.GET("/health/live", gin.WrapH(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapH(deps.Health.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	return router
}
