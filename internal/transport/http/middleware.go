package httptransport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/config"
	"github.com/ArmaGroupHolding/wildduck/internal/storage"
)

// JWTAuth 校验 Bearer 令牌并核对 sub 与路径中的用户一致。
// 未配置密钥时跳过校验（开发模式）。
func JWTAuth(cfg config.JWTConfig, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Secret == "" {
			c.Next()
			return
		}

		token := c.Query("token")
		if token == "" {
			authHeader := c.GetHeader("Authorization")
			if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		claims := jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(cfg.Secret), nil
		}, jwt.WithIssuer(cfg.Issuer))
		if err != nil || !parsed.Valid {
			log.Warn("token validation failed",
				zap.String("remote_addr", c.ClientIP()),
				zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if user := c.Param("user"); user != "" && claims.Subject != user {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}

		c.Next()
	}
}

// writeError 把存储层错误翻译为 HTTP 响应。
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	case errors.Is(err, storage.ErrMailboxNotFound), errors.Is(err, storage.ErrMailboxMissing):
		c.JSON(http.StatusNotFound, gin.H{"error": "mailbox not found"})
	case errors.Is(err, storage.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
