package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vpn-miniapp-backend/internal/admin"
	"vpn-miniapp-backend/internal/cache"
	"vpn-miniapp-backend/internal/logger"
	"vpn-miniapp-backend/internal/metrics"
)

// RequestLogger пишет каждый запрос в zap и в метрики по шаблону маршрута
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
			zap.String("ip", c.ClientIP()),
		}
		switch {
		case status >= 500:
			logger.Error("http request", fields...)
		case status >= 400:
			logger.Warn("http request", fields...)
		default:
			logger.Debug("http request", fields...)
		}
	}
}

// Recovery ловит панику обработчика, отвечает 500 и уведомляет админа
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in handler", zap.String("route", c.FullPath()), zap.Any("panic", r))
				logger.NotifyAdmin("panic in " + c.Request.Method + " " + c.FullPath())
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
			}
		}()
		c.Next()
	}
}

// RateLimit ограничивает число запросов с одного клиента на маршрут.
// Ошибка хранилища лимитов запрос не блокирует
func RateLimit(l cache.Limiter, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "rl:" + c.FullPath() + ":" + c.ClientIP()
		ok, err := l.Allow(c.Request.Context(), key, limit, window)
		if err != nil {
			logger.Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "RATE_LIMITED",
				"retry_after": int(window.Seconds()),
			})
			return
		}
		c.Next()
	}
}

// AdminAuth пропускает только запросы с действующим токеном администратора
func AdminAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED"})
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED"})
			return
		}
		claims, err := admin.ParseToken(secret, parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED"})
			return
		}
		c.Set("admin_tg_id", claims.TelegramID)
		c.Next()
	}
}

func adminID(c *gin.Context) int64 {
	return c.GetInt64("admin_tg_id")
}
