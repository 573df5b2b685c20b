package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	CorrelationIDKey = "X-Correlation-ID"
	UserIDKey        = "user_id"
	EmailKey         = "email"
)

// needed to ensure we have the id for tracking every request for its lifetime
func CorrelationID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		correlationId := ctx.GetHeader(CorrelationIDKey)
		if correlationId == "" {
			correlationId = uuid.New().String()
		}
		ctx.Set(CorrelationIDKey, correlationId)
		ctx.Header(CorrelationIDKey, correlationId)
		ctx.Next()
	}
}

func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("correlation_id", c.GetString(CorrelationIDKey)),
		)
	}
}

func unauthorized(c *gin.Context, reason string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   reason,
		"message": "Unauthorized",
	})
}

// AuthMiddleware accepts HS256 bearer tokens signed with secret and exposes
// the user_id and email claims to the handlers.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authKey := c.GetHeader("Authorization")
		if authKey == "" {
			unauthorized(c, "Authorization header required")
			return
		}
		tokenString, ok := strings.CutPrefix(authKey, "Bearer ")
		if !ok || strings.TrimSpace(tokenString) == "" {
			unauthorized(c, "Invalid Authorization header")
			return
		}
		token, err := jwt.Parse(strings.TrimSpace(tokenString), func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "Invalid Token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			unauthorized(c, "Invalid Token")
			return
		}
		userID, _ := claims[UserIDKey].(string)
		if userID == "" {
			// tokens from the auth provider carry the account id as sub
			userID, _ = claims["sub"].(string)
		}
		if userID == "" {
			unauthorized(c, "Token has no subject")
			return
		}
		email, _ := claims[EmailKey].(string)

		c.Set(UserIDKey, userID)
		c.Set(EmailKey, strings.ToLower(email))
		c.Next()
	}
}

func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

func GetEmail(c *gin.Context) string {
	return c.GetString(EmailKey)
}

// RateLimit allows limit requests per caller in each window, counted in redis.
// Callers are identified by user id when authenticated and by IP otherwise.
// When redis cannot be reached requests are let through.
func RateLimit(client *redis.Client, limit int64, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if client == nil || limit <= 0 {
			c.Next()
			return
		}
		caller := GetUserID(c)
		if caller == "" {
			caller = c.ClientIP()
		}
		slot := time.Now().UnixNano() / int64(window)
		key := fmt.Sprintf("ratelimit:%s:%s:%d", c.FullPath(), caller, slot)

		ctx := c.Request.Context()
		var incr *redis.IntCmd
		_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, window)
			return nil
		})
		if err != nil {
			logger.Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if incr.Val() > limit {
			c.Header("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "rate limit exceeded",
				"message": "Too many requests",
			})
			return
		}
		c.Next()
	}
}
