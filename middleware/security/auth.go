package security

import (
	"net/http"
	"strings"

	"PulseChat/global"
	sec "PulseChat/tools/security"

	"github.com/gin-gonic/gin"
)

const CtxUserID = "user_id"

type Options struct {
	Secret []byte
}

func DefaultOptions() Options {
	return Options{Secret: global.GetJwtSecret()}
}

// Middleware 校验 Bearer token，通过后把 user_id 放进上下文
func Middleware(opt Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "missing token"})
			return
		}
		claims, err := sec.Verify(sec.DefaultOptions(opt.Secret), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid token"})
			return
		}
		uid := claims.UserID()
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "token without sub"})
			return
		}
		c.Set(CtxUserID, uid)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// WebSocket 握手不便带 Header 时允许 query 传
	return c.Query("token")
}
