package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/herdpay/internal/observability/context"
)

const (
	HeaderAccount       = "X-Account-Id"
	contextAccountIDKey = "account_id"
)

// AccountRequired resolves the caller from the gateway-set account header.
func AccountRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderAccount))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		id, err := snowflake.ParseString(raw)
		if err != nil || id <= 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextAccountIDKey, id)
		c.Request = c.Request.WithContext(obscontext.WithAccountID(c.Request.Context(), id.String()))
		c.Next()
	}
}

func accountIDFromContext(c *gin.Context) snowflake.ID {
	value, ok := c.Get(contextAccountIDKey)
	if !ok {
		return 0
	}
	id, _ := value.(snowflake.ID)
	return id
}

func parseIDParam(c *gin.Context, name string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || id <= 0 {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+name)
	}
	return id, nil
}
