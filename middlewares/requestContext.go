package middlewares

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mmdatafocus/procuresight_backend/appctx"
)

const (
	HeaderOrgId         = "X-Org-Id"
	HeaderActorId       = "X-Actor-Id"
	HeaderCorrelationId = "X-Correlation-Id"
)

// RequestContextMiddleware stores the org, the acting operator and a
// correlation id in the request context. The org falls back to defaultOrg.
func RequestContextMiddleware(defaultOrg string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		org := strings.TrimSpace(c.GetHeader(HeaderOrgId))
		if org == "" {
			org = defaultOrg
		}
		if org != "" {
			ctx = appctx.Set(ctx, appctx.ContextKeyOrgId, org)
		}
		if actor := strings.TrimSpace(c.GetHeader(HeaderActorId)); actor != "" {
			ctx = appctx.Set(ctx, appctx.ContextKeyActorId, actor)
		}

		correlationId := strings.TrimSpace(c.GetHeader(HeaderCorrelationId))
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx = appctx.Set(ctx, appctx.ContextKeyCorrelationId, correlationId)
		c.Header(HeaderCorrelationId, correlationId)

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// OrgId returns the request's org, or "" when none was resolved.
func OrgId(c *gin.Context) string {
	org, _ := appctx.GetString(c.Request.Context(), appctx.ContextKeyOrgId)
	return org
}

func ActorId(c *gin.Context) string {
	actor, _ := appctx.GetString(c.Request.Context(), appctx.ContextKeyActorId)
	return actor
}

func CorrelationId(c *gin.Context) string {
	id, _ := appctx.GetString(c.Request.Context(), appctx.ContextKeyCorrelationId)
	return id
}
