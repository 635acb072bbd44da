package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/orderflow/internal/authorization"
	obscontext "github.com/smallbiznis/orderflow/internal/observability/context"
	"go.uber.org/zap"
)

const (
	headerAuthorization  = "Authorization"
	headerIdempotencyKey = "Idempotency-Key"

	// localOperator acts for unauthenticated callers when no credentials are
	// configured outside production.
	localOperator = "local"
)

// CORS allows any origin and answers preflight requests directly.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key, X-Request-ID, Stripe-Signature, X-Webhook-Signature")
		h.Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// OperatorRequired authenticates the bearer token and stores the operator
// on the request context.
func (s *Server) OperatorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		var op authorization.Operator
		if s.authenticator.Enabled() {
			token, ok := bearerToken(c.GetHeader(headerAuthorization))
			if !ok {
				AbortWithError(c, authorization.ErrUnauthorized)
				return
			}
			authed, err := s.authenticator.Authenticate(token)
			if err != nil {
				AbortWithError(c, err)
				return
			}
			op = authed
		} else {
			if s.cfg.IsProduction() {
				AbortWithError(c, authorization.ErrUnauthorized)
				return
			}
			op = authorization.Operator{Name: localOperator, Role: authorization.RoleOperator}
		}

		ctx := obscontext.WithOperator(c.Request.Context(), op.Name, op.Role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, role := obscontext.OperatorFromContext(c.Request.Context())
		if name == "" {
			AbortWithError(c, authorization.ErrUnauthorized)
			return
		}
		if s.authzSvc == nil {
			AbortWithError(c, authorization.ErrForbidden)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), name, role, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// WebhookRateLimit admits webhooks per provider. Limiter failures let the
// request through so a redis outage never drops deliveries.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		provider := c.Param("provider")
		res, err := s.limiter.AllowWebhook(c.Request.Context(), provider)
		if err != nil {
			s.log.Warn("webhook rate limiter unavailable", zap.String("provider", provider), zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			wait := res.RetryAfter.Round(time.Second)
			if wait < time.Second {
				wait = time.Second
			}
			c.Header("Retry-After", strconv.Itoa(int(wait/time.Second)))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return token, token != ""
}
