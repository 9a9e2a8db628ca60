// Package api implements the gateway's HTTP surface: the chat completion
// pipeline and the operational endpoints around it.
package api

import (
	"github.com/gin-gonic/gin"
)

// Stable machine codes returned in error bodies. Clients key on these,
// never on the human-readable message.
const (
	ErrCodePolicyViolation     = "policy_violation"
	ErrCodeRateLimit           = "rate_limit"
	ErrCodeServiceUnavailable  = "service_unavailable"
	ErrCodeUpstreamUnavailable = "upstream_unavailable"
	ErrCodeInvalidRequest      = "invalid_request"
	ErrCodeUnauthorized        = "unauthorized"
	ErrCodeInternal            = "internal_error"
)

// errorBody renders the canonical {"error": code, ...} shape. extra keys
// merge into the object alongside the code.
func errorBody(code string, extra gin.H) gin.H {
	body := gin.H{"error": code}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

// abortWithError writes the error body and stops the handler chain.
func abortWithError(c *gin.Context, status int, code string, extra gin.H) {
	c.AbortWithStatusJSON(status, errorBody(code, extra))
}
