package middleware

import (
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	HeaderXRequestID = "X-Request-ID"
	ContextRequestID = "request_id"
)

// Upstream IDs are echoed into logs and response headers, so only short
// token-like values are trusted.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// RequestID tags each request with an ID and a zerolog logger carrying it.
// A valid X-Request-ID from a gateway is kept; otherwise a ULID is issued so
// IDs sort by arrival.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderXRequestID)
		if !requestIDPattern.MatchString(rid) {
			rid = ulid.Make().String()
		}

		l := log.With().Str("request_id", rid).Logger()
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))
		c.Set(ContextRequestID, rid)
		c.Header(HeaderXRequestID, rid)
		c.Next()
	}
}

// RequestLogger returns the request-scoped logger, falling back to the global
// one for requests that did not pass through RequestID.
func RequestLogger(c *gin.Context) *zerolog.Logger {
	if l := zerolog.Ctx(c.Request.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
