package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// SecurityConfig controls the response headers set on every API response.
type SecurityConfig struct {
	// HSTSMaxAge in seconds; zero omits Strict-Transport-Security.
	HSTSMaxAge     int
	FrameOptions   string
	ReferrerPolicy string
	CSP            string
}

// DefaultSecurityConfig suits a JSON API that never serves documents.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		HSTSMaxAge:     31536000,
		FrameOptions:   "DENY",
		ReferrerPolicy: "no-referrer",
		CSP:            "default-src 'none'; frame-ancestors 'none'",
	}
}

func SecurityHeaders(config SecurityConfig) gin.HandlerFunc {
	var hsts string
	if config.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.Itoa(config.HSTSMaxAge) + "; includeSubDomains"
	}
	return func(c *gin.Context) {
		h := c.Writer.Header()
		if hsts != "" {
			h.Set("Strict-Transport-Security", hsts)
		}
		h.Set("X-Content-Type-Options", "nosniff")
		if config.FrameOptions != "" {
			h.Set("X-Frame-Options", config.FrameOptions)
		}
		if config.ReferrerPolicy != "" {
			h.Set("Referrer-Policy", config.ReferrerPolicy)
		}
		if config.CSP != "" {
			h.Set("Content-Security-Policy", config.CSP)
		}
		c.Next()
	}
}
