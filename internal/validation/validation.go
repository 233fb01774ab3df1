// Package validation provides input validation middleware for the visitlens API.
package validation

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size for API endpoints (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxBeaconSize bounds the beacon POST body. A full signal payload with a
// capped mouse trail encodes to a few KB; anything near this limit is junk.
const MaxBeaconSize = 64 << 10 // 64KB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIP checks if a string is a valid IPv4 or IPv6 address
func IsValidIP(s string) bool {
	return net.ParseIP(s) != nil
}

// IsValidSourceID checks if a string is a positive integer source ID
func IsValidSourceID(s string) bool {
	n, err := strconv.ParseInt(s, 10, 64)
	return err == nil && n > 0
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// SourceIDParamMiddleware validates the :sourceId URL parameter on routes
// that use it. Apply to route groups that include :sourceId params to
// reject malformed IDs early.
func SourceIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sourceId")
		if id != "" && !IsValidSourceID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_source_id",
				"message": "sourceId must be a positive integer",
			})
			return
		}
		c.Next()
	}
}
