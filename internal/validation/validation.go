// Package validation guards the sentinel's external inputs: request
// body limits on the status API and the address/hex shape checks the
// chain-facing configuration depends on.
package validation

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies on the status API (1MB). The
// largest legitimate payload is a webhook subscription.
const MaxRequestSize = 1 << 20

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	hexRegex        = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
)

// RequestSizeMiddleware rejects bodies above maxSize.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is a 20-byte 0x-prefixed hex
// address. Treasury, token, and gateway recipient addresses all pass
// through this at startup.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidHex reports whether s is a hex string, 0x prefix optional.
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}
