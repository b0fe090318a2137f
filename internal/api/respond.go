// Package api is the HTTP surface: gin handlers, the response envelope and
// the router.
package api

import (
	"github.com/gin-gonic/gin"
)

// ok writes the success envelope.
func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// fail writes the failure envelope with a taxonomy code.
func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"success": false, "error": message, "code": code})
}
